package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burst-apps-team/burstpool/internal/util"
)

const (
	healthCheckInterval = 10 * time.Second
	healthCheckTimeout  = 3 * time.Second
	maxFailures         = 3
	recoveryThreshold   = 2
)

// UpstreamState represents the health state of an upstream node
type UpstreamState int

const (
	StateHealthy UpstreamState = iota
	StateDegraded
	StateUnhealthy
)

func (s UpstreamState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Upstream is one Burst node with its health state.
type Upstream struct {
	URL    string
	Client *NodeClient
	// Weight follows the configured order: earlier nodes are preferred.
	Weight int

	mu           sync.RWMutex
	state        UpstreamState
	failCount    int
	successCount int
	lastHeight   uint64
	lastCheck    time.Time
}

// State returns the current health state
func (u *Upstream) State() UpstreamState {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// LastHeight returns the last known chain height of this node.
func (u *Upstream) LastHeight() uint64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastHeight
}

// UpstreamManager manages multiple Burst nodes with failover.
type UpstreamManager struct {
	upstreams []*Upstream
	activeIdx int32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewUpstreamManager builds a manager from the configured node
// addresses. The first address is the preferred node.
func NewUpstreamManager(addresses []string, timeout time.Duration) (*UpstreamManager, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("no node addresses configured")
	}

	upstreams := make([]*Upstream, 0, len(addresses))
	for i, addr := range addresses {
		upstreams = append(upstreams, &Upstream{
			URL:    addr,
			Client: NewNodeClient(addr, timeout),
			Weight: len(addresses) - i,
			state:  StateHealthy,
		})
	}

	m := &UpstreamManager{
		upstreams: upstreams,
		stopCh:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.healthCheckLoop()

	return m, nil
}

// healthCheckLoop periodically checks the health of all upstreams
func (m *UpstreamManager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	// Initial check
	m.checkAllUpstreams()

	for {
		select {
		case <-ticker.C:
			m.checkAllUpstreams()
		case <-m.stopCh:
			return
		}
	}
}

func (m *UpstreamManager) checkAllUpstreams() {
	var wg sync.WaitGroup
	for _, u := range m.upstreams {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			m.checkUpstream(u)
		}(u)
	}
	wg.Wait()

	m.selectBestUpstream()
}

// checkUpstream probes one node. getMiningInfo doubles as the probe
// since it also yields the node's current height.
func (m *UpstreamManager) checkUpstream(u *Upstream) {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	info, err := u.Client.GetMiningInfo(ctx)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastCheck = time.Now()

	if err != nil {
		u.failCount++
		u.successCount = 0
		if u.failCount >= maxFailures && u.state != StateUnhealthy {
			u.state = StateUnhealthy
			util.Warnf("Upstream %s marked unhealthy: %v", u.URL, err)
		} else if u.state == StateHealthy {
			u.state = StateDegraded
		}
		return
	}

	u.lastHeight = info.Height
	u.failCount = 0
	u.successCount++
	if u.state != StateHealthy && u.successCount >= recoveryThreshold {
		util.Infof("Upstream %s recovered at height %d", u.URL, info.Height)
		u.state = StateHealthy
	}
}

// selectBestUpstream picks the healthy node with the highest weight,
// falling back to the one with the greatest height on a tie.
func (m *UpstreamManager) selectBestUpstream() {
	bestIdx := -1
	bestWeight := -1
	var bestHeight uint64

	for i, u := range m.upstreams {
		u.mu.RLock()
		state := u.state
		height := u.lastHeight
		u.mu.RUnlock()

		if state == StateUnhealthy {
			continue
		}
		if u.Weight > bestWeight || (u.Weight == bestWeight && height > bestHeight) {
			bestIdx = i
			bestWeight = u.Weight
			bestHeight = height
		}
	}

	if bestIdx < 0 {
		// No healthy node; leave the active index alone so we keep
		// retrying against the last known good one.
		return
	}

	prev := atomic.SwapInt32(&m.activeIdx, int32(bestIdx))
	if prev != int32(bestIdx) {
		util.Infof("Active Burst node switched to %s", m.upstreams[bestIdx].URL)
	}
}

// GetClient returns the currently active node client.
func (m *UpstreamManager) GetClient() *NodeClient {
	idx := atomic.LoadInt32(&m.activeIdx)
	return m.upstreams[idx].Client
}

// ActiveURL returns the URL of the currently active node.
func (m *UpstreamManager) ActiveURL() string {
	idx := atomic.LoadInt32(&m.activeIdx)
	return m.upstreams[idx].URL
}

// CallWithFailover runs fn against the active node, falling back to
// the other healthy nodes when it fails.
func (m *UpstreamManager) CallWithFailover(ctx context.Context, fn func(*NodeClient) error) error {
	activeIdx := int(atomic.LoadInt32(&m.activeIdx))

	err := fn(m.upstreams[activeIdx].Client)
	if err == nil {
		m.recordSuccess(activeIdx)
		return nil
	}
	if _, isAPIError := err.(*APIError); isAPIError {
		// The node answered; failing over will not change the verdict.
		return err
	}
	m.recordFailure(activeIdx)

	for i, u := range m.upstreams {
		if i == activeIdx {
			continue
		}
		if u.State() == StateUnhealthy {
			continue
		}
		if ferr := fn(u.Client); ferr == nil {
			m.recordSuccess(i)
			util.Warnf("Request failed over from %s to %s", m.upstreams[activeIdx].URL, u.URL)
			return nil
		} else if _, isAPIError := ferr.(*APIError); isAPIError {
			return ferr
		} else {
			m.recordFailure(i)
			err = ferr
		}
	}

	return fmt.Errorf("all upstreams failed: %w", err)
}

func (m *UpstreamManager) recordSuccess(idx int) {
	u := m.upstreams[idx]
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failCount = 0
	u.successCount++
	if u.state != StateHealthy && u.successCount >= recoveryThreshold {
		u.state = StateHealthy
	}
}

func (m *UpstreamManager) recordFailure(idx int) {
	u := m.upstreams[idx]
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failCount++
	u.successCount = 0
	if u.failCount >= maxFailures {
		u.state = StateUnhealthy
	} else {
		u.state = StateDegraded
	}
}

// HasHealthyUpstream reports whether any node is usable.
func (m *UpstreamManager) HasHealthyUpstream() bool {
	for _, u := range m.upstreams {
		if u.State() != StateUnhealthy {
			return true
		}
	}
	return false
}

// UpstreamCount returns the number of configured nodes.
func (m *UpstreamManager) UpstreamCount() int {
	return len(m.upstreams)
}

// HealthyCount returns the number of nodes not marked unhealthy.
func (m *UpstreamManager) HealthyCount() int {
	n := 0
	for _, u := range m.upstreams {
		if u.State() != StateUnhealthy {
			n++
		}
	}
	return n
}

// GetMiningInfo fetches mining info with failover.
func (m *UpstreamManager) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	var info *MiningInfo
	err := m.CallWithFailover(ctx, func(c *NodeClient) error {
		var err error
		info, err = c.GetMiningInfo(ctx)
		return err
	})
	return info, err
}

// GetBlock fetches a block with failover.
func (m *UpstreamManager) GetBlock(ctx context.Context, height uint64) (*BlockInfo, error) {
	var block *BlockInfo
	err := m.CallWithFailover(ctx, func(c *NodeClient) error {
		var err error
		block, err = c.GetBlock(ctx, height)
		return err
	})
	return block, err
}

// SubmitNonce forwards a nonce with failover.
func (m *UpstreamManager) SubmitNonce(ctx context.Context, secretPhrase string, nonce, accountID uint64) (*SubmitNonceResult, error) {
	var result *SubmitNonceResult
	err := m.CallWithFailover(ctx, func(c *NodeClient) error {
		var err error
		result, err = c.SubmitNonce(ctx, secretPhrase, nonce, accountID)
		return err
	})
	return result, err
}

// GetAccount fetches account info with failover.
func (m *UpstreamManager) GetAccount(ctx context.Context, accountID uint64) (*AccountInfo, error) {
	var account *AccountInfo
	err := m.CallWithFailover(ctx, func(c *NodeClient) error {
		var err error
		account, err = c.GetAccount(ctx, accountID)
		return err
	})
	return account, err
}

// GetAccountsWithRewardRecipient lists assigned miners with failover.
func (m *UpstreamManager) GetAccountsWithRewardRecipient(ctx context.Context, accountID uint64) ([]uint64, error) {
	var ids []uint64
	err := m.CallWithFailover(ctx, func(c *NodeClient) error {
		var err error
		ids, err = c.GetAccountsWithRewardRecipient(ctx, accountID)
		return err
	})
	return ids, err
}

// CreateMultiOut assembles an unsigned multi-out with failover.
func (m *UpstreamManager) CreateMultiOut(ctx context.Context, publicKeyHex string, recipients map[uint64]int64, feePlanck int64, deadline uint64) ([]byte, error) {
	var unsigned []byte
	err := m.CallWithFailover(ctx, func(c *NodeClient) error {
		var err error
		unsigned, err = c.CreateMultiOut(ctx, publicKeyHex, recipients, feePlanck, deadline)
		return err
	})
	return unsigned, err
}

// BroadcastTransaction broadcasts signed bytes with failover.
func (m *UpstreamManager) BroadcastTransaction(ctx context.Context, signed []byte) (*BroadcastResult, error) {
	var result *BroadcastResult
	err := m.CallWithFailover(ctx, func(c *NodeClient) error {
		var err error
		result, err = c.BroadcastTransaction(ctx, signed)
		return err
	})
	return result, err
}

// Stop shuts down the health check loop.
func (m *UpstreamManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
