// Package pool drives the mining rounds: it follows the block the
// network is forging, verifies and forwards nonce submissions, and
// settles finished rounds against the chain.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/burstmath"
	"github.com/burst-apps-team/burstpool/internal/miners"
	"github.com/burst-apps-team/burstpool/internal/rpc"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

// recipientCacheTTL bounds how stale the reward recipient set may get
// before a miss forces a refresh from the node.
const recipientCacheTTL = time.Minute

var (
	// ErrNoRound is returned before the first round has been fetched.
	ErrNoRound = errors.New("pool: no active round")
	// ErrRoundTransition is returned while the round is being swapped;
	// miners should simply resubmit.
	ErrRoundTransition = errors.New("pool: round is changing, retry")
	// ErrUnknownRecipient is returned for accounts that did not assign
	// their reward recipient to the pool.
	ErrUnknownRecipient = errors.New("pool: account has not assigned its reward recipient to this pool")
	// ErrDeadlineTooHigh is returned for deadlines above the pool's
	// acceptance limit.
	ErrDeadlineTooHigh = errors.New("pool: deadline exceeds maximum")
)

// nodeAPI is the slice of the node the controller needs.
type nodeAPI interface {
	GetMiningInfo(ctx context.Context) (*rpc.MiningInfo, error)
	GetBlock(ctx context.Context, height uint64) (*rpc.BlockInfo, error)
	SubmitNonce(ctx context.Context, secretPhrase string, nonce, accountID uint64) (*rpc.SubmitNonceResult, error)
	GetAccountsWithRewardRecipient(ctx context.Context, accountID uint64) ([]uint64, error)
}

// Notifier is told about blocks the pool won. May be nil.
type Notifier interface {
	BlockWon(block *storage.WonBlock)
}

// round is the block currently being forged, as seen by the pool.
type round struct {
	height     uint64
	baseTarget uint64
	genSig     []byte
	scoop      uint32
	startedAt  time.Time

	bestDeadline uint64
	bestMinerID  uint64
	bestNonce    uint64
	hasBest      bool
}

// Status is a snapshot of the current round for the API and the live
// round feed.
type Status struct {
	Height              uint64    `json:"height"`
	BaseTarget          uint64    `json:"baseTarget"`
	GenerationSignature string    `json:"generationSignature"`
	Scoop               uint32    `json:"scoop"`
	StartedAt           time.Time `json:"startedAt"`
	TargetDeadline      uint64    `json:"targetDeadline"`
	BestDeadline        *uint64   `json:"bestDeadline,omitempty"`
	BestMiner           string    `json:"bestMiner,omitempty"`
}

// Options configures the controller.
type Options struct {
	SecretPhrase    string
	PocVersion      burstmath.PocVersion
	NAvg            int
	TMin            int64
	ProcessLag      uint64
	MaxDeadline     uint64
	TargetDeadline  uint64
	RefreshInterval time.Duration
	ProcessInterval time.Duration
	Notifier        Notifier
}

// Controller owns the round lifecycle. Submissions hold the read side
// of the round lock; a round switch takes the write side and trips the
// resetting flag first so submissions fail fast instead of piling up
// behind the switch.
type Controller struct {
	store   *storage.RedisStore
	node    nodeAPI
	tracker *miners.Tracker
	opts    Options

	poolID uint64

	mu      sync.RWMutex
	current *round

	resetting atomic.Bool

	recipMu     sync.RWMutex
	assigned    map[uint64]bool
	recipExpiry time.Time

	onRoundChange func(Status)
}

// NewController builds a round controller. poolID is the pool account
// the miners assign their reward recipient to.
func NewController(store *storage.RedisStore, node nodeAPI, tracker *miners.Tracker, poolID uint64, opts Options) *Controller {
	return &Controller{
		store:    store,
		node:     node,
		tracker:  tracker,
		opts:     opts,
		poolID:   poolID,
		assigned: make(map[uint64]bool),
	}
}

// OnRoundChange registers the live feed hook. Must be called before
// Run.
func (c *Controller) OnRoundChange(fn func(Status)) {
	c.onRoundChange = fn
}

// Run drives the controller until the context ends. It blocks.
func (c *Controller) Run(ctx context.Context) {
	if err := c.bootstrap(ctx); err != nil {
		util.Errorf("Pool bootstrap failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.refreshLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.processLoop(ctx)
	}()
	wg.Wait()
}

// bootstrap primes the accounting height on first start. The window is
// backdated one averaging window behind the lag so capacity estimates
// warm up from historical submissions instead of starting cold.
func (c *Controller) bootstrap(ctx context.Context) error {
	if _, ok, err := c.store.LastProcessedBlock(ctx); err != nil {
		return err
	} else if ok {
		return nil
	}

	info, err := c.node.GetMiningInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch mining info: %w", err)
	}

	backlog := c.opts.ProcessLag + uint64(c.opts.NAvg)
	start := uint64(0)
	if info.Height > backlog {
		start = info.Height - backlog
	}
	util.Infof("First start: accounting begins at height %d", start)
	return c.store.SetLastProcessedBlock(ctx, start)
}

func (c *Controller) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ticker.C:
			c.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// refresh polls the node and swaps the round when a new block started.
func (c *Controller) refresh(ctx context.Context) {
	info, err := c.node.GetMiningInfo(ctx)
	if err != nil {
		util.Warnf("Failed to refresh mining info: %v", err)
		return
	}

	c.mu.RLock()
	unchanged := c.current != nil &&
		c.current.height == info.Height &&
		util.BytesToHex(c.current.genSig) == info.GenerationSignature
	c.mu.RUnlock()
	if unchanged {
		return
	}

	genSig, err := util.HexToBytes(info.GenerationSignature)
	if err != nil || len(genSig) != 32 {
		util.Errorf("Node sent malformed generation signature %q", info.GenerationSignature)
		return
	}

	c.startRound(info, genSig)
}

func (c *Controller) startRound(info *rpc.MiningInfo, genSig []byte) {
	// Trip the gate first: in-flight submissions drain out of the read
	// lock while new ones fail fast, so the swap never starves.
	c.resetting.Store(true)
	defer c.resetting.Store(false)

	c.mu.Lock()
	c.current = &round{
		height:     info.Height,
		baseTarget: info.BaseTarget,
		genSig:     genSig,
		scoop:      burstmath.CalculateScoop(genSig, info.Height),
		startedAt:  time.Now(),
	}
	status := c.statusLocked()
	c.mu.Unlock()

	util.Infof("New round: height %d, base target %d, scoop %d", info.Height, info.BaseTarget, status.Scoop)

	// Refresh the recipient set off the submission path, so a miner
	// that assigned the pool since last round is admitted without
	// paying for the node round trip itself.
	go func() {
		if err := c.refreshRecipients(context.Background()); err != nil {
			util.Warnf("Reward recipient refresh failed, keeping cached set: %v", err)
		}
	}()

	if c.onRoundChange != nil {
		c.onRoundChange(status)
	}
}

// statusLocked builds a Status snapshot; callers hold c.mu.
func (c *Controller) statusLocked() Status {
	s := Status{
		Height:              c.current.height,
		BaseTarget:          c.current.baseTarget,
		GenerationSignature: util.BytesToHex(c.current.genSig),
		Scoop:               c.current.scoop,
		StartedAt:           c.current.startedAt,
		TargetDeadline:      c.opts.TargetDeadline,
	}
	if c.current.hasBest {
		best := c.current.bestDeadline
		s.BestDeadline = &best
		s.BestMiner = burst.AddressFromID(c.current.bestMinerID).RS()
	}
	return s
}

// CurrentRound returns a snapshot of the active round.
func (c *Controller) CurrentRound() (Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Status{}, ErrNoRound
	}
	return c.statusLocked(), nil
}

// SubmitNonce verifies a miner's nonce against the current round,
// records the deadline and forwards the round's best submission to the
// node. It returns the confirmed deadline in seconds.
func (c *Controller) SubmitNonce(ctx context.Context, accountID, nonce uint64, userAgent string) (uint64, error) {
	if c.resetting.Load() {
		return 0, ErrRoundTransition
	}

	c.mu.RLock()
	if c.current == nil {
		c.mu.RUnlock()
		return 0, ErrNoRound
	}
	height := c.current.height
	baseTarget := c.current.baseTarget
	genSig := c.current.genSig
	scoop := c.current.scoop
	c.mu.RUnlock()

	if !c.isAssigned(ctx, accountID) {
		return 0, ErrUnknownRecipient
	}

	// The deadline is recomputed from scratch; the pool never trusts a
	// miner-supplied value.
	deadline := burstmath.CalculateDeadline(accountID, nonce, genSig, scoop, baseTarget, c.opts.PocVersion)
	if deadline > c.opts.MaxDeadline {
		return 0, ErrDeadlineTooHigh
	}

	sub := storage.Submission{Height: height, MinerID: accountID, Nonce: nonce, Deadline: deadline}
	if err := c.tracker.ProcessDeadline(ctx, c.store, sub, baseTarget); err != nil {
		return 0, err
	}
	// ProcessDeadline keeps only the miner's best deadline per height;
	// when this submission is it, the nonce is persisted alongside so
	// settlement can match the block's forger against it later.
	if miner, err := c.store.Miner(ctx, accountID); err == nil {
		if d, ok, err := miner.Deadline(ctx, height); err == nil && ok && d.Value == deadline {
			if err := c.store.SetBestSubmission(ctx, &sub); err != nil {
				util.Errorf("Failed to persist submission for miner %d: %v", accountID, err)
			}
		}
	}
	if userAgent != "" {
		if miner, err := c.store.Miner(ctx, accountID); err == nil {
			if err := miner.SetUserAgent(ctx, userAgent); err != nil {
				util.Debugf("Failed to store user agent for miner %d: %v", accountID, err)
			}
		}
	}

	c.adoptIfBest(ctx, sub)
	return deadline, nil
}

// adoptIfBest promotes a submission to round best and forwards it to
// the node, where the pool account forges with it.
func (c *Controller) adoptIfBest(ctx context.Context, sub storage.Submission) {
	c.mu.Lock()
	if c.current == nil || c.current.height != sub.Height ||
		(c.current.hasBest && c.current.bestDeadline <= sub.Deadline) {
		c.mu.Unlock()
		return
	}
	c.current.bestDeadline = sub.Deadline
	c.current.bestMinerID = sub.MinerID
	c.current.bestNonce = sub.Nonce
	c.current.hasBest = true
	status := c.statusLocked()
	c.mu.Unlock()

	util.Infof("New best deadline %d by miner %d at height %d", sub.Deadline, sub.MinerID, sub.Height)

	if _, err := c.node.SubmitNonce(ctx, c.opts.SecretPhrase, sub.Nonce, sub.MinerID); err != nil {
		util.Warnf("Failed to forward nonce to node: %v", err)
	}
	if c.onRoundChange != nil {
		c.onRoundChange(status)
	}
}

// isAssigned reports whether an account forges for the pool. The
// assignment set is cached; an unknown account refreshes it at most
// once per TTL so probing cannot hammer the node. A failed refresh
// falls back to the cached set rather than bouncing the submission.
func (c *Controller) isAssigned(ctx context.Context, accountID uint64) bool {
	c.recipMu.RLock()
	known := c.assigned[accountID]
	fresh := time.Now().Before(c.recipExpiry)
	c.recipMu.RUnlock()

	if known {
		return true
	}
	if fresh {
		return false
	}

	if err := c.refreshRecipients(ctx); err != nil {
		util.Warnf("Failed to refresh reward recipients, using cached set: %v", err)
		return known
	}

	c.recipMu.RLock()
	known = c.assigned[accountID]
	c.recipMu.RUnlock()
	return known
}

// refreshRecipients replaces the cached recipient set from the node.
func (c *Controller) refreshRecipients(ctx context.Context) error {
	ids, err := c.node.GetAccountsWithRewardRecipient(ctx, c.poolID)
	if err != nil {
		return fmt.Errorf("failed to fetch reward recipients: %w", err)
	}

	assigned := make(map[uint64]bool, len(ids)+1)
	for _, id := range ids {
		assigned[id] = true
	}
	// The pool account always forges for itself.
	assigned[c.poolID] = true

	c.recipMu.Lock()
	c.assigned = assigned
	c.recipExpiry = time.Now().Add(recipientCacheTTL)
	c.recipMu.Unlock()
	return nil
}
