// Package miners implements capacity estimation, share accounting and
// reward distribution for the pool's miners.
package miners

import (
	"context"
	"math"
	"math/big"
	"sync"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

// Store is the slice of pool persistence the tracker needs. Both the
// store and its transactions satisfy it, so reward distribution can
// run inside a transaction.
type Store interface {
	MinerIDs(ctx context.Context) ([]uint64, error)
	MinerCount(ctx context.Context) (int, error)
	Miner(ctx context.Context, id uint64) (*storage.MinerData, error)
	GetOrCreateMiner(ctx context.Context, id uint64) (*storage.MinerData, error)
	FeeRecipient() *storage.FeeRecipientData
}

// Tracker serializes accounting over the miner set. Round processing
// takes the write lock; API reads take the read lock, so a stats
// request can never observe half-distributed rewards.
type Tracker struct {
	mu    sync.RWMutex
	maths *Maths

	nAvg                 int
	fee                  float64
	winnerReward         float64
	defaultMinimumPayout burst.Value
}

// NewTracker builds a tracker. nMin is the number of confirmed
// deadlines a miner needs before it earns a share; fee and
// winnerReward are fractions in [0, 1], fee taken off the top and
// winnerReward off the remainder.
func NewTracker(nAvg, nMin int, fee, winnerReward float64, defaultMinimumPayout burst.Value) *Tracker {
	return &Tracker{
		maths:                NewMaths(nAvg, nMin),
		nAvg:                 nAvg,
		fee:                  fee,
		winnerReward:         winnerReward,
		defaultMinimumPayout: defaultMinimumPayout,
	}
}

// DefaultMinimumPayout returns the pool-wide payout threshold applied
// to miners that never chose their own.
func (t *Tracker) DefaultMinimumPayout() burst.Value {
	return t.defaultMinimumPayout
}

// ProcessDeadline records a confirmed deadline for a miner. Submissions
// for heights older than the miner's newest stored deadline are stale
// and dropped; a resubmission for the same height only wins if it is
// strictly better.
func (t *Tracker) ProcessDeadline(ctx context.Context, st Store, sub storage.Submission, baseTarget uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	miner, err := st.GetOrCreateMiner(ctx, sub.MinerID)
	if err != nil {
		return err
	}

	deadlines, err := miner.Deadlines(ctx)
	if err != nil {
		return err
	}
	if len(deadlines) > 0 {
		newest := deadlines[len(deadlines)-1].Height
		if sub.Height < newest {
			util.Debugf("Dropping stale deadline from miner %d for height %d (newest %d)", sub.MinerID, sub.Height, newest)
			return nil
		}
	}

	if existing, ok, err := miner.Deadline(ctx, sub.Height); err != nil {
		return err
	} else if ok && existing.Value <= sub.Deadline {
		return nil
	}

	return miner.SetOrUpdateDeadline(ctx, storage.Deadline{
		Height:     sub.Height,
		BaseTarget: baseTarget,
		Value:      sub.Deadline,
	})
}

// RecalculateAll reprices every miner after a block: prunes deadlines
// that fell out of the averaging window, re-runs outlier detection,
// recomputes capacities and finally the reward shares. Deadlines for
// fastBlocks heights stay stored but do not count towards capacity.
// Returns the pool's total estimated capacity in TiB.
func (t *Tracker) RecalculateAll(ctx context.Context, st Store, currentHeight uint64, fastBlocks map[uint64]bool) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, err := st.MinerIDs(ctx)
	if err != nil {
		return 0, err
	}

	capacities := make(map[uint64]float64, len(ids))
	var totalCapacity float64

	for _, id := range ids {
		miner, err := st.Miner(ctx, id)
		if err != nil {
			return 0, err
		}
		capacity, err := t.recalculateCapacity(ctx, miner, currentHeight, fastBlocks)
		if err != nil {
			return 0, err
		}
		capacities[id] = capacity
		totalCapacity += capacity
	}

	for _, id := range ids {
		miner, err := st.Miner(ctx, id)
		if err != nil {
			return 0, err
		}
		share := 0.0
		if totalCapacity > 0 {
			share = capacities[id] / totalCapacity
		}
		if math.IsNaN(share) || math.IsInf(share, 0) {
			share = 0
		}
		if err := miner.SetShare(ctx, share); err != nil {
			return 0, err
		}
	}

	return totalCapacity, nil
}

func (t *Tracker) recalculateCapacity(ctx context.Context, miner *storage.MinerData, currentHeight uint64, fastBlocks map[uint64]bool) (float64, error) {
	deadlines, err := miner.Deadlines(ctx)
	if err != nil {
		return 0, err
	}

	// Deadlines at fast heights stay stored until they age out of the
	// window; they just carry no weight.
	kept := deadlines[:0]
	for _, d := range deadlines {
		if d.Height+uint64(t.nAvg) <= currentHeight {
			if err := miner.RemoveDeadline(ctx, d.Height); err != nil {
				return 0, err
			}
			continue
		}
		if fastBlocks[d.Height] {
			continue
		}
		kept = append(kept, d)
	}

	outliers := CalculateOutliers(kept)
	hitSum := new(big.Int)
	nConf := 0
	for i := range kept {
		isOutlier := outliers[kept[i].Height]
		if isOutlier != kept[i].Outlier {
			kept[i].Outlier = isOutlier
			if err := miner.SetOrUpdateDeadline(ctx, kept[i]); err != nil {
				return 0, err
			}
		}
		if isOutlier {
			continue
		}
		nConf++
		hitSum.Add(hitSum, kept[i].Hit())
	}

	capacity, err := t.maths.EstimatedEffectivePlotSize(len(kept), nConf, hitSum)
	if err != nil {
		// Too little data for a fresh estimate; the previous one
		// stands until the window fills back up.
		return miner.EstimatedCapacity(ctx)
	}
	if err := miner.SetEstimatedCapacity(ctx, capacity); err != nil {
		return 0, err
	}
	return capacity, nil
}

// DistributeReward splits a won block's reward: the pool fee off the
// top, the winner's cut off the remainder, and the rest across all
// miners by share. Rounding leftovers are spread evenly, with the
// final residue going to the winner so every planck is accounted for.
func (t *Tracker) DistributeReward(ctx context.Context, st Store, fullReward burst.Value, winnerID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	poolTake := fullReward.MultiplyFloat(t.fee)
	if poolTake.Planck() > 0 {
		feeRecipient := st.FeeRecipient()
		pending, err := feeRecipient.PendingBalance(ctx)
		if err != nil {
			return err
		}
		if err := feeRecipient.SetPendingBalance(ctx, pending.Add(poolTake)); err != nil {
			return err
		}
	}
	remainder := fullReward.Sub(poolTake)

	winner, err := st.GetOrCreateMiner(ctx, winnerID)
	if err != nil {
		return err
	}
	winnerTake := remainder.MultiplyFloat(t.winnerReward)
	if err := addPending(ctx, winner, winnerTake); err != nil {
		return err
	}
	rest := remainder.Sub(winnerTake)

	ids, err := st.MinerIDs(ctx)
	if err != nil {
		return err
	}

	var taken burst.Value
	for _, id := range ids {
		miner, err := st.Miner(ctx, id)
		if err != nil {
			return err
		}
		share, err := miner.Share(ctx)
		if err != nil {
			return err
		}
		// Floored so the cuts can never sum past the distributable
		// amount; the leftover is handed out below.
		cut := burst.PlanckValue(int64(math.Floor(float64(rest.Planck()) * share)))
		if err := addPending(ctx, miner, cut); err != nil {
			return err
		}
		taken = taken.Add(cut)
	}

	leftover := rest.Sub(taken)
	if leftover.Planck() > 0 && len(ids) > 0 {
		perMiner := leftover.DivideInt(int64(len(ids)))
		for _, id := range ids {
			miner, err := st.Miner(ctx, id)
			if err != nil {
				return err
			}
			if err := addPending(ctx, miner, perMiner); err != nil {
				return err
			}
		}
		leftover = leftover.Sub(burst.PlanckValue(perMiner.Planck() * int64(len(ids))))
	}
	// The residue cannot split evenly, so it goes to the winner.
	if leftover.Planck() > 0 {
		if err := addPending(ctx, winner, leftover); err != nil {
			return err
		}
	}

	return nil
}

func addPending(ctx context.Context, miner *storage.MinerData, amount burst.Value) error {
	if amount.Planck() <= 0 {
		return nil
	}
	pending, err := miner.PendingBalance(ctx)
	if err != nil {
		return err
	}
	return miner.SetPendingBalance(ctx, pending.Add(amount))
}

// Stats is one miner's public state, as served by the API.
type Stats struct {
	ID                 uint64      `json:"-"`
	Address            string      `json:"address"`
	Name               string      `json:"name,omitempty"`
	UserAgent          string      `json:"userAgent,omitempty"`
	PendingBalance     burst.Value `json:"pendingBalance"`
	EstimatedCapacity  float64     `json:"estimatedCapacityTiB"`
	Share              float64     `json:"share"`
	MinimumPayout      burst.Value `json:"minimumPayout"`
	ConfirmedDeadlines int         `json:"confirmedDeadlines"`
}

// MinerStats gathers the public state of one miner.
func (t *Tracker) MinerStats(ctx context.Context, st Store, id uint64) (*Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	miner, err := st.Miner(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.statsOf(ctx, miner)
}

// AllMinerStats gathers the public state of every miner.
func (t *Tracker) AllMinerStats(ctx context.Context, st Store) ([]Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids, err := st.MinerIDs(ctx)
	if err != nil {
		return nil, err
	}
	stats := make([]Stats, 0, len(ids))
	for _, id := range ids {
		miner, err := st.Miner(ctx, id)
		if err != nil {
			return nil, err
		}
		s, err := t.statsOf(ctx, miner)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *s)
	}
	return stats, nil
}

func (t *Tracker) statsOf(ctx context.Context, miner *storage.MinerData) (*Stats, error) {
	pending, err := miner.PendingBalance(ctx)
	if err != nil {
		return nil, err
	}
	capacity, err := miner.EstimatedCapacity(ctx)
	if err != nil {
		return nil, err
	}
	share, err := miner.Share(ctx)
	if err != nil {
		return nil, err
	}
	minimum, custom, err := miner.MinimumPayout(ctx)
	if err != nil {
		return nil, err
	}
	if !custom {
		minimum = t.defaultMinimumPayout
	}
	name, err := miner.Name(ctx)
	if err != nil {
		return nil, err
	}
	userAgent, err := miner.UserAgent(ctx)
	if err != nil {
		return nil, err
	}
	count, err := miner.DeadlineCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		ID:                 miner.ID(),
		Address:            burst.AddressFromID(miner.ID()).RS(),
		Name:               name,
		UserAgent:          userAgent,
		PendingBalance:     pending,
		EstimatedCapacity:  capacity,
		Share:              share,
		MinimumPayout:      minimum,
		ConfirmedDeadlines: count,
	}, nil
}

// NameFetcher looks up the on-chain account name of one account.
type NameFetcher func(ctx context.Context, accountID uint64) (string, error)

// FetchMissingNames fills in account names for miners without one. It
// is best effort and takes no lock: lookups hit the network, and a
// slow node must not stall accounting.
func (t *Tracker) FetchMissingNames(ctx context.Context, st Store, fetch NameFetcher) {
	ids, err := st.MinerIDs(ctx)
	if err != nil {
		util.Warnf("Name refresh failed to list miners: %v", err)
		return
	}
	for _, id := range ids {
		miner, err := st.Miner(ctx, id)
		if err != nil {
			continue
		}
		name, err := miner.Name(ctx)
		if err != nil || name != "" {
			continue
		}
		fetched, err := fetch(ctx, id)
		if err != nil {
			util.Debugf("Name lookup for account %d failed: %v", id, err)
			continue
		}
		if fetched == "" {
			continue
		}
		if err := miner.SetName(ctx, fetched); err != nil {
			util.Warnf("Failed to store name for miner %d: %v", id, err)
		}
	}
}
