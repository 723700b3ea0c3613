package miners

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/burstmath"
	"github.com/burst-apps-team/burstpool/internal/storage"
)

func setupTracker(t *testing.T) (*storage.RedisStore, *Tracker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := storage.NewRedisStore(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store, NewTracker(360, 1, 0.01, 0.2, burst.BurstValue(100))
}

func TestProcessDeadline(t *testing.T) {
	store, tracker := setupTracker(t)
	ctx := context.Background()

	sub := storage.Submission{Height: 1000, MinerID: 1, Nonce: 5, Deadline: 500}
	if err := tracker.ProcessDeadline(ctx, store, sub, 70312); err != nil {
		t.Fatalf("ProcessDeadline failed: %v", err)
	}

	miner, err := store.Miner(ctx, 1)
	if err != nil {
		t.Fatalf("miner not registered: %v", err)
	}
	d, ok, err := miner.Deadline(ctx, 1000)
	if err != nil || !ok {
		t.Fatalf("deadline not stored: ok=%v err=%v", ok, err)
	}
	if d.Value != 500 || d.BaseTarget != 70312 {
		t.Errorf("stored deadline = %+v", d)
	}

	// A worse resubmission for the same height changes nothing.
	sub.Deadline = 600
	if err := tracker.ProcessDeadline(ctx, store, sub, 70312); err != nil {
		t.Fatalf("ProcessDeadline failed: %v", err)
	}
	d, _, _ = miner.Deadline(ctx, 1000)
	if d.Value != 500 {
		t.Errorf("worse resubmission replaced deadline: %d", d.Value)
	}

	// A strictly better one wins.
	sub.Deadline = 100
	if err := tracker.ProcessDeadline(ctx, store, sub, 70312); err != nil {
		t.Fatalf("ProcessDeadline failed: %v", err)
	}
	d, _, _ = miner.Deadline(ctx, 1000)
	if d.Value != 100 {
		t.Errorf("better resubmission ignored: %d", d.Value)
	}

	// A submission for an older height is stale.
	stale := storage.Submission{Height: 999, MinerID: 1, Nonce: 9, Deadline: 1}
	if err := tracker.ProcessDeadline(ctx, store, stale, 70312); err != nil {
		t.Fatalf("ProcessDeadline failed: %v", err)
	}
	if _, ok, _ := miner.Deadline(ctx, 999); ok {
		t.Error("stale deadline was stored")
	}
}

func TestRecalculateAll(t *testing.T) {
	store, tracker := setupTracker(t)
	ctx := context.Background()

	// Two miners, one twice as fast (half the deadlines) as the other.
	for height := uint64(1000); height < 1010; height++ {
		for minerID, deadline := range map[uint64]uint64{1: 1000, 2: 2000} {
			sub := storage.Submission{Height: height, MinerID: minerID, Nonce: 1, Deadline: deadline}
			if err := tracker.ProcessDeadline(ctx, store, sub, burstmath.GenesisBaseTarget); err != nil {
				t.Fatalf("ProcessDeadline failed: %v", err)
			}
		}
	}

	total, err := tracker.RecalculateAll(ctx, store, 1010, nil)
	if err != nil {
		t.Fatalf("RecalculateAll failed: %v", err)
	}
	if total <= 0 {
		t.Fatalf("total capacity = %f, want > 0", total)
	}

	miner1, _ := store.Miner(ctx, 1)
	miner2, _ := store.Miner(ctx, 2)
	cap1, _ := miner1.EstimatedCapacity(ctx)
	cap2, _ := miner2.EstimatedCapacity(ctx)
	if cap1 <= cap2 {
		t.Errorf("faster miner capacity %f should exceed slower %f", cap1, cap2)
	}

	share1, _ := miner1.Share(ctx)
	share2, _ := miner2.Share(ctx)
	if sum := share1 + share2; sum < 0.999 || sum > 1.001 {
		t.Errorf("shares sum to %f, want 1", sum)
	}
}

func TestRecalculatePrunesOldDeadlines(t *testing.T) {
	store, tracker := setupTracker(t)
	ctx := context.Background()

	sub := storage.Submission{Height: 100, MinerID: 1, Nonce: 1, Deadline: 50}
	if err := tracker.ProcessDeadline(ctx, store, sub, 70312); err != nil {
		t.Fatalf("ProcessDeadline failed: %v", err)
	}

	// Height 100 falls out of the window at height 100+nAvg.
	if _, err := tracker.RecalculateAll(ctx, store, 460, nil); err != nil {
		t.Fatalf("RecalculateAll failed: %v", err)
	}

	miner, _ := store.Miner(ctx, 1)
	if count, _ := miner.DeadlineCount(ctx); count != 0 {
		t.Errorf("deadline count after pruning = %d, want 0", count)
	}
}

func TestRecalculateKeepsEstimateWithoutFreshData(t *testing.T) {
	store, tracker := setupTracker(t)
	ctx := context.Background()

	for height := uint64(1000); height < 1003; height++ {
		sub := storage.Submission{Height: height, MinerID: 1, Nonce: 1, Deadline: 1000}
		if err := tracker.ProcessDeadline(ctx, store, sub, burstmath.GenesisBaseTarget); err != nil {
			t.Fatalf("ProcessDeadline failed: %v", err)
		}
	}

	if _, err := tracker.RecalculateAll(ctx, store, 1003, nil); err != nil {
		t.Fatalf("RecalculateAll failed: %v", err)
	}
	miner, _ := store.Miner(ctx, 1)
	capacity, _ := miner.EstimatedCapacity(ctx)
	if capacity <= 0 {
		t.Fatalf("capacity = %f, want > 0", capacity)
	}

	// When every deadline ages out of the window there is nothing left
	// to estimate from; the last estimate stands.
	total, err := tracker.RecalculateAll(ctx, store, 2000, nil)
	if err != nil {
		t.Fatalf("RecalculateAll failed: %v", err)
	}
	if count, _ := miner.DeadlineCount(ctx); count != 0 {
		t.Errorf("deadline count after pruning = %d, want 0", count)
	}
	if got, _ := miner.EstimatedCapacity(ctx); got != capacity {
		t.Errorf("capacity after empty window = %f, want retained %f", got, capacity)
	}
	if total != capacity {
		t.Errorf("total capacity = %f, want retained %f", total, capacity)
	}
}

func TestRecalculateExcludesFastBlocks(t *testing.T) {
	store, tracker := setupTracker(t)
	ctx := context.Background()

	// Both miners are identical except miner 2 also holds a deadline at
	// a fast height, which must neither count nor be deleted.
	for height := uint64(1000); height < 1003; height++ {
		for _, minerID := range []uint64{1, 2} {
			sub := storage.Submission{Height: height, MinerID: minerID, Nonce: 1, Deadline: 1000}
			if err := tracker.ProcessDeadline(ctx, store, sub, burstmath.GenesisBaseTarget); err != nil {
				t.Fatalf("ProcessDeadline failed: %v", err)
			}
		}
	}
	fastSub := storage.Submission{Height: 1003, MinerID: 2, Nonce: 1, Deadline: 5}
	if err := tracker.ProcessDeadline(ctx, store, fastSub, burstmath.GenesisBaseTarget); err != nil {
		t.Fatalf("ProcessDeadline failed: %v", err)
	}

	if _, err := tracker.RecalculateAll(ctx, store, 1004, map[uint64]bool{1003: true}); err != nil {
		t.Fatalf("RecalculateAll failed: %v", err)
	}

	miner1, _ := store.Miner(ctx, 1)
	miner2, _ := store.Miner(ctx, 2)
	cap1, _ := miner1.EstimatedCapacity(ctx)
	cap2, _ := miner2.EstimatedCapacity(ctx)
	if cap1 != cap2 {
		t.Errorf("capacities = %f vs %f, want equal with the fast height excluded", cap1, cap2)
	}
	if _, ok, _ := miner2.Deadline(ctx, 1003); !ok {
		t.Error("fast height deadline was deleted, want kept until it ages out")
	}
}

func TestDistributeReward(t *testing.T) {
	store, tracker := setupTracker(t)
	ctx := context.Background()

	miner1, _ := store.GetOrCreateMiner(ctx, 1)
	miner2, _ := store.GetOrCreateMiner(ctx, 2)
	miner1.SetShare(ctx, 0.6)
	miner2.SetShare(ctx, 0.4)

	fullReward := burst.BurstValue(1000)
	if err := tracker.DistributeReward(ctx, store, fullReward, 1); err != nil {
		t.Fatalf("DistributeReward failed: %v", err)
	}

	feePending, _ := store.FeeRecipient().PendingBalance(ctx)
	if feePending != burst.BurstValue(10) {
		t.Errorf("pool fee = %v, want 10 BURST", feePending)
	}

	pending1, _ := miner1.PendingBalance(ctx)
	pending2, _ := miner2.PendingBalance(ctx)

	// Winner gets 20% of the post-fee reward on top of its share.
	winnerTake := burst.BurstValue(198)
	if pending1 <= pending2 {
		t.Errorf("winner pending %v should exceed other miner %v", pending1, pending2)
	}
	if pending1 < winnerTake {
		t.Errorf("winner pending %v below winner take %v", pending1, winnerTake)
	}

	// Every planck of the reward lands somewhere.
	total := feePending.Add(pending1).Add(pending2)
	if total != fullReward {
		t.Errorf("distributed %v of %v", total, fullReward)
	}
}

func TestDistributeRewardResidue(t *testing.T) {
	store, tracker := setupTracker(t)
	ctx := context.Background()

	// Thirds force rounding leftovers.
	for id := uint64(1); id <= 3; id++ {
		miner, _ := store.GetOrCreateMiner(ctx, id)
		miner.SetShare(ctx, 1.0/3.0)
	}

	fullReward := burst.PlanckValue(100000000001)
	if err := tracker.DistributeReward(ctx, store, fullReward, 2); err != nil {
		t.Fatalf("DistributeReward failed: %v", err)
	}

	total, _ := store.FeeRecipient().PendingBalance(ctx)
	for id := uint64(1); id <= 3; id++ {
		miner, _ := store.Miner(ctx, id)
		pending, _ := miner.PendingBalance(ctx)
		total = total.Add(pending)
	}
	if total != fullReward {
		t.Errorf("distributed %v of %v", total, fullReward)
	}
}

func TestMinerStats(t *testing.T) {
	store, tracker := setupTracker(t)
	ctx := context.Background()

	miner, _ := store.GetOrCreateMiner(ctx, 12345)
	miner.SetPendingBalance(ctx, burst.BurstValue(42))
	miner.SetName(ctx, "alice")

	stats, err := tracker.MinerStats(ctx, store, 12345)
	if err != nil {
		t.Fatalf("MinerStats failed: %v", err)
	}
	if stats.Name != "alice" {
		t.Errorf("name = %q", stats.Name)
	}
	if stats.PendingBalance != burst.BurstValue(42) {
		t.Errorf("pending = %v", stats.PendingBalance)
	}
	if stats.MinimumPayout != burst.BurstValue(100) {
		t.Errorf("minimum payout = %v, want pool default", stats.MinimumPayout)
	}
	if stats.Address != burst.AddressFromID(12345).RS() {
		t.Errorf("address = %q", stats.Address)
	}

	if _, err := tracker.MinerStats(ctx, store, 999); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown miner error = %v, want ErrNotFound", err)
	}
}

func TestFetchMissingNames(t *testing.T) {
	store, tracker := setupTracker(t)
	ctx := context.Background()

	named, _ := store.GetOrCreateMiner(ctx, 1)
	named.SetName(ctx, "keep-me")
	store.GetOrCreateMiner(ctx, 2)
	store.GetOrCreateMiner(ctx, 3)

	tracker.FetchMissingNames(ctx, store, func(ctx context.Context, accountID uint64) (string, error) {
		if accountID == 3 {
			return "", errors.New("node unreachable")
		}
		return "fetched", nil
	})

	if name, _ := named.Name(ctx); name != "keep-me" {
		t.Errorf("existing name overwritten: %q", name)
	}
	miner2, _ := store.Miner(ctx, 2)
	if name, _ := miner2.Name(ctx); name != "fetched" {
		t.Errorf("miner 2 name = %q, want fetched", name)
	}
	miner3, _ := store.Miner(ctx, 3)
	if name, _ := miner3.Name(ctx); name != "" {
		t.Errorf("miner 3 name = %q, want empty after lookup failure", name)
	}
}
