package pool

import (
	"context"
	"time"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

func (c *Controller) processLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processPending settles every block that has fallen far enough behind
// the chain tip. The lag keeps accounting clear of short-lived forks.
func (c *Controller) processPending(ctx context.Context) {
	for {
		c.mu.RLock()
		var chainHeight uint64
		if c.current != nil {
			chainHeight = c.current.height
		}
		c.mu.RUnlock()
		if chainHeight == 0 {
			return
		}

		last, ok, err := c.store.LastProcessedBlock(ctx)
		if err != nil {
			util.Errorf("Failed to read accounting height: %v", err)
			return
		}
		if !ok || chainHeight-1 <= last+c.opts.ProcessLag {
			return
		}

		if err := c.processBlock(ctx, last+1); err != nil {
			util.Errorf("Failed to settle block %d: %v", last+1, err)
			return
		}
	}
}

// processBlock settles one finished round: it checks whether the pool
// forged the block, reprices every miner, distributes the reward by
// the fresh shares and advances the accounting height. Everything
// happens in one transaction so a crash cannot half-settle a round.
func (c *Controller) processBlock(ctx context.Context, height uint64) error {
	tx := c.store.Begin()
	defer tx.Rollback()

	subs, err := tx.BestSubmissions(ctx, height)
	if err != nil {
		return err
	}
	// Nobody submitted for the height, so there is nothing to settle
	// and no reason to bother the node.
	if len(subs) == 0 {
		if err := tx.IncrementLastProcessedBlock(ctx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	block, err := c.node.GetBlock(ctx, height)
	if err != nil {
		return err
	}

	fast, err := c.fastBlocks(ctx, tx)
	if err != nil {
		return err
	}
	if _, err := c.tracker.RecalculateAll(ctx, tx, height, fast); err != nil {
		return err
	}

	var wonBlock *storage.WonBlock
	for _, sub := range subs {
		if sub.MinerID != block.GeneratorID || sub.Nonce != block.Nonce {
			continue
		}
		reward := burst.BurstValue(float64(block.BlockReward)).Add(burst.PlanckValue(block.TotalFeePlanck))
		wonBlock = &storage.WonBlock{
			Height:      height,
			BlockID:     block.BlockID,
			GeneratorID: block.GeneratorID,
			Nonce:       block.Nonce,
			FullReward:  reward,
			Timestamp:   time.Now().Unix(),
		}
		if err := tx.AddWonBlock(ctx, wonBlock); err != nil {
			return err
		}
		if err := c.tracker.DistributeReward(ctx, tx, reward, block.GeneratorID); err != nil {
			return err
		}
		util.Infof("Pool won block %d: %v to miner %d and the pool", height, reward, block.GeneratorID)
		break
	}

	if err := tx.IncrementLastProcessedBlock(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if wonBlock != nil && c.opts.Notifier != nil {
		c.opts.Notifier.BlockWon(wonBlock)
	}
	return nil
}

// fastBlocks collects the heights whose best stored deadline beat the
// minimum round time. A block forged that quickly says nothing about
// who stored what, so capacity estimation skips those heights.
func (c *Controller) fastBlocks(ctx context.Context, tx *storage.RedisTx) (map[uint64]bool, error) {
	ids, err := tx.MinerIDs(ctx)
	if err != nil {
		return nil, err
	}

	lowest := make(map[uint64]uint64)
	for _, id := range ids {
		miner, err := tx.Miner(ctx, id)
		if err != nil {
			return nil, err
		}
		deadlines, err := miner.Deadlines(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range deadlines {
			if best, ok := lowest[d.Height]; !ok || d.Value < best {
				lowest[d.Height] = d.Value
			}
		}
	}

	fast := make(map[uint64]bool)
	for height, best := range lowest {
		if best < uint64(c.opts.TMin) {
			fast[height] = true
		}
	}
	return fast, nil
}
