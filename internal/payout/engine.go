// Package payout assembles, signs and broadcasts the pool's multi-out
// payments.
package payout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/rpc"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

// maxRecipients is the multi-out recipient cap imposed by the chain.
const maxRecipients = 64

// ErrPayoutInProgress is returned when a payout run is already active.
var ErrPayoutInProgress = errors.New("payout: run already in progress")

// nodeAPI is the slice of the node used for payments.
type nodeAPI interface {
	CreateMultiOut(ctx context.Context, publicKeyHex string, recipients map[uint64]int64, feePlanck int64, deadline uint64) ([]byte, error)
	BroadcastTransaction(ctx context.Context, signed []byte) (*rpc.BroadcastResult, error)
}

// Notifier is told about broadcast payouts. May be nil.
type Notifier interface {
	PayoutSent(payout *storage.Payout)
}

// Engine collects payable balances and pays them out in multi-out
// transactions.
type Engine struct {
	store *storage.RedisStore
	node  nodeAPI
	keys  burst.Keys

	// feeRecipientID receives the pool's accrued fee take.
	feeRecipientID uint64

	defaultMinimum    burst.Value
	minPayouts        int
	txFee             burst.Value
	txDeadline        uint64
	broadcastAttempts int
	interval          time.Duration

	notifier Notifier

	// inFlight admits one payout run at a time; a second caller gets
	// ErrPayoutInProgress instead of queueing.
	inFlight chan struct{}
}

// Options configures the engine.
type Options struct {
	Keys                 burst.Keys
	FeeRecipientID       uint64
	DefaultMinimumPayout burst.Value
	MinPayouts           int
	TransactionFee       burst.Value
	TransactionDeadline  uint64
	BroadcastAttempts    int
	Interval             time.Duration
	Notifier             Notifier
}

// NewEngine builds a payout engine.
func NewEngine(store *storage.RedisStore, node nodeAPI, opts Options) *Engine {
	attempts := opts.BroadcastAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Engine{
		store:             store,
		node:              node,
		keys:              opts.Keys,
		feeRecipientID:    opts.FeeRecipientID,
		defaultMinimum:    opts.DefaultMinimumPayout,
		minPayouts:        opts.MinPayouts,
		txFee:             opts.TransactionFee,
		txDeadline:        opts.TransactionDeadline,
		broadcastAttempts: attempts,
		interval:          opts.Interval,
		notifier:          opts.Notifier,
		inFlight:          make(chan struct{}, 1),
	}
}

// Run pays out on the configured interval until the context ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.PayOut(ctx); err != nil && err != ErrPayoutInProgress {
				util.Errorf("Payout run failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// payable is one account whose balance crossed its threshold.
type payable struct {
	accountID uint64
	pending   burst.Value
}

// PayOut runs one payout: it collects every account over its threshold
// and, if enough of them accumulated, pays them in one multi-out. The
// transaction fee is split evenly across the payees.
func (e *Engine) PayOut(ctx context.Context) error {
	select {
	case e.inFlight <- struct{}{}:
	default:
		return ErrPayoutInProgress
	}
	defer func() { <-e.inFlight }()

	payables, minerCount, err := e.collectPayables(ctx)
	if err != nil {
		return err
	}

	// A multi-out needs at least two recipients, and small batches are
	// only worth the fee once the whole pool is payable.
	if len(payables) < 2 {
		return nil
	}
	if len(payables) < e.minPayouts && len(payables) != minerCount {
		util.Debugf("Deferring payout: %d payable of %d miners, need %d", len(payables), minerCount, e.minPayouts)
		return nil
	}

	if len(payables) > maxRecipients {
		// Largest balances first; the rest catch the next run.
		sort.Slice(payables, func(i, j int) bool { return payables[i].pending > payables[j].pending })
		payables = payables[:maxRecipients]
	}

	feeShare := e.txFee.DivideInt(int64(len(payables)))
	recipients := make(map[uint64]int64, len(payables))
	records := make([]storage.PayoutRecipient, 0, len(payables))
	included := payables[:0]
	for _, p := range payables {
		amount := p.pending.Sub(feeShare)
		if amount.Planck() <= 0 {
			continue
		}
		recipients[p.accountID] = amount.Planck()
		records = append(records, storage.PayoutRecipient{AccountID: p.accountID, Amount: amount})
		included = append(included, p)
	}
	payables = included
	if len(recipients) < 2 {
		return nil
	}

	pubHex := util.BytesToHex(e.keys.Public)
	unsigned, err := e.node.CreateMultiOut(ctx, pubHex, recipients, e.txFee.Planck(), e.txDeadline)
	if err != nil {
		return fmt.Errorf("failed to create multi-out: %w", err)
	}
	signed, signature, err := e.keys.SignTransaction(unsigned)
	if err != nil {
		return fmt.Errorf("failed to sign multi-out: %w", err)
	}
	txID := burst.TransactionID(unsigned, signature)

	if err := e.broadcast(ctx, signed); err != nil {
		return err
	}
	util.Infof("Paid out %d recipients in transaction %d", len(recipients), txID)

	payout := &storage.Payout{
		TransactionID: txID,
		Fee:           e.txFee,
		Recipients:    records,
		Timestamp:     time.Now().Unix(),
	}
	if err := e.settle(ctx, payables, feeShare, payout); err != nil {
		// The money is on the wire; the books must not silently drift.
		util.Errorf("CRITICAL: payout %d broadcast but settlement failed: %v", txID, err)
		return err
	}

	if e.notifier != nil {
		e.notifier.PayoutSent(payout)
	}
	return nil
}

// collectPayables returns every account whose pending balance crossed
// its payout threshold, plus the total miner count.
func (e *Engine) collectPayables(ctx context.Context) ([]payable, int, error) {
	ids, err := e.store.MinerIDs(ctx)
	if err != nil {
		return nil, 0, err
	}

	payables := make([]payable, 0, len(ids))
	for _, id := range ids {
		miner, err := e.store.Miner(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		pending, err := miner.PendingBalance(ctx)
		if err != nil {
			return nil, 0, err
		}
		minimum, custom, err := miner.MinimumPayout(ctx)
		if err != nil {
			return nil, 0, err
		}
		if !custom {
			minimum = e.defaultMinimum
		}
		if pending.Planck() > 0 && pending >= minimum {
			payables = append(payables, payable{accountID: id, pending: pending})
		}
	}

	// The fee take pays out like any other balance.
	if e.feeRecipientID != 0 {
		feePending, err := e.store.FeeRecipient().PendingBalance(ctx)
		if err != nil {
			return nil, 0, err
		}
		if feePending.Planck() > 0 && feePending >= e.defaultMinimum {
			payables = append(payables, payable{accountID: e.feeRecipientID, pending: feePending})
		}
	}

	return payables, len(ids), nil
}

func (e *Engine) broadcast(ctx context.Context, signed []byte) error {
	var err error
	for attempt := 1; attempt <= e.broadcastAttempts; attempt++ {
		if _, err = e.node.BroadcastTransaction(ctx, signed); err == nil {
			return nil
		}
		util.Warnf("Broadcast attempt %d/%d failed: %v", attempt, e.broadcastAttempts, err)
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("broadcast failed after %d attempts: %w", e.broadcastAttempts, err)
}

// settle deducts the paid amounts atomically. Balances are decreased
// rather than zeroed so rewards distributed during the broadcast
// survive.
func (e *Engine) settle(ctx context.Context, payables []payable, feeShare burst.Value, payout *storage.Payout) error {
	tx := e.store.Begin()
	defer tx.Rollback()

	for _, p := range payables {
		if p.accountID == e.feeRecipientID {
			feeRecipient := tx.FeeRecipient()
			pending, err := feeRecipient.PendingBalance(ctx)
			if err != nil {
				return err
			}
			if err := feeRecipient.SetPendingBalance(ctx, pending.Sub(p.pending)); err != nil {
				return err
			}
			continue
		}
		miner, err := tx.Miner(ctx, p.accountID)
		if err != nil {
			return err
		}
		pending, err := miner.PendingBalance(ctx)
		if err != nil {
			return err
		}
		if err := miner.SetPendingBalance(ctx, pending.Sub(p.pending)); err != nil {
			return err
		}
	}

	if err := tx.AddPayout(ctx, payout); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
