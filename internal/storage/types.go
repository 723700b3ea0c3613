// Package storage provides data persistence for the Burst pool.
package storage

import (
	"math/big"

	"github.com/burst-apps-team/burstpool/internal/burst"
)

// Deadline is one confirmed submission of a miner, kept for capacity
// estimation.
type Deadline struct {
	Height     uint64 `json:"height"`
	BaseTarget uint64 `json:"baseTarget"`
	// Value is the deadline in seconds.
	Value uint64 `json:"deadline"`
	// Outlier marks deadlines excluded from capacity estimation.
	Outlier bool `json:"outlier,omitempty"`
}

// Hit recovers the hit value the deadline was derived from. Deadlines
// near the maximum overflow 64 bits when multiplied by the base
// target, so the product is a big integer.
func (d Deadline) Hit() *big.Int {
	hit := new(big.Int).SetUint64(d.Value)
	return hit.Mul(hit, new(big.Int).SetUint64(d.BaseTarget))
}

// Submission is the best nonce a miner handed in for one block.
type Submission struct {
	Height   uint64 `json:"height"`
	MinerID  uint64 `json:"minerId"`
	Nonce    uint64 `json:"nonce"`
	Deadline uint64 `json:"deadline"`
}

// WonBlock records a block this pool won.
type WonBlock struct {
	Height      uint64      `json:"height"`
	BlockID     uint64      `json:"blockId"`
	GeneratorID uint64      `json:"generatorId"`
	Nonce       uint64      `json:"nonce"`
	FullReward  burst.Value `json:"fullReward"`
	Timestamp   int64       `json:"timestamp"`
}

// PayoutRecipient is one payee inside a multi-out payout.
type PayoutRecipient struct {
	AccountID uint64      `json:"accountId"`
	Amount    burst.Value `json:"amount"`
}

// Payout records a broadcast multi-out payment.
type Payout struct {
	TransactionID uint64            `json:"transactionId"`
	Fee           burst.Value       `json:"fee"`
	Recipients    []PayoutRecipient `json:"recipients"`
	Timestamp     int64             `json:"timestamp"`
}
