package miners

import (
	"errors"
	"math"
	"math/big"
	"sort"

	"github.com/burst-apps-team/burstpool/internal/burstmath"
	"github.com/burst-apps-team/burstpool/internal/storage"
)

// ErrCannotEstimate is returned when a miner's deadlines carry too
// little information for a capacity estimate. Callers keep the
// previous estimate.
var ErrCannotEstimate = errors.New("miners: not enough data to estimate capacity")

// Maths holds the precomputed correction factors used by capacity
// estimation. A miner with only a few confirmed deadlines looks
// systematically larger than it is; alpha(n) compensates for that
// bias until a full averaging window of deadlines has accumulated.
type Maths struct {
	nAvg   int
	alphas []float64
}

// NewMaths precomputes alphas for an averaging window of nAvg blocks.
// Below nMin stored deadlines alpha is zero, so a miner earns no
// capacity until it has submitted for nMin rounds.
func NewMaths(nAvg, nMin int) *Maths {
	alphas := make([]float64, nAvg)
	n := float64(nAvg)
	start := nMin - 1
	if start < 0 {
		start = 0
	}
	for i := start; i < nAvg-1; i++ {
		c := float64(i + 1)
		alpha := 1 - (n-c)/c*math.Log(n/(n-c))
		if alpha < 0 {
			alpha = 0
		}
		alphas[i] = alpha
	}
	alphas[nAvg-1] = 1
	return &Maths{nAvg: nAvg, alphas: alphas}
}

// Alpha returns the correction factor for a miner with nConf confirmed
// deadlines.
func (m *Maths) Alpha(nConf int) float64 {
	if nConf <= 0 {
		return 0
	}
	if nConf > m.nAvg {
		nConf = m.nAvg
	}
	return m.alphas[nConf-1]
}

// EstimatedEffectivePlotSize estimates a miner's plot size in TiB from
// the sum of its hits. originalNConf counts every stored deadline,
// nConf only those that survived outlier filtering. When the deadlines
// cannot support an estimate it returns ErrCannotEstimate and the
// caller must leave the previous estimate in place.
func (m *Maths) EstimatedEffectivePlotSize(originalNConf, nConf int, hitSum *big.Int) (float64, error) {
	if nConf < 2 || hitSum.Sign() <= 0 {
		return 0, ErrCannotEstimate
	}
	scaled, _ := new(big.Float).Quo(
		new(big.Float).SetInt(hitSum),
		new(big.Float).SetUint64(burstmath.GenesisBaseTarget),
	).Float64()
	if scaled <= 0 {
		return 0, ErrCannotEstimate
	}
	size := m.Alpha(originalNConf) * 240 * float64(nConf-1) / scaled
	if math.IsNaN(size) || math.IsInf(size, 0) {
		return 0, ErrCannotEstimate
	}
	return size, nil
}

// CalculateOutliers flags deadlines far beyond a miner's typical
// performance so that a single unlucky block cannot wreck its capacity
// estimate. The deadlines are ranked by hit, the quartiles taken from
// the raw deadline seconds of the lower and upper halves, and anything
// past a very wide Tukey fence is flagged. Fewer than two deadlines
// never contain an outlier.
func CalculateOutliers(deadlines []storage.Deadline) map[uint64]bool {
	outliers := make(map[uint64]bool)
	if len(deadlines) < 2 {
		return outliers
	}

	byHit := append([]storage.Deadline(nil), deadlines...)
	sort.Slice(byHit, func(i, j int) bool { return byHit[i].Hit().Cmp(byHit[j].Hit()) < 0 })

	q1 := median(rawValues(byHit[:len(byHit)/2]))
	q3 := median(rawValues(byHit[(len(byHit)+1)/2:]))
	fence := q3 + 100*(q3-q1)

	for _, d := range deadlines {
		if float64(d.Value) > fence {
			outliers[d.Height] = true
		}
	}
	return outliers
}

func rawValues(deadlines []storage.Deadline) []float64 {
	values := make([]float64, len(deadlines))
	for i, d := range deadlines {
		values[i] = float64(d.Value)
	}
	sort.Float64s(values)
	return values
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
