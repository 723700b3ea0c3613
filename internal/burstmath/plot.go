package burstmath

import "encoding/binary"

// Plot layout constants.
const (
	HashSize       = 32
	HashesPerScoop = 2
	ScoopSize      = HashesPerScoop * HashSize
	ScoopsPerPlot  = 4096
	PlotSize       = ScoopsPerPlot * ScoopSize

	// Each hash in the chain digests at most this many bytes of the
	// material generated so far.
	hashCap = 4096

	plotSeedSize = 16
)

// PocVersion selects the plot layout.
type PocVersion int

const (
	// Poc1 is the original layout.
	Poc1 PocVersion = 1
	// Poc2 shuffles the second hash of each scoop to defeat
	// time-memory trade-off optimized plots.
	Poc2 PocVersion = 2
)

// Plot is the fully generated nonce data for one (account, nonce) pair.
type Plot struct {
	data [PlotSize]byte
}

// GeneratePlot computes the plot for the given account and nonce.
func GeneratePlot(accountID, nonce uint64, version PocVersion) *Plot {
	var gendata [PlotSize + plotSeedSize]byte
	binary.BigEndian.PutUint64(gendata[PlotSize:], accountID)
	binary.BigEndian.PutUint64(gendata[PlotSize+8:], nonce)

	for i := PlotSize; i > 0; i -= HashSize {
		length := PlotSize + plotSeedSize - i
		if length > hashCap {
			length = hashCap
		}
		hash := Shabal256(gendata[i : i+length])
		copy(gendata[i-HashSize:i], hash[:])
	}

	final := Shabal256(gendata[:])

	p := &Plot{}
	for i := 0; i < PlotSize; i++ {
		p.data[i] = gendata[i] ^ final[i%HashSize]
	}

	if version == Poc2 {
		var shuffled [PlotSize]byte
		copy(shuffled[:], p.data[:])
		for s := 0; s < ScoopsPerPlot; s++ {
			src := (ScoopsPerPlot-s-1)*ScoopSize + HashSize
			dst := s*ScoopSize + HashSize
			copy(shuffled[dst:dst+HashSize], p.data[src:src+HashSize])
		}
		p.data = shuffled
	}

	return p
}

// Scoop returns the 64-byte scoop at the given index.
func (p *Plot) Scoop(index uint32) []byte {
	offset := int(index) * ScoopSize
	return p.data[offset : offset+ScoopSize]
}
