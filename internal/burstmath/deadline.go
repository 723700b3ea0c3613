package burstmath

import "encoding/binary"

// GenesisBaseTarget is the base target of the genesis block. It anchors
// the capacity estimate: one deadline second at genesis base target
// corresponds to one nonce of plotted data.
const GenesisBaseTarget = 18325193796

// CalculateScoop derives the scoop index for a block from its
// generation signature and height.
func CalculateScoop(genSig []byte, height uint64) uint32 {
	var heightBytes [8]byte
	binary.BigEndian.PutUint64(heightBytes[:], height)
	hash := Shabal256(genSig, heightBytes[:])
	return uint32(binary.BigEndian.Uint16(hash[30:32])) % ScoopsPerPlot
}

// CalculateHit computes the hit value of a nonce for a block: the plot
// is regenerated, the block's scoop drawn, and the first eight bytes of
// shabal256(genSig || scoop) read little-endian.
func CalculateHit(accountID, nonce uint64, genSig []byte, scoop uint32, version PocVersion) uint64 {
	plot := GeneratePlot(accountID, nonce, version)
	hash := Shabal256(genSig, plot.Scoop(scoop))
	return binary.LittleEndian.Uint64(hash[:8])
}

// CalculateDeadline computes the deadline in seconds of a nonce for a
// block with the given base target.
func CalculateDeadline(accountID, nonce uint64, genSig []byte, scoop uint32, baseTarget uint64, version PocVersion) uint64 {
	hit := CalculateHit(accountID, nonce, genSig, scoop, version)
	return hit / baseTarget
}
