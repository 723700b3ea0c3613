// Package burstmath implements the proof-of-capacity primitives:
// Shabal-256, nonce plot generation and deadline calculation.
package burstmath

import (
	"encoding/binary"
	"hash"
)

// Shabal-256 digest parameters.
const (
	shabalBlockSize = 64
	shabalSize      = 32
)

var (
	shabalIVA = [12]uint32{
		0x52F84552, 0xE54B7999, 0x2D8EE3EC, 0xB9645191,
		0xE0078B86, 0xBB7C44C9, 0xD2B5C1CA, 0xB0D2EB8C,
		0x14CE5A45, 0x22AF50DC, 0xEFFDBC6B, 0xEB21B74A,
	}
	shabalIVB = [16]uint32{
		0xB555C6EE, 0x3E710596, 0xA72A652F, 0x9301515F,
		0xDA28C1FA, 0x696FD868, 0x9CB6BF72, 0x0AFE4002,
		0xA6E03615, 0x5138C1D4, 0xBE216306, 0xB38B8890,
		0x3EA8B96B, 0x3299ACE4, 0x30924DD4, 0x55CB34A5,
	}
	shabalIVC = [16]uint32{
		0xB405F031, 0xC4233EBA, 0xB3733979, 0xC0DD9D55,
		0xC51C28AE, 0xA327B8E1, 0x56C56167, 0xED614433,
		0x88B59D60, 0x60E2CEBA, 0x758B4B8B, 0x83E82A7F,
		0xBC968828, 0xE6E00BF7, 0xBA839E55, 0x9B491C60,
	}
)

type shabalDigest struct {
	a     [12]uint32
	b     [16]uint32
	c     [16]uint32
	whigh uint32
	wlow  uint32
	buf   [shabalBlockSize]byte
	ptr   int
}

// NewShabal256 returns a streaming Shabal-256 hash.
func NewShabal256() hash.Hash {
	d := &shabalDigest{}
	d.Reset()
	return d
}

// Shabal256 computes the Shabal-256 digest of data in one shot.
func Shabal256(data ...[]byte) [shabalSize]byte {
	d := &shabalDigest{}
	d.Reset()
	for _, chunk := range data {
		d.Write(chunk)
	}
	var out [shabalSize]byte
	d.finish(out[:])
	return out
}

func (d *shabalDigest) Reset() {
	d.a = shabalIVA
	d.b = shabalIVB
	d.c = shabalIVC
	d.wlow = 1
	d.whigh = 0
	d.ptr = 0
}

func (d *shabalDigest) Size() int { return shabalSize }

func (d *shabalDigest) BlockSize() int { return shabalBlockSize }

func (d *shabalDigest) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		free := shabalBlockSize - d.ptr
		if free > len(p) {
			free = len(p)
		}
		copy(d.buf[d.ptr:], p[:free])
		d.ptr += free
		p = p[free:]
		if d.ptr == shabalBlockSize {
			var m [16]uint32
			decodeBlock(&m, d.buf[:])
			d.processBlock(&m)
			d.wlow++
			if d.wlow == 0 {
				d.whigh++
			}
			d.ptr = 0
		}
	}
	return n, nil
}

func (d *shabalDigest) Sum(in []byte) []byte {
	// Work on a copy so the digest can keep absorbing.
	dup := *d
	var out [shabalSize]byte
	dup.finish(out[:])
	return append(in, out[:]...)
}

func (d *shabalDigest) finish(out []byte) {
	d.buf[d.ptr] = 0x80
	for i := d.ptr + 1; i < shabalBlockSize; i++ {
		d.buf[i] = 0
	}

	var m [16]uint32
	decodeBlock(&m, d.buf[:])
	for i := 0; i < 16; i++ {
		d.b[i] += m[i]
	}
	d.a[0] ^= d.wlow
	d.a[1] ^= d.whigh
	d.applyP(&m)
	for i := 0; i < 3; i++ {
		d.b, d.c = d.c, d.b
		d.a[0] ^= d.wlow
		d.a[1] ^= d.whigh
		d.applyP(&m)
	}

	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], d.b[8+i])
	}
}

func decodeBlock(m *[16]uint32, buf []byte) {
	for i := 0; i < 16; i++ {
		m[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
}

func (d *shabalDigest) processBlock(m *[16]uint32) {
	for i := 0; i < 16; i++ {
		d.b[i] += m[i]
	}
	d.a[0] ^= d.wlow
	d.a[1] ^= d.whigh
	d.applyP(m)
	for i := 0; i < 16; i++ {
		d.c[i] -= m[i]
	}
	d.b, d.c = d.c, d.b
}

func (d *shabalDigest) applyP(m *[16]uint32) {
	b := &d.b
	c := &d.c
	a := &d.a

	for i := 0; i < 16; i++ {
		b[i] = b[i]<<17 | b[i]>>15
	}

	for j := 0; j < 3; j++ {
		for i := 0; i < 16; i++ {
			ai := (i + 16*j) % 12
			ap := (ai + 11) % 12
			t := (a[ap]<<15 | a[ap]>>17) * 5
			xa := (a[ai]^t^c[(8-i+16)%16])*3 ^ b[(i+13)%16] ^ (b[(i+9)%16] &^ b[(i+6)%16]) ^ m[i]
			a[ai] = xa
			b[i] = ^(b[i]<<1 | b[i]>>31) ^ xa
		}
	}

	for k := 0; k < 36; k++ {
		a[(11-k%12+12)%12] += c[(6-k%16+16)%16]
	}
}
