package lsm

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
	"github.com/willf/bitset"
)

const minBloomBits = 64

// BloomFilter answers "definitely absent" or "maybe present". Hash i is
// murmur3 seeded with i.
type BloomFilter struct {
	bits *bitset.BitSet
	m    uint32
	k    uint32
}

func NewBloomFilter(m uint32, k int) *BloomFilter {
	if m < minBloomBits {
		m = minBloomBits
	}
	if k < 1 {
		k = 1
	}
	return &BloomFilter{
		bits: bitset.New(uint(m)),
		m:    m,
		k:    uint32(k),
	}
}

// NewBloomFilterFor sizes a filter for n keys.
func NewBloomFilterFor(n, bitsPerKey, k int) *BloomFilter {
	return NewBloomFilter(uint32(n*bitsPerKey), k)
}

func (bf *BloomFilter) pos(i uint32, key []byte) uint {
	return uint(murmur3.Sum32WithSeed(key, i) % bf.m)
}

func (bf *BloomFilter) Add(key []byte) {
	for i := uint32(0); i < bf.k; i++ {
		bf.bits.Set(bf.pos(i, key))
	}
}

func (bf *BloomFilter) MightContain(key []byte) bool {
	for i := uint32(0); i < bf.k; i++ {
		if !bf.bits.Test(bf.pos(i, key)) {
			return false
		}
	}
	return true
}

// MarshalBinary encodes m u32 | k u32 | bitset.
func (bf *BloomFilter) MarshalBinary() ([]byte, error) {
	raw, err := bf.bits.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode bloom bits")
	}
	out := make([]byte, 8, 8+len(raw))
	binary.LittleEndian.PutUint32(out[0:4], bf.m)
	binary.LittleEndian.PutUint32(out[4:8], bf.k)
	return append(out, raw...), nil
}

func (bf *BloomFilter) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return errors.Wrap(ErrCorruption, "bloom section too short")
	}
	m := binary.LittleEndian.Uint32(data[0:4])
	k := binary.LittleEndian.Uint32(data[4:8])
	if m == 0 || k == 0 {
		return errors.Wrap(ErrCorruption, "bloom parameters are zero")
	}
	// bitset encodes a big-endian u64 length, then the words. Check the size
	// before decoding so a corrupt length cannot force a huge allocation.
	raw := data[8:]
	if len(raw) < 8 {
		return errors.Wrap(ErrCorruption, "bloom bits truncated")
	}
	nbits := binary.BigEndian.Uint64(raw[0:8])
	if (nbits+63)/64 != uint64(len(raw)-8)/8 || (len(raw)-8)%8 != 0 {
		return errors.Wrap(ErrCorruption, "bloom bits length mismatch")
	}
	bits := &bitset.BitSet{}
	if err := bits.UnmarshalBinary(raw); err != nil {
		return errors.Wrapf(ErrCorruption, "bloom bits: %v", err)
	}
	if bits.Len() < uint(m) {
		return errors.Wrap(ErrCorruption, "bloom bits shorter than m")
	}
	bf.bits, bf.m, bf.k = bits, m, k
	return nil
}
