package lsm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	bf := NewBloomFilterFor(1000, 10, 5)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, bf.MightContain([]byte(fmt.Sprintf("key-%d", i))), "key-%d", i)
	}

	fp := 0
	for i := 0; i < 10000; i++ {
		if bf.MightContain([]byte(fmt.Sprintf("absent-%d", i))) {
			fp++
		}
	}
	// 10 bits per key with 5 hashes is about 1%.
	assert.Less(t, fp, 500)
}

func TestBloomFilter_MinimumSize(t *testing.T) {
	bf := NewBloomFilter(0, 0)
	bf.Add([]byte("a"))
	assert.True(t, bf.MightContain([]byte("a")))
	assert.Equal(t, uint32(minBloomBits), bf.m)
	assert.Equal(t, uint32(1), bf.k)
}

func TestBloomFilter_MarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilterFor(100, 10, 3)
	for i := 0; i < 100; i++ {
		bf.Add([]byte(fmt.Sprintf("k%d", i)))
	}
	data, err := bf.MarshalBinary()
	require.NoError(t, err)

	got := &BloomFilter{}
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, bf.m, got.m)
	assert.Equal(t, bf.k, got.k)
	for i := 0; i < 100; i++ {
		assert.True(t, got.MightContain([]byte(fmt.Sprintf("k%d", i))))
	}
}

func TestBloomFilter_UnmarshalCorrupt(t *testing.T) {
	good, err := NewBloomFilter(128, 2).MarshalBinary()
	require.NoError(t, err)

	zeroK := append([]byte(nil), good...)
	zeroK[4], zeroK[5], zeroK[6], zeroK[7] = 0, 0, 0, 0

	bigM := append([]byte(nil), good...)
	bigM[0], bigM[1], bigM[2], bigM[3] = 0xff, 0xff, 0xff, 0x00

	tests := map[string][]byte{
		"short":          {1, 2, 3},
		"zero hashes":    zeroK,
		"truncated bits": good[:10],
		"m beyond bits":  bigM,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			err := (&BloomFilter{}).UnmarshalBinary(data)
			assert.ErrorIs(t, err, ErrCorruption)
		})
	}
}
