package persistence

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

const maxBloomHashes = 30

// bloomFilter uses double hashing over a single 64-bit xxhash of the key.
type bloomFilter struct {
	bits   []uint64
	hashes uint32
}

func keyHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func newBloomFilter(expected int, fpRate float64) *bloomFilter {
	if expected < 1 {
		expected = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -n*ln(p) / ln(2)^2, k = m/n * ln(2)
	m := math.Ceil(-float64(expected) * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	k := math.Round(m / float64(expected) * math.Ln2)
	k = max(1, min(k, maxBloomHashes))

	words := (uint64(m) + 63) / 64
	return &bloomFilter{
		bits:   make([]uint64, max(words, 1)),
		hashes: uint32(k),
	}
}

func (bf *bloomFilter) size() uint64 {
	return uint64(len(bf.bits)) * 64
}

func (bf *bloomFilter) add(h uint64) {
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < bf.hashes; i++ {
		pos := uint64(h1+i*h2) % bf.size()
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
}

func (bf *bloomFilter) mayContain(h uint64) bool {
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < bf.hashes; i++ {
		pos := uint64(h1+i*h2) % bf.size()
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// marshal layout: u32 hashes | u32 words | words...
func (bf *bloomFilter) marshal(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, bf.hashes)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(bf.bits)))
	for _, w := range bf.bits {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

func unmarshalBloomFilter(p []byte) (*bloomFilter, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("bloom filter header too short: %d bytes", len(p))
	}
	hashes := binary.LittleEndian.Uint32(p)
	words := binary.LittleEndian.Uint32(p[4:])
	p = p[8:]
	if hashes == 0 || hashes > maxBloomHashes || words == 0 || uint64(len(p)) != uint64(words)*8 {
		return nil, fmt.Errorf("malformed bloom filter: %d hashes, %d words, %d bytes", hashes, words, len(p))
	}

	bf := &bloomFilter{bits: make([]uint64, words), hashes: hashes}
	for i := range bf.bits {
		bf.bits[i] = binary.LittleEndian.Uint64(p[i*8:])
	}
	return bf, nil
}
