package ext4

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// bitmap wraps a single on-disk block or inode bitmap block. The backing
// bytes and the bitset.BitSet share the same storage: bitset.From takes
// ownership of the []uint64 word slice by reference, so Set/Clear calls on
// the BitSet mutate the words in place, and toBytes just serializes those
// words back out. Bit i lives in word i/64, bit i%64 (LSB first), which is
// exactly how ext4 lays out its free-block/free-inode bitmaps on disk, so
// no bit-reversal or byte-swapping is needed going in either direction.
type bitmap struct {
	words []uint64
	bits  *bitset.BitSet
	nbits uint
}

// bitmapFromBytes builds a bitmap over exactly nbits significant bits,
// backed by b (which must be a whole number of 8-byte words, i.e. one
// filesystem block).
func bitmapFromBytes(b []byte, nbits uint) (*bitmap, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("ext4: bitmap block length %d is not a multiple of 8", len(b))
	}
	words := make([]uint64, len(b)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return &bitmap{
		words: words,
		bits:  bitset.From(words),
		nbits: nbits,
	}, nil
}

// newClearBitmap builds an all-zero bitmap of the given block size, with
// nbits significant bits (the remainder, if blockSize*8 > nbits, is padding,
// left clear here).
func newClearBitmap(blockSize int64, nbits uint) *bitmap {
	words := make([]uint64, blockSize/8)
	return &bitmap{
		words: words,
		bits:  bitset.From(words),
		nbits: nbits,
	}
}

// toBytes serializes the bitmap's words back to their on-disk
// little-endian byte representation.
func (bm *bitmap) toBytes() []byte {
	b := make([]byte, len(bm.words)*8)
	for i, w := range bm.words {
		binary.LittleEndian.PutUint64(b[i*8:i*8+8], w)
	}
	return b
}

func (bm *bitmap) test(i uint) bool { return bm.bits.Test(i) }

func (bm *bitmap) set(i uint) { bm.bits.Set(i) }

func (bm *bitmap) clear(i uint) { bm.bits.Clear(i) }

// nextClear returns the index of the first clear bit at or after i, within
// [0, nbits). ok is false if none is found. Scans a word at a time and uses
// TrailingZeros64 to land directly on the clear bit instead of testing one
// bit at a time.
func (bm *bitmap) nextClear(i uint) (next uint, ok bool) {
	if i >= bm.nbits {
		return 0, false
	}
	wordIdx := i / 64
	bitIdx := i % 64
	w := ^bm.words[wordIdx] &^ ((uint64(1) << bitIdx) - 1)
	for {
		if w != 0 {
			pos := wordIdx*64 + uint(bits.TrailingZeros64(w))
			if pos >= bm.nbits {
				return 0, false
			}
			return pos, true
		}
		wordIdx++
		if wordIdx >= uint(len(bm.words)) {
			return 0, false
		}
		w = ^bm.words[wordIdx]
	}
}

// countClear returns the number of clear bits in [0, nbits).
func (bm *bitmap) countClear() uint64 {
	var n uint64
	for i := uint(0); i < bm.nbits; i++ {
		if !bm.bits.Test(i) {
			n++
		}
	}
	return n
}
