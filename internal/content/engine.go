// Package content reproduces the bytes of a large deterministic test object on
// demand. Any byte range can be regenerated from the seed alone, so writers and
// verifiers never need the full object in memory or on disk.
package content

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2b"
)

const (
	// ChunkSize partitions the logical object into independently addressable chunks.
	ChunkSize int64 = 1024 * 1024

	// SeedSize is the width of a content seed in bytes.
	SeedSize = sha256.Size

	// blockSize is the output width of one keyed expansion step.
	blockSize = blake2b.Size
)

// Seed keys the content of one test object.
type Seed [SeedSize]byte

// NewSeed derives the seed of a test run from its label and identifier. Both
// sides of a transfer derive the same seed without exchanging it.
func NewSeed(label, testID string) Seed {
	return sha256.Sum256([]byte(label + "-e2e:" + testID))
}

// NewBareSeed derives a seed from the test identifier alone. Objects written
// by the s3-to-sftp script use it.
func NewBareSeed(testID string) Seed {
	return sha256.Sum256([]byte(testID))
}

// Digest returns the hex SHA-256 of the seed. It is safe to publish in object
// metadata; the seed itself is never written anywhere.
func (s Seed) Digest() string {
	sum := sha256.Sum256(s[:])
	return hex.EncodeToString(sum[:])
}

// BoundsError reports a range request outside [0, size).
type BoundsError struct {
	Offset int64
	Length int64
	Size   int64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("range out of bounds: offset=%d length=%d size=%d", e.Offset, e.Length, e.Size)
}

func checkBounds(offset, length, totalSize int64) error {
	if offset < 0 || length < 0 || offset > totalSize || length > totalSize-offset {
		return &BoundsError{Offset: offset, Length: length, Size: totalSize}
	}
	return nil
}

// Range returns the bytes [offset, offset+length) of the object keyed by seed.
// It is a pure function of its arguments.
func Range(seed Seed, offset, length, totalSize int64) ([]byte, error) {
	if err := checkBounds(offset, length, totalSize); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	fill(seed, out, offset)
	return out, nil
}

// Fill writes the bytes starting at offset into dst. It fails with a
// *BoundsError if dst would extend past totalSize.
func Fill(seed Seed, dst []byte, offset, totalSize int64) error {
	if err := checkBounds(offset, int64(len(dst)), totalSize); err != nil {
		return err
	}
	fill(seed, dst, offset)
	return nil
}

// fill assumes bounds were checked. Chunk i is the concatenation of
// BLAKE2b-512(seed || be64(i) || be64(counter)) for counter 0,1,2,...
// truncated to the chunk length, so only the blocks overlapping dst are hashed.
func fill(seed Seed, dst []byte, offset int64) {
	var in [SeedSize + 16]byte
	copy(in[:SeedSize], seed[:])

	pos := offset
	for n := 0; n < len(dst); {
		chunk := pos / ChunkSize
		within := pos % ChunkSize
		counter := within / blockSize
		skip := within % blockSize

		binary.BigEndian.PutUint64(in[SeedSize:], uint64(chunk))
		binary.BigEndian.PutUint64(in[SeedSize+8:], uint64(counter))
		block := blake2b.Sum512(in[:])

		// never cross into the next chunk from inside a block
		take := int64(blockSize) - skip
		if left := ChunkSize - within; take > left {
			take = left
		}
		c := copy(dst[n:], block[skip:skip+take])
		n += c
		pos += int64(c)
	}
}

// Chunk returns the full content of chunk index, computed by plain keyed
// expansion. The last chunk of an object may be shorter than ChunkSize.
func Chunk(seed Seed, index, totalSize int64) ([]byte, error) {
	if index < 0 || totalSize <= 0 || index > (totalSize-1)/ChunkSize {
		start := int64(math.MaxInt64)
		if index >= 0 && index <= math.MaxInt64/ChunkSize {
			start = index * ChunkSize
		} else if index < 0 {
			start = -1
		}
		return nil, &BoundsError{Offset: start, Length: ChunkSize, Size: totalSize}
	}
	start := index * ChunkSize
	length := min(ChunkSize, totalSize-start)

	out := make([]byte, 0, length+blockSize)
	var counter [8]byte
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))
	for ctr := uint64(0); int64(len(out)) < length; ctr++ {
		binary.BigEndian.PutUint64(counter[:], ctr)
		h, _ := blake2b.New512(nil)
		h.Write(seed[:])
		h.Write(idx[:])
		h.Write(counter[:])
		out = h.Sum(out)
	}
	return out[:length], nil
}
