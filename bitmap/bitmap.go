// Package bitmap implements an AFL++-compatible coverage bitmap as a
// reconstruct.Handler, the "optional high-throughput path" of the engine.
package bitmap

import (
	"hash/fnv"

	"iptr/reconstruct"
)

// ExcludeFunc optionally drops blocks inside address ranges the caller
// doesn't want counted (e.g. instrumentation shims).
type ExcludeFunc func(addr uint64) bool

// Bitmap is a fixed-size, power-of-two-sized saturating coverage map.
type Bitmap struct {
	data         []byte
	previousHash uint64
	exclude      ExcludeFunc
}

// New creates a Bitmap of the given size, which must be a power of two.
func New(size int) *Bitmap {
	if size <= 0 || size&(size-1) != 0 {
		panic("bitmap: size must be a positive power of two")
	}
	return &Bitmap{data: make([]byte, size)}
}

// SetExclude installs an exclusion predicate; pass nil to clear it.
func (b *Bitmap) SetExclude(f ExcludeFunc) { b.exclude = f }

// Bytes returns the underlying coverage bytes.
func (b *Bitmap) Bytes() []byte { return b.data }

func (b *Bitmap) AtDecodeBegin() error {
	b.previousHash = 0
	return nil
}

func (b *Bitmap) OnNewBlock(addr uint64, kind reconstruct.TransitionKind, cache bool) error {
	if kind == reconstruct.TraceBegin {
		b.previousHash = 0
	}
	if b.exclude != nil && b.exclude(addr) {
		return nil
	}

	cur := hashAddr(addr)
	size := uint64(len(b.data))
	idx := (cur ^ (b.previousHash >> 1)) & (size - 1)
	if b.data[idx] < 0xFF {
		b.data[idx]++
	}
	b.previousHash = cur
	return nil
}

func hashAddr(addr uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(addr >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}

var _ reconstruct.Handler = (*Bitmap)(nil)
