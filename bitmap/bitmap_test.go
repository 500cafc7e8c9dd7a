package bitmap

import (
	"testing"

	"iptr/reconstruct"
)

func nonZeroIndices(b *Bitmap) map[int]byte {
	out := make(map[int]byte)
	for i, v := range b.Bytes() {
		if v != 0 {
			out[i] = v
		}
	}
	return out
}

func TestSaturatingIncrement(t *testing.T) {
	b := New(16)
	b.AtDecodeBegin()

	// Resetting the hash chain before every hit keeps (prevHash, addr) -> idx
	// constant across repeats, so the same byte saturates instead of
	// scattering across the map.
	idx := -1
	for i := 0; i < 300; i++ {
		b.OnNewBlock(0x1000, reconstruct.TraceBegin, false)
		if idx < 0 {
			for j, v := range b.Bytes() {
				if v != 0 {
					idx = j
				}
			}
		}
	}
	if idx < 0 {
		t.Fatal("expected a nonzero byte after the first block")
	}
	if got := b.Bytes()[idx]; got != 0xFF {
		t.Fatalf("expected the repeatedly-hit byte to saturate at 0xFF, got %d", got)
	}
}

func TestBitmapResetsHashChainOnTraceBegin(t *testing.T) {
	b := New(1024)
	b.AtDecodeBegin()
	b.OnNewBlock(0x1000, reconstruct.TraceBegin, false)

	// After a reset, the second block lands at cur ^ (0 >> 1), i.e. its own
	// hash; a continued chain would mix in the first block's hash instead.
	b.OnNewBlock(0x2000, reconstruct.TraceBegin, false)
	resetIdx := hashAddr(0x2000) & uint64(len(b.Bytes())-1)
	if b.Bytes()[resetIdx] == 0 {
		t.Fatal("TraceBegin should reset the hash chain, not continue it")
	}
}

func TestBitmapCollisionResistance(t *testing.T) {
	const edges = 64
	const size = 4 * edges // power of two assumed by construction below
	b := New(nextPow2(size))
	b.AtDecodeBegin()

	for i := 0; i < edges; i++ {
		b.OnNewBlock(0x1000, reconstruct.TraceBegin, false) // reset chain each time
		b.OnNewBlock(uint64(i)*0x10, reconstruct.UncondDirect, false)
	}

	nz := nonZeroIndices(b)
	if len(nz) < edges/2 {
		t.Fatalf("expected most of %d edges to land on distinct indices, got %d distinct", edges, len(nz))
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func TestNewPanicsOnNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected New to panic for a non-power-of-two size")
		}
	}()
	New(100)
}
