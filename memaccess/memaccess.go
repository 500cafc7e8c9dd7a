// Package memaccess models the traced process's memory as a capability the
// instruction classifier and edge reconstructor borrow for the lifetime of
// a single decode call. Concrete perf.data/ELF/libxdc-backed readers live
// outside this module; Buffer and MultiRegion below exist to exercise the
// interface in tests and small standalone tools.
package memaccess

import "fmt"

// Reader is the external memory-read capability. Short reads (fewer bytes
// than requested, but more than zero) are permitted when a region ends
// mid-request; a zero-length read with a non-nil error means the address
// is entirely unavailable.
type Reader interface {
	Read(addr uint64, buf []byte) (int, error)
}

// Buffer implements Reader over one contiguous region, e.g. a loaded
// snapshot of a single memory-mapped segment.
type Buffer struct {
	Base uint64
	Data []byte
}

func NewBuffer(base uint64, data []byte) *Buffer {
	return &Buffer{Base: base, Data: data}
}

func (b *Buffer) Contains(addr uint64) bool {
	return addr >= b.Base && addr < b.Base+uint64(len(b.Data))
}

func (b *Buffer) End() uint64 { return b.Base + uint64(len(b.Data)) }

func (b *Buffer) Read(addr uint64, buf []byte) (int, error) {
	if addr < b.Base || addr >= b.End() {
		return 0, fmt.Errorf("memaccess: address 0x%x outside buffer [0x%x, 0x%x)", addr, b.Base, b.End())
	}
	offset := addr - b.Base
	available := uint64(len(b.Data)) - offset
	n := uint64(len(buf))
	if n > available {
		n = available
	}
	copy(buf, b.Data[offset:offset+n])
	return int(n), nil
}

// MultiRegion composes several non-overlapping Buffers into one Reader,
// e.g. modeling a handful of loaded segments from an ELF/page-dump loader.
type MultiRegion struct {
	regions []*Buffer
}

func NewMultiRegion() *MultiRegion { return &MultiRegion{} }

func (m *MultiRegion) AddRegion(b *Buffer) { m.regions = append(m.regions, b) }

func (m *MultiRegion) Read(addr uint64, buf []byte) (int, error) {
	for _, r := range m.regions {
		if r.Contains(addr) {
			return r.Read(addr, buf)
		}
	}
	return 0, fmt.Errorf("memaccess: address 0x%x not covered by any region", addr)
}
