package reconstruct

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"iptr/memaccess"
	"iptr/pterr"
	"iptr/ptpacket"
)

type block struct {
	Addr  uint64
	Kind  TransitionKind
	Cache bool
}

type recordHandler struct {
	blocks []block
}

func (h *recordHandler) AtDecodeBegin() error { return nil }

func (h *recordHandler) OnNewBlock(addr uint64, kind TransitionKind, cache bool) error {
	h.blocks = append(h.blocks, block{addr, kind, cache})
	return nil
}

// mustMem builds a memaccess.Buffer big enough to cover every address used
// by the fixtures below, pre-filled with NOP (0x90) and patched at the
// given offsets.
func mustMem(t *testing.T, base uint64, size int, patches map[uint64][]byte) *memaccess.Buffer {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = 0x90 // NOP
	}
	for addr, bytes := range patches {
		copy(data[addr-base:], bytes)
	}
	return memaccess.NewBuffer(base, data)
}

func feed(t *testing.T, r *Reconstructor, pkts []ptpacket.Packet) {
	t.Helper()
	if err := r.AtDecodeBegin(); err != nil {
		t.Fatalf("AtDecodeBegin: %v", err)
	}
	for _, p := range pkts {
		if err := r.OnPacket(p); err != nil {
			t.Fatalf("OnPacket(%v): %v", p, err)
		}
	}
}

// TestThreeConditionalBranches exercises scenario 1: a sequence of three
// conditional jumps (taken, taken, not-taken) driven by one short TNT
// packet, after a TIP.PGE establishes the trace-begin block.
func TestThreeConditionalBranches(t *testing.T) {
	// JZ rel8 at 0x1000 -> taken target 0x1010 (disp = 0x1010-0x1002 = 0x0E)
	// JZ rel8 at 0x1010 -> taken target 0x1020 (disp = 0x1020-0x1012 = 0x0E)
	// JZ rel8 at 0x1020 -> not taken, falls through to 0x1022
	mem := mustMem(t, 0x1000, 0x100, map[uint64][]byte{
		0x1000: {0x74, 0x0E},
		0x1010: {0x74, 0x0E},
		0x1020: {0x74, 0x00},
		0x1022: {0xC3}, // ret: halts the walk (awaits a TIP that never arrives)
	})
	h := &recordHandler{}
	r := New(mem, h)

	pkts := []ptpacket.Packet{
		{Kind: ptpacket.KindTIPPGE, IP: 0x1000, IPUpdated: true},
		{Kind: ptpacket.KindShortTNT, TNTBits: []bool{true, true, false}},
	}
	feed(t, r, pkts)

	want := []block{
		{0x1000, TraceBegin, false},
		{0x1010, CondTaken, false},
		{0x1020, CondTaken, false},
		{0x1022, CondNotTaken, false},
	}
	if diff := cmp.Diff(want, h.blocks); diff != "" {
		t.Errorf("unexpected block sequence (-want +got):\n%s", diff)
	}
}

// TestIndirectCallAwaitsTIP exercises scenario 2: an indirect call resolved
// by the following TIP packet.
func TestIndirectCallAwaitsTIP(t *testing.T) {
	mem := mustMem(t, 0x2000, 0x1100, map[uint64][]byte{
		0x2000: {0xFF, 0xD0}, // call *rax
		0x3000: {0xC3},       // ret: halts the walk at the call target
	})
	h := &recordHandler{}
	r := New(mem, h)

	pkts := []ptpacket.Packet{
		{Kind: ptpacket.KindTIPPGE, IP: 0x2000, IPUpdated: true},
		{Kind: ptpacket.KindTIP, IP: 0x3000, IPUpdated: true},
	}
	feed(t, r, pkts)

	want := []block{
		{0x2000, TraceBegin, false},
		{0x3000, IndirectCall, false},
	}
	if diff := cmp.Diff(want, h.blocks); diff != "" {
		t.Errorf("unexpected block sequence (-want +got):\n%s", diff)
	}
	if r.State() != AwaitingTIP {
		t.Fatalf("expected the ret at the call target to await its own TIP, got %v", r.State())
	}
}

// TestOVFStopsEmissionUntilNextSync exercises scenario 3: after an OVF, no
// further blocks are emitted until the next TIP.PGE.
func TestOVFStopsEmissionUntilNextSync(t *testing.T) {
	mem := mustMem(t, 0x2000, 0x3000, map[uint64][]byte{
		0x2000: {0xEB, 0x0E}, // jmp rel8 -> 0x2010
		0x2010: {0xC3},       // ret: halts the walk at the jump target
		0x4000: {0xC3},       // ret: halts the walk after the post-OVF resync
	})
	h := &recordHandler{}
	r := New(mem, h)

	pkts := []ptpacket.Packet{
		{Kind: ptpacket.KindTIPPGE, IP: 0x2000, IPUpdated: true},
		{Kind: ptpacket.KindOVF},
		{Kind: ptpacket.KindTIPPGE, IP: 0x4000, IPUpdated: true},
	}
	feed(t, r, pkts)

	want := []block{
		{0x2000, TraceBegin, false},
		{0x2010, UncondDirect, false},
		{0x4000, TraceBegin, false},
	}
	if diff := cmp.Diff(want, h.blocks); diff != "" {
		t.Errorf("unexpected block sequence (-want +got):\n%s", diff)
	}
}

// TestDesyncedTIPIsFatal checks that a TIP arriving while the reconstructor
// isn't awaiting one is reported as a desync rather than silently ignored.
func TestDesyncedTIPIsFatal(t *testing.T) {
	mem := mustMem(t, 0x1000, 0x10, nil)
	h := &recordHandler{}
	r := New(mem, h)

	if err := r.AtDecodeBegin(); err != nil {
		t.Fatalf("AtDecodeBegin: %v", err)
	}
	err := r.OnPacket(ptpacket.Packet{Kind: ptpacket.KindTIP, IP: 0x1234, IPUpdated: true})
	if err == nil {
		t.Fatal("expected an error for an unexpected TIP")
	}
}

// TestPSBWhileAwaitingTIPIsFatal checks that a PSB arriving while a block
// is still waiting on a TIP for a prior indirect branch is reported as a
// semantic mismatch rather than silently resynced, distinct from the
// Walking-state PSB-mid-walk abort which stays silent.
func TestPSBWhileAwaitingTIPIsFatal(t *testing.T) {
	mem := mustMem(t, 0x2000, 0x100, map[uint64][]byte{
		0x2000: {0xFF, 0xD0}, // call *rax: leaves the reconstructor AwaitingTIP
	})
	h := &recordHandler{}
	r := New(mem, h)

	if err := r.AtDecodeBegin(); err != nil {
		t.Fatalf("AtDecodeBegin: %v", err)
	}
	if err := r.OnPacket(ptpacket.Packet{Kind: ptpacket.KindTIPPGE, IP: 0x2000, IPUpdated: true}); err != nil {
		t.Fatalf("TIP.PGE: %v", err)
	}
	if r.State() != AwaitingTIP {
		t.Fatalf("expected AwaitingTIP after the indirect call, got %v", r.State())
	}

	err := r.OnPacket(ptpacket.Packet{Kind: ptpacket.KindPSB})
	if err == nil {
		t.Fatal("expected a fatal error for a PSB while awaiting a TIP")
	}
	var perr *pterr.Error
	if !errors.As(err, &perr) || perr.Code != pterr.SemanticMismatch {
		t.Fatalf("expected pterr.SemanticMismatch, got %v", err)
	}
}

// TestPSBMidWalkStaysSilent checks the companion case: a PSB arriving while
// simply Walking (no outstanding TIP) is a normal, silent resync point.
func TestPSBMidWalkStaysSilent(t *testing.T) {
	mem := mustMem(t, 0x1000, 0x100, map[uint64][]byte{
		0x1000: {0x74, 0x0E}, // conditional branch; no TNT is fed, so the walk blocks here
	})
	h := &recordHandler{}
	r := New(mem, h)
	feed(t, r, []ptpacket.Packet{
		{Kind: ptpacket.KindTIPPGE, IP: 0x1000, IPUpdated: true},
	})
	if r.State() != Walking {
		t.Fatalf("expected Walking while blocked on an empty TNT queue, got %v", r.State())
	}
	if err := r.OnPacket(ptpacket.Packet{Kind: ptpacket.KindPSB}); err != nil {
		t.Fatalf("expected a silent resync, got %v", err)
	}
	if r.State() != Synchronizing {
		t.Fatalf("expected Synchronizing after the PSB, got %v", r.State())
	}
}

// TestFinalizeFlagsTrailingCondBranchWait checks that ending input while
// still blocked on an empty TNT queue is reported as DesyncedTNT.
func TestFinalizeFlagsTrailingCondBranchWait(t *testing.T) {
	mem := mustMem(t, 0x1000, 0x100, map[uint64][]byte{
		0x1000: {0x74, 0x0E},
	})
	h := &recordHandler{}
	r := New(mem, h)
	feed(t, r, []ptpacket.Packet{
		{Kind: ptpacket.KindTIPPGE, IP: 0x1000, IPUpdated: true},
	})

	err := r.Finalize(0x1002)
	if err == nil {
		t.Fatal("expected DesyncedTNT when input ends mid-conditional-branch")
	}
	var perr *pterr.Error
	if !errors.As(err, &perr) || perr.Code != pterr.DesyncedTNT {
		t.Fatalf("expected pterr.DesyncedTNT, got %v", err)
	}
}

// TestFinalizeIsCleanAfterAwaitingTIP checks Finalize does not flag a trace
// that legitimately ends paused on an outstanding TIP (only the CondBranch
// empty-queue wait is a desync; AwaitingTIP's own resolution is covered by
// TestPSBWhileAwaitingTIPIsFatal/TestDesyncedTIPIsFatal instead).
func TestFinalizeIsCleanAfterAwaitingTIP(t *testing.T) {
	mem := mustMem(t, 0x2000, 0x100, map[uint64][]byte{
		0x2000: {0xFF, 0xD0},
	})
	h := &recordHandler{}
	r := New(mem, h)
	feed(t, r, []ptpacket.Packet{
		{Kind: ptpacket.KindTIPPGE, IP: 0x2000, IPUpdated: true},
	})
	if r.State() != AwaitingTIP {
		t.Fatalf("expected AwaitingTIP, got %v", r.State())
	}
	if err := r.Finalize(0x2002); err != nil {
		t.Fatalf("Finalize should not flag AwaitingTIP as a desync: %v", err)
	}
}

// TestPendingTNTSurvivesIntoReplayState checks that bits left in the queue
// when a segment pauses AwaitingTIP are preserved by PendingTNT and that
// ApplyReplay restores them rather than dropping them, per the
// cache-mode-output-equals-non-cache-mode-output invariant.
func TestPendingTNTSurvivesIntoReplayState(t *testing.T) {
	mem := mustMem(t, 0x1000, 0x2100, map[uint64][]byte{
		0x1000: {0xFF, 0xD0}, // call *rax
		0x3000: {0xC3},       // ret: halts after the TIP resolves, queue intact
	})
	h := &recordHandler{}
	r := New(mem, h)
	feed(t, r, []ptpacket.Packet{
		{Kind: ptpacket.KindTIPPGE, IP: 0x1000, IPUpdated: true},
		// Two TNT bits arrive before the call's TIP: they belong to
		// conditional branches inside the block the TIP resolves into, and
		// must not be lost across the indirect call's pause.
		{Kind: ptpacket.KindShortTNT, TNTBits: []bool{true, false}},
	})
	if got := r.PendingTNT(); len(got) != 2 {
		t.Fatalf("expected 2 pending TNT bits queued ahead of the TIP, got %v", got)
	}

	if err := r.OnPacket(ptpacket.Packet{Kind: ptpacket.KindTIP, IP: 0x3000, IPUpdated: true}); err != nil {
		t.Fatalf("TIP: %v", err)
	}
	if got := r.PendingTNT(); len(got) != 2 {
		t.Fatalf("expected the same 2 TNT bits still queued after the TIP resolved, got %v", got)
	}

	// Simulate a cache-mode resume: a fresh Reconstructor applying a
	// recorded replay must end up with the identical pending queue.
	r2 := New(mem, h)
	if err := r2.ApplyReplay(0x3000, r.PendingTNT(), 0x2000); err != nil {
		t.Fatalf("ApplyReplay: %v", err)
	}
	if diff := cmp.Diff(r.PendingTNT(), r2.PendingTNT()); diff != "" {
		t.Errorf("replayed TNT queue diverges from the real walk's queue (-want +got):\n%s", diff)
	}
}

// TestClassifyMemoryMissIsMemoryUnavailable checks that a read-miss (as
// opposed to a genuine decode failure) surfaces as pterr.MemoryUnavailable.
func TestClassifyMemoryMissIsMemoryUnavailable(t *testing.T) {
	mem := memaccess.NewBuffer(0x5000, []byte{0x90}) // only one byte mapped
	h := &recordHandler{}
	r := New(mem, h)

	if err := r.AtDecodeBegin(); err != nil {
		t.Fatalf("AtDecodeBegin: %v", err)
	}
	err := r.OnPacket(ptpacket.Packet{Kind: ptpacket.KindTIPPGE, IP: 0x6000, IPUpdated: true})
	if err == nil {
		t.Fatal("expected an error reading unmapped memory")
	}
	var perr *pterr.Error
	if !errors.As(err, &perr) || perr.Code != pterr.MemoryUnavailable {
		t.Fatalf("expected pterr.MemoryUnavailable, got %v", err)
	}
}
