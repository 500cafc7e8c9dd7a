// Package reconstruct implements the edge reconstructor: it consumes PT
// packet events, walks the traced program's instructions via the
// instruction classifier and a memory reader, and emits block callbacks to
// a Handler. Grounded on the teacher's atom-driven waypoint walk
// (ptm.Decoder.traceToWaypoint / processAtomPacket) and its single-atom
// block-follower (internal/common.FollowSingleAtom), adapted from PTM's
// push-atom model to PT's pull-through TNT/TIP/FUP model.
package reconstruct

import (
	"errors"
	"fmt"

	"iptr/classify"
	"iptr/memaccess"
	"iptr/pterr"
	"iptr/ptpacket"
)

// State is the reconstructor's own state machine, independent of the
// packet decoder's PSB-synchronization state.
type State int

const (
	Disabled State = iota
	Synchronizing
	Walking
	AwaitingTIP
	AwaitingFUPTIP
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case Synchronizing:
		return "Synchronizing"
	case Walking:
		return "Walking"
	case AwaitingTIP:
		return "AwaitingTIP"
	case AwaitingFUPTIP:
		return "AwaitingFUPTIP"
	default:
		return "Unknown"
	}
}

// Reconstructor implements ptpacket.PacketSink, translating packets into
// block callbacks on Handler.
type Reconstructor struct {
	Mem     memaccess.Reader
	Handler Handler

	state    State
	currentIP uint64
	execMode classify.ExecMode

	tnt           []bool
	pendingTarget *uint64
	pendingKind   TransitionKind
	fupSourceIP   uint64

	// cache-mode pause machinery: see tracecache integration in the root
	// analyzer. Unused by a plain (non-cache) decode.
	pausePending  bool
	pausedAt      int64
	pausedAtValid bool
}

func New(mem memaccess.Reader, handler Handler) *Reconstructor {
	return &Reconstructor{
		Mem:      mem,
		Handler:  handler,
		state:    Disabled,
		execMode: classify.Mode64,
	}
}

func (r *Reconstructor) SetHandler(h Handler) { r.Handler = h }

func (r *Reconstructor) CurrentIP() uint64        { return r.currentIP }
func (r *Reconstructor) ExecMode() classify.ExecMode { return r.execMode }
func (r *Reconstructor) State() State             { return r.state }

// PendingTNT returns a copy of the TNT bits already consumed from packets
// but not yet consumed by a conditional branch. A trace-cache segment that
// pauses with bits still queued here must carry them forward into its
// recorded entry: they belong to conditional branches the next segment (or
// the next replay of this one) will still need to resolve, and dropping
// them desyncs every TNT consumption after the cache hit.
func (r *Reconstructor) PendingTNT() []bool {
	return append([]bool(nil), r.tnt...)
}

// RequestPause asks the reconstructor to stop (via PauseRequested) the
// next time it reaches a safe point: a point where the walk blocks on the
// next packet with an empty TNT queue. The root analyzer uses this to drive
// cache-mode segmenting.
func (r *Reconstructor) RequestPause() {
	r.pausePending = true
	r.pausedAtValid = false
}

// PauseRequested implements the extra method ptpacket.Decoder checks for
// after each OnPacket call to know whether to stop early.
func (r *Reconstructor) PauseRequested() bool {
	return r.pausePending && r.pausedAtValid
}

// PausedAt returns the byte offset of the safe point that triggered the
// most recent pause.
func (r *Reconstructor) PausedAt() int64 { return r.pausedAt }

// ApplyReplay installs the post-state of a trace-cache hit directly,
// without re-walking the corresponding bytes, then resumes pumping from
// that point: the replayed segment's own bytes are skipped, but the pure
// classify-forward walk into whatever the *next* segment needs (more TNT,
// or a TIP) still has to run so the reconstructor is ready for it.
func (r *Reconstructor) ApplyReplay(postIP uint64, tntRemainder []bool, byteOffset int64) error {
	r.currentIP = postIP
	r.tnt = append([]bool(nil), tntRemainder...)
	r.pendingTarget = nil
	r.state = Walking
	return r.pump(byteOffset)
}

// Finalize validates that nothing is left outstanding once the decoder has
// consumed every byte of input it will ever see. pump only returns with
// state still Walking when a conditional branch is blocked on a TNT bit
// that has not arrived (every other pump exit either changes state away
// from Walking or returns an error); if that is still true at end of
// input, the trace ended mid-block with no TNT bit left to consume, which
// is a desync rather than a clean stop. It is not called from Resume, since
// a segmented (cache-mode) decode pausing mid-walk is the expected case,
// not an error.
func (r *Reconstructor) Finalize(byteOffset int64) error {
	if r.state == Walking {
		return pterr.New(pterr.SevFatal, pterr.DesyncedTNT, byteOffset,
			"trace ended mid-block awaiting a TNT bit for a conditional branch")
	}
	return nil
}

func (r *Reconstructor) AtDecodeBegin() error {
	if r.Handler == nil {
		return fmt.Errorf("reconstruct: no handler set")
	}
	return r.Handler.AtDecodeBegin()
}

func (r *Reconstructor) clearQueues() {
	r.tnt = nil
	r.pendingTarget = nil
}

func (r *Reconstructor) OnPacket(pkt ptpacket.Packet) error {
	switch pkt.Kind {
	case ptpacket.KindPSB:
		// A block that ended on an indirect branch/return/async event
		// promised a forthcoming TIP; a PSB before it arrives means that
		// promise was broken, which Walking-state desync (silently
		// resynced, per the PSB-mid-walk tie-break below) does not
		// cover.
		if r.state == AwaitingTIP || r.state == AwaitingFUPTIP {
			return pterr.New(pterr.SevFatal, pterr.SemanticMismatch, pkt.Offset,
				"PSB received while awaiting a TIP for a prior indirect branch")
		}
		// PSB mid-walk aborts any partial block: no emission for it.
		r.state = Synchronizing
		r.clearQueues()
		return nil

	case ptpacket.KindOVF:
		r.state = Synchronizing
		r.clearQueues()
		return nil

	case ptpacket.KindTraceStop, ptpacket.KindTIPPGD:
		r.state = Disabled
		r.clearQueues()
		return nil

	case ptpacket.KindTIPPGE:
		if !pkt.IPUpdated {
			return pterr.New(pterr.SevFatal, pterr.SemanticMismatch, pkt.Offset, "TIP.PGE without a target")
		}
		r.clearQueues()
		r.currentIP = pkt.IP
		r.state = Walking
		if err := r.enterBlock(pkt.IP, TraceBegin, pkt.Offset+int64(pkt.Length)); err != nil {
			return err
		}
		return r.pump(pkt.Offset + int64(pkt.Length))

	case ptpacket.KindShortTNT, ptpacket.KindLongTNT:
		r.tnt = append(r.tnt, pkt.TNTBits...)
		return r.pump(pkt.Offset + int64(pkt.Length))

	case ptpacket.KindTIP:
		if !pkt.IPUpdated {
			return pterr.New(pterr.SevFatal, pterr.SemanticMismatch, pkt.Offset, "TIP without a target")
		}
		switch r.state {
		case AwaitingTIP:
			target := pkt.IP
			kind := r.pendingKind
			r.pendingTarget = nil
			r.state = Walking
			r.currentIP = target
			if err := r.enterBlock(target, kind, pkt.Offset+int64(pkt.Length)); err != nil {
				return err
			}
			return r.pump(pkt.Offset + int64(pkt.Length))
		case AwaitingFUPTIP:
			target := pkt.IP
			r.pendingTarget = nil
			r.state = Walking
			r.currentIP = target
			if err := r.enterBlock(target, AsyncEvent, pkt.Offset+int64(pkt.Length)); err != nil {
				return err
			}
			return r.pump(pkt.Offset + int64(pkt.Length))
		default:
			return pterr.New(pterr.SevFatal, pterr.DesyncedTIP, pkt.Offset, "TIP received while not awaiting one")
		}

	case ptpacket.KindFUP:
		if r.state == Walking {
			// Asynchronous event interrupts the current (partial) block:
			// no emission for the partial block, per the PSB-mid-walk rule.
			r.fupSourceIP = pkt.IP
			r.state = AwaitingFUPTIP
			r.clearQueues()
			r.maybeRecordSafePoint(pkt.Offset + int64(pkt.Length))
		}
		// FUP inside PSB+ only sets decoder context (already applied by
		// ptpacket.Decoder); nothing else to do here.
		return nil

	case ptpacket.KindModeExec:
		r.execMode = classify.ExecMode(pkt.Mode)
		return nil

	case ptpacket.KindPSBEND, ptpacket.KindPAD, ptpacket.KindCBR, ptpacket.KindTSC,
		ptpacket.KindMTC, ptpacket.KindTMA, ptpacket.KindCYC, ptpacket.KindPIP,
		ptpacket.KindVMCS, ptpacket.KindMNT, ptpacket.KindModeTSX:
		return nil

	default:
		return nil
	}
}

// enterBlock emits the block-entry callback. Pausing happens at
// maybeRecordSafePoint, not here: a safe point is a place where the
// reconstructor is about to block on the next packet, which is only known
// once pump has walked as far as it locally can.
func (r *Reconstructor) enterBlock(addr uint64, kind TransitionKind, byteOffset int64) error {
	if err := r.Handler.OnNewBlock(addr, kind, false); err != nil {
		return pterr.Wrap(pterr.SevFatal, pterr.HandlerError, byteOffset, "on_new_block", err)
	}
	return nil
}

// maybeRecordSafePoint marks byteOffset as a pausable safe point if a pause
// was requested and the TNT queue is empty: the decoder context (currentIP,
// execMode) together with the raw bytes from byteOffset then fully determine
// the rest of the walk, with nothing buffered from packets already consumed.
// pump calls it whenever it is about to block on the next packet (an empty
// TNT queue, or a freshly-entered Awaiting* state).
func (r *Reconstructor) maybeRecordSafePoint(byteOffset int64) {
	if r.pausePending && len(r.tnt) == 0 {
		r.pausedAt = byteOffset
		r.pausedAtValid = true
	}
}

// pump walks from currentIP, classifying instructions and resolving
// terminators against the pending queues, until it either needs a packet
// that hasn't arrived yet or is paused at a safe point.
func (r *Reconstructor) pump(byteOffset int64) error {
	for r.state == Walking {
		info, err := classify.Classify(r.currentIP, r.Mem, r.execMode)
		if err != nil {
			if errors.Is(err, classify.ErrMemoryUnavailable) {
				return pterr.Wrap(pterr.SevFatal, pterr.MemoryUnavailable, byteOffset,
					fmt.Sprintf("memory read at 0x%x", r.currentIP), err)
			}
			return pterr.Wrap(pterr.SevFatal, pterr.InstructionDecodeError, byteOffset,
				fmt.Sprintf("classify at 0x%x", r.currentIP), err)
		}

		switch info.Branch {
		case classify.None:
			r.currentIP += uint64(info.Length)
			continue

		case classify.CondBranch:
			if len(r.tnt) == 0 {
				r.maybeRecordSafePoint(byteOffset) // wait for the next TNT packet
				return nil
			}
			taken := r.tnt[0]
			r.tnt = r.tnt[1:]
			var next uint64
			var kind TransitionKind
			if taken {
				if !info.HasTarget {
					return pterr.New(pterr.SevFatal, pterr.SemanticMismatch, byteOffset, "conditional branch missing static target")
				}
				next = info.Target
				kind = CondTaken
			} else {
				next = r.currentIP + uint64(info.Length)
				kind = CondNotTaken
			}
			r.currentIP = next
			if err := r.enterBlock(next, kind, byteOffset); err != nil {
				return err
			}

		case classify.UncondDirect:
			if !info.HasTarget {
				return pterr.New(pterr.SevFatal, pterr.SemanticMismatch, byteOffset, "unconditional jump missing static target")
			}
			r.currentIP = info.Target
			if err := r.enterBlock(info.Target, UncondDirect, byteOffset); err != nil {
				return err
			}

		case classify.DirectCall:
			if !info.HasTarget {
				return pterr.New(pterr.SevFatal, pterr.SemanticMismatch, byteOffset, "direct call missing static target")
			}
			r.currentIP = info.Target
			if err := r.enterBlock(info.Target, DirectCall, byteOffset); err != nil {
				return err
			}

		case classify.IndirectJump:
			r.state = AwaitingTIP
			r.pendingKind = IndirectJump
			t := uint64(0)
			r.pendingTarget = &t
			r.maybeRecordSafePoint(byteOffset)
			return nil

		case classify.IndirectCall:
			r.state = AwaitingTIP
			r.pendingKind = IndirectCall
			t := uint64(0)
			r.pendingTarget = &t
			r.maybeRecordSafePoint(byteOffset)
			return nil

		case classify.Return:
			r.state = AwaitingTIP
			r.pendingKind = Return
			t := uint64(0)
			r.pendingTarget = &t
			r.maybeRecordSafePoint(byteOffset)
			return nil

		case classify.Syscall, classify.Interrupt:
			// Dynamic-target transfers paired with a TIP, same as an
			// indirect jump from the reconstructor's point of view.
			r.state = AwaitingTIP
			r.pendingKind = IndirectJump
			t := uint64(0)
			r.pendingTarget = &t
			r.maybeRecordSafePoint(byteOffset)
			return nil

		default:
			return pterr.New(pterr.SevFatal, pterr.SemanticMismatch, byteOffset, "unclassified terminator")
		}
	}
	return nil
}
