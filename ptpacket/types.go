// Package ptpacket implements the byte-level PT packet grammar: packet
// typing, PSB synchronization, IP-compression, and the decode loop that
// drives a PacketSink. The wire encoding realizes the semantics of Intel
// SDM Vol. 3C §33 (packet kinds, IP-compression classes, PSB/PSBEND
// framing, OVF/TraceStop behavior) with this module's own concrete byte
// assignments, documented at each decode case in decoder.go, rather than a
// bit-for-bit SDM table.
package ptpacket

import "fmt"

// Kind tags which fields of Packet are meaningful.
type Kind int

const (
	KindUnknown Kind = iota
	KindPAD
	KindShortTNT
	KindLongTNT
	KindTIP
	KindTIPPGE
	KindTIPPGD
	KindFUP
	KindPIP
	KindModeExec
	KindModeTSX
	KindTraceStop
	KindCBR
	KindTSC
	KindMTC
	KindTMA
	KindCYC
	KindVMCS
	KindOVF
	KindPSB
	KindPSBEND
	KindMNT
)

func (k Kind) String() string {
	names := [...]string{
		"Unknown", "PAD", "ShortTNT", "LongTNT", "TIP", "TIP.PGE", "TIP.PGD",
		"FUP", "PIP", "MODE.Exec", "MODE.TSX", "TraceStop", "CBR", "TSC",
		"MTC", "TMA", "CYC", "VMCS", "OVF", "PSB", "PSBEND", "MNT",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// ExecMode mirrors MODE.Exec's instruction-width announcement.
type ExecMode int

const (
	Mode16 ExecMode = 16
	Mode32 ExecMode = 32
	Mode64 ExecMode = 64
)

// Packet is a tagged union: only the fields relevant to Kind are valid,
// matching how the teacher's packet structs carry every variant's fields
// side by side rather than through an interface-per-kind scheme.
type Packet struct {
	Kind   Kind
	Offset int64
	Length int

	// TNT
	TNTBits []bool // MSB-first consumption order

	// TIP / TIP.PGE / TIP.PGD / FUP
	IPBytes   uint8
	IP        uint64
	IPUpdated bool // false when IPBytes==0 (suppressed payload)

	// PIP
	CR3      uint64
	NonRoot  bool

	// MODE.Exec / MODE.TSX
	Mode           ExecMode
	TSXBranch      bool
	TSXAbort       bool
	RetCompression bool // MODE.Exec leaf bit signaling return-compression (COMPRET); unsupported

	// CBR
	CoreRatio uint8

	// VMCS
	VMCSBase uint64

	// raw counters carried through but not interpreted (time alignment is
	// explicitly out of scope)
	Raw []byte
}

func (p Packet) String() string {
	switch p.Kind {
	case KindShortTNT, KindLongTNT:
		return fmt.Sprintf("%s bits=%v", p.Kind, p.TNTBits)
	case KindTIP, KindTIPPGE, KindTIPPGD, KindFUP:
		if p.IPUpdated {
			return fmt.Sprintf("%s ip=0x%x", p.Kind, p.IP)
		}
		return fmt.Sprintf("%s (suppressed)", p.Kind)
	default:
		return p.Kind.String()
	}
}

// PacketSink receives packets as the Decoder recognizes them. It is the
// internal coupling between ptpacket and reconstruct, distinct from the
// external reconstruct.Handler capability which only ever sees blocks.
type PacketSink interface {
	AtDecodeBegin() error
	OnPacket(Packet) error
	// PauseRequested lets a cache-aware sink ask Decode/Resume to stop
	// early at the offset just processed, so a caller driving segmented
	// decode (trace-cache mode) can regain control between packets. A
	// plain sink that never pauses should always return false.
	PauseRequested() bool
}

// Finalizer is an optional capability a PacketSink may implement to
// validate its own state once Decode has consumed every byte of input.
// Decode calls it after a full, successful pass; Resume never does, since a
// segmented (cache-mode) decode pausing mid-walk is expected, not an error.
type Finalizer interface {
	Finalize(byteOffset int64) error
}
