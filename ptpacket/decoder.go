package ptpacket

import (
	"bytes"
	"fmt"

	"iptr/pterr"
	"iptr/ptlog"
)

// ipByteCounts maps the 3-bit IPBytes field to payload byte counts, this
// module's equivalent of the SDM's IP-compression class table: 0 is
// suppressed (no update), the rest grow from a 2-byte low-halfword patch
// up to a full 8-byte replacement.
var ipByteCounts = [8]int{0, 2, 4, 6, 6, 8, 8, 8}

// psbPattern is the 16-byte PSB synchronization signature.
var psbPattern = func() []byte {
	b := make([]byte, 0, 16)
	for i := 0; i < 8; i++ {
		b = append(b, 0x02, 0x82)
	}
	return b
}()

// DecodeOptions configures a Decoder's grammar recovery and extended
// diagnostics, per the external surface of an analyzer's DecodeOptions.
type DecodeOptions struct {
	// Strict aborts the decode on any UnknownOpcode instead of resyncing
	// at the next PSB.
	Strict bool
	// MoreDiagnostics enables per-packet-kind counters in Diagnostics.
	MoreDiagnostics bool
	// CacheKeyWindow (K) is the trace-cache fingerprint byte window.
	CacheKeyWindow int
	// CacheCapacity bounds the trace-cache's entry count.
	CacheCapacity int
}

// DefaultDecodeOptions returns the tuning defaults chosen in DESIGN.md's
// Open Question resolutions.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		Strict:          false,
		MoreDiagnostics: false,
		CacheKeyWindow:  32,
		CacheCapacity:   4096,
	}
}

// Diagnostics accumulates extended per-kind counters when
// DecodeOptions.MoreDiagnostics is set.
type Diagnostics struct {
	PacketCounts  map[Kind]int
	ResyncSkipped int
}

// Decoder is the byte-level PT packet state machine. It owns no
// reconstructor state; it only recognizes packets and reports decoder
// context (PSBSynced, LastIP, ExecMode) alongside them.
type Decoder struct {
	Log  ptlog.Logger
	opts DecodeOptions

	psbSynced bool
	inPSBPlus bool
	lastIP    uint64
	execMode  ExecMode

	diag Diagnostics
}

func NewDecoder(opts DecodeOptions) *Decoder {
	return &Decoder{
		Log:      ptlog.NewNoOpLogger(),
		opts:     opts,
		execMode: Mode64,
		diag:     Diagnostics{PacketCounts: make(map[Kind]int)},
	}
}

func (d *Decoder) SetLogger(l ptlog.Logger) { d.Log = l }

func (d *Decoder) PSBSynced() bool    { return d.psbSynced }
func (d *Decoder) LastIP() uint64     { return d.lastIP }
func (d *Decoder) ExecMode() ExecMode { return d.execMode }
func (d *Decoder) Diagnostics() Diagnostics { return d.diag }

// Reset returns the decoder to its pre-sync state, as after an OVF.
func (d *Decoder) Reset() {
	d.psbSynced = false
	d.inPSBPlus = false
}

// psbPlusAllowed is the set of packet kinds legal between PSB and PSBEND.
var psbPlusAllowed = map[Kind]bool{
	KindModeExec: true, KindModeTSX: true, KindTSC: true, KindTMA: true,
	KindCBR: true, KindPIP: true, KindVMCS: true, KindMNT: true, KindPAD: true,
	KindFUP: true,
}

// Decode consumes every byte of data exactly once, streaming packets to
// sink in arrival order. It returns the first fatal error encountered; in
// best-effort (non-strict) mode an UnknownOpcode instead triggers a
// resync-at-next-PSB and keeps going.
func (d *Decoder) Decode(data []byte, sink PacketSink) error {
	if err := sink.AtDecodeBegin(); err != nil {
		return pterr.Wrap(pterr.SevFatal, pterr.HandlerError, pterr.ByteOffsetUnknown, "at_decode_begin", err)
	}
	offset, err := d.Resume(data, 0, sink)
	if err != nil {
		return err
	}
	if f, ok := sink.(Finalizer); ok {
		return f.Finalize(offset)
	}
	return nil
}

// Resume continues decoding data, whose first byte is at absolute offset
// baseOffset, without calling AtDecodeBegin. It returns the absolute
// offset reached: either baseOffset+len(data) on full consumption, or an
// earlier offset if sink.PauseRequested() became true after some packet.
// The root analyzer uses this to drive trace-cache segmenting across an
// otherwise-continuous decoder context.
func (d *Decoder) Resume(data []byte, baseOffset int64, sink PacketSink) (int64, error) {
	offset := int64(0)
	for offset < int64(len(data)) {
		buf := data[offset:]
		abs := baseOffset + offset

		if !d.psbSynced && !d.inPSBPlus {
			skip := d.scanForPSB(buf)
			if skip < 0 {
				// No PSB signature anywhere in the remainder: the rest of
				// the buffer is unsynced diagnostics-only data.
				d.diag.ResyncSkipped += len(buf)
				return baseOffset + int64(len(data)), nil
			}
			if skip > 0 {
				d.diag.ResyncSkipped += skip
				offset += int64(skip)
				continue
			}
		}

		pkt, consumed, derr := d.decodeOne(buf, abs)
		if derr != nil {
			if derr.Fatal() || d.opts.Strict {
				return baseOffset + offset, derr
			}
			d.Log.Warning(derr.Error())
			d.psbSynced = false
			d.inPSBPlus = false
			skip := d.scanForPSB(buf[1:])
			if skip < 0 {
				d.diag.ResyncSkipped += len(buf)
				return baseOffset + int64(len(data)), nil
			}
			d.diag.ResyncSkipped += 1 + skip
			offset += 1 + int64(skip)
			continue
		}

		if d.opts.MoreDiagnostics {
			d.diag.PacketCounts[pkt.Kind]++
		}

		if err := sink.OnPacket(pkt); err != nil {
			return baseOffset + offset, pterr.Wrap(pterr.SevFatal, pterr.HandlerError, abs, "on_packet", err)
		}

		offset += int64(consumed)

		if sink.PauseRequested() {
			return baseOffset + offset, nil
		}
	}

	return baseOffset + offset, nil
}

func (d *Decoder) scanForPSB(buf []byte) int {
	for i := 0; i+len(psbPattern) <= len(buf); i++ {
		if bytes.Equal(buf[i:i+len(psbPattern)], psbPattern) {
			return i
		}
	}
	return -1
}

func (d *Decoder) decodeOne(buf []byte, offset int64) (Packet, int, *pterr.Error) {
	if len(buf) == 0 {
		return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "empty buffer")
	}

	header := buf[0]

	switch {
	case header == 0x00:
		return d.finishPSBGate(Packet{Kind: KindPAD, Offset: offset, Length: 1}, offset)

	case len(buf) >= len(psbPattern) && bytes.Equal(buf[:len(psbPattern)], psbPattern):
		d.psbSynced = false
		d.inPSBPlus = true
		return Packet{Kind: KindPSB, Offset: offset, Length: len(psbPattern)}, len(psbPattern), nil

	case header == 0x02:
		return d.decodeExtended(buf, offset)

	case header&0x01 == 1:
		return d.decodeTIPFamily(buf, offset)

	case header&0x81 == 0x80:
		return d.decodeShortTNT(buf, offset)

	default:
		return Packet{}, 0, pterr.New(pterr.SevWarning, pterr.UnknownOpcode, offset, "unrecognized opcode")
	}
}

// finishPSBGate rejects packets outside the PSB+ allow-list while inside
// PSB+, and records a PSB+ FUP's IP as lastIP. The PSBEND/psb_synced
// transition itself is handled in decodeExtended.
func (d *Decoder) finishPSBGate(pkt Packet, offset int64) (Packet, int, *pterr.Error) {
	if d.inPSBPlus && !psbPlusAllowed[pkt.Kind] {
		return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.UnknownOpcode, offset,
			fmt.Sprintf("%s not legal in PSB+", pkt.Kind))
	}
	if pkt.Kind == KindFUP && d.inPSBPlus {
		d.lastIP = pkt.IP
	}
	return pkt, pkt.Length, nil
}

func (d *Decoder) decodeExtended(buf []byte, offset int64) (Packet, int, *pterr.Error) {
	if len(buf) < 2 {
		return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "extended opcode")
	}
	sub := buf[1]
	switch sub {
	case 0x03: // CBR
		if len(buf) < 3 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "CBR")
		}
		return d.finishPSBGate(Packet{Kind: KindCBR, Offset: offset, Length: 3, CoreRatio: buf[2]}, offset)
	case 0x13: // TraceStop: nothing decodes again until the next PSB
		d.psbSynced = false
		return d.finishPSBGate(Packet{Kind: KindTraceStop, Offset: offset, Length: 2}, offset)
	case 0x23: // PSBEND
		d.psbSynced = true
		d.inPSBPlus = false
		return Packet{Kind: KindPSBEND, Offset: offset, Length: 2}, 2, nil
	case 0x33: // MNT
		if len(buf) < 10 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "MNT")
		}
		return d.finishPSBGate(Packet{Kind: KindMNT, Offset: offset, Length: 10, Raw: append([]byte(nil), buf[2:10]...)}, offset)
	case 0x43: // TMA
		if len(buf) < 6 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "TMA")
		}
		return d.finishPSBGate(Packet{Kind: KindTMA, Offset: offset, Length: 6, Raw: append([]byte(nil), buf[2:6]...)}, offset)
	case 0x53: // PIP
		if len(buf) < 10 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "PIP")
		}
		cr3 := leUint64(buf[2:10])
		return d.finishPSBGate(Packet{Kind: KindPIP, Offset: offset, Length: 10, CR3: cr3 &^ 1, NonRoot: cr3&1 != 0}, offset)
	case 0x63: // MODE (leaf selects Exec vs TSX)
		if len(buf) < 3 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "MODE")
		}
		leaf := buf[2]
		pkt := Packet{Offset: offset, Length: 3}
		if leaf&0x80 == 0 {
			pkt.Kind = KindModeExec
			switch leaf & 0x03 {
			case 0:
				pkt.Mode = Mode16
			case 1:
				pkt.Mode = Mode64
			default:
				pkt.Mode = Mode32
			}
			pkt.RetCompression = leaf&0x04 != 0
			d.execMode = pkt.Mode
			if pkt.RetCompression {
				return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.UnsupportedFeature, offset,
					"MODE.Exec signals return-compression (COMPRET), which this engine does not support")
			}
		} else {
			pkt.Kind = KindModeTSX
			pkt.TSXBranch = leaf&0x01 != 0
			pkt.TSXAbort = leaf&0x02 != 0
		}
		return d.finishPSBGate(pkt, offset)
	case 0x73: // TSC
		if len(buf) < 9 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "TSC")
		}
		return d.finishPSBGate(Packet{Kind: KindTSC, Offset: offset, Length: 9, Raw: append([]byte(nil), buf[2:9]...)}, offset)
	case 0x83: // OVF
		d.psbSynced = false
		d.inPSBPlus = false
		return Packet{Kind: KindOVF, Offset: offset, Length: 2}, 2, nil
	case 0x93: // VMCS
		if len(buf) < 9 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "VMCS")
		}
		base := leUint64(append(append([]byte(nil), buf[2:9]...), 0))
		return d.finishPSBGate(Packet{Kind: KindVMCS, Offset: offset, Length: 9, VMCSBase: base}, offset)
	case 0xB3: // MTC
		if len(buf) < 3 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "MTC")
		}
		return d.finishPSBGate(Packet{Kind: KindMTC, Offset: offset, Length: 3, Raw: []byte{buf[2]}}, offset)
	case 0xC3: // CYC (1-byte payload form; extended CYC.ext not modeled)
		if len(buf) < 3 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "CYC")
		}
		return d.finishPSBGate(Packet{Kind: KindCYC, Offset: offset, Length: 3, Raw: []byte{buf[2]}}, offset)
	case 0xD3: // LongTNT
		if len(buf) < 10 {
			return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "LongTNT")
		}
		bits := decodeTNTPayload(leUint64(buf[2:10]), 48)
		return d.finishPSBGate(Packet{Kind: KindLongTNT, Offset: offset, Length: 10, TNTBits: bits}, offset)
	default:
		return Packet{}, 0, pterr.New(pterr.SevWarning, pterr.UnknownOpcode, offset, "unknown extended opcode")
	}
}

// decodeTIPFamily parses header = (IPBytes<<5)|(subtype<<1)|1.
func (d *Decoder) decodeTIPFamily(buf []byte, offset int64) (Packet, int, *pterr.Error) {
	header := buf[0]
	ipBytes := (header >> 5) & 0x07
	subtype := (header >> 1) & 0x0F

	n := ipByteCounts[ipBytes]
	if len(buf) < 1+n {
		return Packet{}, 0, pterr.New(pterr.SevFatal, pterr.TruncatedPacket, offset, "TIP-family payload")
	}

	pkt := Packet{Offset: offset, Length: 1 + n, IPBytes: ipBytes}
	switch subtype {
	case 0:
		pkt.Kind = KindTIP
	case 1:
		pkt.Kind = KindTIPPGE
	case 2:
		pkt.Kind = KindTIPPGD
	case 3:
		pkt.Kind = KindFUP
	default:
		return Packet{}, 0, pterr.New(pterr.SevWarning, pterr.UnknownOpcode, offset, "unknown TIP subtype")
	}

	if n == 0 {
		pkt.IPUpdated = false
	} else {
		pkt.IP = d.applyIPCompression(buf[1:1+n], ipBytes)
		pkt.IPUpdated = true
		if pkt.Kind != KindFUP {
			d.lastIP = pkt.IP
		}
	}

	return d.finishPSBGate(pkt, offset)
}

// applyIPCompression replaces the low bytes of lastIP with payload,
// sign-extending per the 6-byte compression class, and returns the result.
// It does not modify lastIP; decodeTIPFamily stores it for non-FUP packets.
func (d *Decoder) applyIPCompression(payload []byte, ipBytes uint8) uint64 {
	var value uint64
	for i, b := range payload {
		value |= uint64(b) << (8 * i)
	}

	var mask uint64
	switch len(payload) {
	case 2:
		mask = 0xFFFF
	case 4:
		mask = 0xFFFFFFFF
	case 6:
		mask = 0xFFFFFFFFFFFF
	default:
		mask = ^uint64(0)
	}

	result := (d.lastIP &^ mask) | (value & mask)
	if ipBytes == 3 && len(payload) == 6 && value&(1<<47) != 0 {
		result |= ^mask // sign-extend bit 47 into the top 16 bits
	}
	return result
}

func (d *Decoder) decodeShortTNT(buf []byte, offset int64) (Packet, int, *pterr.Error) {
	bits := DecodeShortTNT(buf[0])
	return d.finishPSBGate(Packet{Kind: KindShortTNT, Offset: offset, Length: 1, TNTBits: bits}, offset)
}

// DecodeShortTNT and EncodeShortTNT are inverses: bit7 marks a short-TNT
// header, bit0 is reserved 0. Payload lives in bits6:1; the highest set
// bit among those is the stop marker, and the remaining bits below it are
// TNT values read MSB-first (earliest branch first).
func DecodeShortTNT(header byte) []bool {
	payload := (header >> 1) & 0x3F
	if payload == 0 {
		return nil
	}
	stop := 5
	for stop >= 0 && payload&(1<<stop) == 0 {
		stop--
	}
	var bits []bool
	for i := stop - 1; i >= 0; i-- {
		bits = append(bits, payload&(1<<i) != 0)
	}
	return bits
}

func EncodeShortTNT(bits []bool) (byte, error) {
	if len(bits) > 5 {
		return 0, fmt.Errorf("ptpacket: short TNT holds at most 5 bits, got %d", len(bits))
	}
	var payload byte
	stop := len(bits)
	payload |= 1 << stop
	for i, taken := range bits {
		if taken {
			payload |= 1 << (stop - 1 - i)
		}
	}
	return 0x80 | (payload << 1), nil
}

func decodeTNTPayload(raw uint64, maxBits int) []bool {
	stop := maxBits - 1
	for stop >= 0 && raw&(1<<uint(stop)) == 0 {
		stop--
	}
	bits := make([]bool, 0, stop)
	for i := stop - 1; i >= 0; i-- {
		bits = append(bits, raw&(1<<uint(i)) != 0)
	}
	return bits
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
