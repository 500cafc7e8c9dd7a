// Package analyzer wires the packet decoder, edge reconstructor, and
// optional trace cache into the single public decode entry point, the way
// the teacher's internal/pipeline.DecodeTree wires its memory mapper,
// per-trace-ID decoders, and printer behind one NewDecodeTree facade.
package analyzer

import (
	"iptr/memaccess"
	"iptr/ptlog"
	"iptr/ptpacket"
	"iptr/reconstruct"
	"iptr/tracecache"
)

// Analyzer is the top-level facade: one per independent trace, owning its
// own decoder context, reconstructor state, and (optionally) trace cache.
// None of its state is shared across instances, satisfying the
// independent-parallel-decode requirement.
type Analyzer struct {
	opts    ptpacket.DecodeOptions
	log     ptlog.Logger
	cache   *tracecache.Cache
	decoder *ptpacket.Decoder
	recon   *reconstruct.Reconstructor
}

// New creates an Analyzer over mem, delivering block callbacks to handler.
// Pass cacheEnabled=true to layer trace-cache replay on top of the plain
// walk.
func New(mem memaccess.Reader, handler reconstruct.Handler, opts ptpacket.DecodeOptions, cacheEnabled bool) *Analyzer {
	log := ptlog.NewNoOpLogger()
	decoder := ptpacket.NewDecoder(opts)
	decoder.SetLogger(log)
	recon := reconstruct.New(mem, handler)

	a := &Analyzer{opts: opts, log: log, decoder: decoder, recon: recon}
	if cacheEnabled {
		a.cache = tracecache.New(opts.CacheCapacity)
	}
	return a
}

func (a *Analyzer) SetLogger(l ptlog.Logger) {
	a.log = l
	a.decoder.SetLogger(l)
}

func (a *Analyzer) Diagnostics() ptpacket.Diagnostics { return a.decoder.Diagnostics() }

// Decode runs the full pipeline over data, emitting block callbacks to the
// handler supplied at construction time (or the recording wrapper used
// internally while driving trace-cache segments).
func (a *Analyzer) Decode(data []byte) error {
	if a.cache == nil {
		return a.decoder.Decode(data, a.recon)
	}
	return a.decodeWithCache(data)
}

// decodeWithCache drives a segmented decode: at each safe point (where the
// reconstructor is about to block on the next packet, with nothing
// buffered) it fingerprints (last_ip, exec_mode, next K raw bytes) and
// either replays a cached segment's edges directly — skipping the
// corresponding raw bytes entirely — or walks it for real and records it
// for next time.
func (a *Analyzer) decodeWithCache(data []byte) error {
	if err := a.recon.AtDecodeBegin(); err != nil {
		return err
	}

	handler := a.recon.Handler
	k := a.opts.CacheKeyWindow
	if k <= 0 {
		k = 32
	}

	a.recon.RequestPause()
	cursor, err := a.decoder.Resume(data, 0, a.recon)
	if err != nil {
		return err
	}

	for cursor < int64(len(data)) && a.recon.State() != reconstruct.Disabled {
		window := windowAt(data, cursor, k)
		key := tracecache.Fingerprint(a.recon.CurrentIP(), a.recon.ExecMode(), window)

		if entry, ok := a.cache.Lookup(key, window); ok {
			for _, e := range entry.Edges {
				if err := handler.OnNewBlock(e.Addr, e.Kind, true); err != nil {
					return err
				}
			}
			cursor += int64(entry.ConsumedBytes)
			a.recon.RequestPause()
			if err := a.recon.ApplyReplay(entry.PostIP, entry.PostTNTRemainder, cursor); err != nil {
				return err
			}
			continue
		}

		rec := &recordingHandler{inner: handler}
		a.recon.SetHandler(rec)
		a.recon.RequestPause()
		next, rerr := a.decoder.Resume(data[cursor:], cursor, a.recon)
		a.recon.SetHandler(handler)
		if rerr != nil {
			return rerr
		}

		a.cache.Insert(key, tracecache.Entry{
			Window:           window,
			ConsumedBytes:    int(next - cursor),
			PostIP:           a.recon.CurrentIP(),
			PostTNTRemainder: a.recon.PendingTNT(),
			Edges:            rec.edges,
		})
		cursor = next
	}

	return a.recon.Finalize(cursor)
}

func windowAt(data []byte, offset int64, k int) []byte {
	end := offset + int64(k)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if offset >= int64(len(data)) {
		return nil
	}
	return data[offset:end]
}

// recordingHandler forwards every callback to inner while also buffering
// (addr, kind) pairs for insertion into the trace cache once the segment
// closes.
type recordingHandler struct {
	inner reconstruct.Handler
	edges []tracecache.Edge
}

func (r *recordingHandler) AtDecodeBegin() error { return r.inner.AtDecodeBegin() }

func (r *recordingHandler) OnNewBlock(addr uint64, kind reconstruct.TransitionKind, cache bool) error {
	r.edges = append(r.edges, tracecache.Edge{Addr: addr, Kind: kind})
	return r.inner.OnNewBlock(addr, kind, cache)
}
