// Package ackhorizon implements the sender-side acknowledgement/horizon
// engine of the transport core (spec §4.4): tracks transmitted datagram
// fragments in an ordered tree, advances a horizon below which all
// fragments are known acknowledged, and drives retransmission and optional
// extra-repeat.
package ackhorizon

import (
	"time"

	"github.com/tidwall/btree"

	"github.com/alxayo/go-moqrelay/internal/moq/wire"
)

// InitResult is the outcome of Engine.AckInit.
type InitResult int

const (
	Created InitResult = iota
	BelowHorizon
	Duplicate
)

// Key orders ack records lexicographically by (group, object, offset), the
// same ordering the fragment cache uses (spec §9's "BTreeMap-equivalent").
type Key struct {
	Group  uint64
	Object uint64
	Offset uint64
}

func (k Key) less(o Key) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	if k.Object != o.Object {
		return k.Object < o.Object
	}
	return k.Offset < o.Offset
}

// Record is an in-flight (or awaiting-ack) datagram fragment.
type Record struct {
	Key
	Length                 uint64
	ObjectLength           uint64
	Flags                  byte
	NbObjectsPreviousGroup uint64
	QueueDelay             uint64
	StartTime              time.Time
	LastSentTime           time.Time
	IsAcked                bool
	NackReceived           bool
	ExtraRepeatTime        time.Time
	HasExtraRepeat         bool
}

// Horizon is the per-stream floor below which every fragment is
// acknowledged or discarded.
type Horizon struct {
	Group          uint64
	Object         uint64
	Offset         uint64
	IsLastFragment bool
	initialized    bool
}

// Config mirrors the relevant global-context knobs of spec §6.
type Config struct {
	ExtraRepeatDelay                 time.Duration
	ExtraRepeatOnNack                bool
	ExtraRepeatAfterReceivedDelayed  bool
	// QueueableDatagramSize bounds how large a single re-encoded datagram
	// may be before Repeat must split it (spec §8 boundary behavior).
	QueueableDatagramSize int
}

// Counters track the engine's spec §4.4 statistics.
type Counters struct {
	NbFragmentLost   uint64
	NbExtraSent      uint64
	NbHorizonAcks    uint64
	NbHorizonEvents  uint64
}

// Engine is the per-stream ack/horizon tracker. Not safe for concurrent use
// (spec §5's single-threaded cooperative model).
type Engine struct {
	cfg     Config
	records *btree.BTreeG[*Record]
	// extraRepeat is a FIFO ordered by scheduled time (spec §9: "if delays
	// are uniform this yields a correctly ordered queue").
	extraRepeat []*Record
	horizon     Horizon
	Counters    Counters
}

// New creates an ack/horizon engine for one stream.
func New(cfg Config) *Engine {
	if cfg.QueueableDatagramSize <= 0 {
		cfg.QueueableDatagramSize = 1350 // conservative default below typical QUIC MTU
	}
	return &Engine{
		cfg:     cfg,
		records: btree.NewBTreeG[*Record](func(a, b *Record) bool { return a.Key.less(b.Key) }),
	}
}

// AckInit is called when a datagram fragment is handed to the transport. It
// checks the fragment against the horizon, inserts a tracking record, and —
// if configured — schedules an extra repeat for fragments that already
// experienced significant queue delay.
func (e *Engine) AckInit(group, object, offset uint64, flags byte, nbObjectsPreviousGroup uint64, length, objectLength, queueDelay uint64, now time.Time) InitResult {
	key := Key{Group: group, Object: object, Offset: offset}
	if e.horizon.initialized && key.less(Key{e.horizon.Group, e.horizon.Object, e.horizon.Offset}) {
		return BelowHorizon
	}
	if _, ok := e.records.Get(&Record{Key: key}); ok {
		return Duplicate
	}
	r := &Record{
		Key:                    key,
		Length:                 length,
		ObjectLength:           objectLength,
		Flags:                  flags,
		NbObjectsPreviousGroup: nbObjectsPreviousGroup,
		QueueDelay:             queueDelay,
		StartTime:              now,
		LastSentTime:           now,
	}
	e.records.Set(r)

	if e.cfg.ExtraRepeatAfterReceivedDelayed && queueDelay > 20 && e.cfg.ExtraRepeatDelay > 0 {
		r.HasExtraRepeat = true
		r.ExtraRepeatTime = now.Add(e.cfg.ExtraRepeatDelay)
		e.extraRepeat = append(e.extraRepeat, r)
	}
	return Created
}

// HandleAck marks the matching record(s) acked — a single ack may span
// multiple contiguous records when the acked range exceeds one record's
// length — then attempts to advance the horizon.
func (e *Engine) HandleAck(group, object, offset, length uint64) {
	end := offset + length
	lo := Key{Group: group, Object: object, Offset: 0}
	var toAck []*Record
	e.records.Ascend(&Record{Key: lo}, func(item *Record) bool {
		if item.Group != group || item.Object != object {
			return false
		}
		if item.Offset >= end {
			return false
		}
		if item.Offset+item.Length > offset {
			toAck = append(toAck, item)
		}
		return true
	})
	if len(toAck) == 0 {
		if e.belowHorizon(Key{group, object, offset}) {
			e.Counters.NbHorizonAcks++
		}
		return
	}
	for _, r := range toAck {
		r.IsAcked = true
	}
	e.advanceHorizon()
}

func (e *Engine) belowHorizon(k Key) bool {
	return e.horizon.initialized && k.less(Key{e.horizon.Group, e.horizon.Object, e.horizon.Offset})
}

// HandleLost marks the record as nacked (if not already acked) and schedules
// immediate retransmission via Repeat; if ExtraRepeatOnNack is set, also
// queues an extra repeat.
func (e *Engine) HandleLost(group, object, offset uint64, now time.Time, data []byte, encode func(h *wire.DatagramHeader) []byte) [][]byte {
	r, ok := e.records.Get(&Record{Key: Key{Group: group, Object: object, Offset: offset}})
	if !ok || r.IsAcked {
		return nil
	}
	r.NackReceived = true
	e.Counters.NbFragmentLost++
	prepareExtra := e.cfg.ExtraRepeatOnNack
	out := e.Repeat(r, data, prepareExtra, now, encode)
	return out
}

// Repeat re-encodes the datagram header for r with an updated queue-delay
// delta, splitting the payload across multiple datagrams if it would exceed
// the transport's queueable size. Returns the encoded datagram(s) to send.
func (e *Engine) Repeat(r *Record, data []byte, prepareExtra bool, now time.Time, encode func(h *wire.DatagramHeader) []byte) [][]byte {
	r.LastSentTime = now
	delta := uint64(now.Sub(r.StartTime) / time.Millisecond)

	maxPayload := e.cfg.QueueableDatagramSize - headerOverheadEstimate
	if maxPayload < 1 {
		maxPayload = 1
	}

	var out [][]byte
	offset := r.Offset
	remaining := data
	first := true
	for len(remaining) > 0 {
		chunk := remaining
		if len(chunk) > maxPayload {
			chunk = chunk[:maxPayload]
		}
		h := &wire.DatagramHeader{
			GroupID:                r.Group,
			ObjectID:               r.Object,
			ObjectOffset:           offset,
			QueueDelay:             delta,
			Flags:                  r.Flags,
			NbObjectsPreviousGroup: r.NbObjectsPreviousGroup,
			ObjectLength:           r.ObjectLength,
			Data:                   chunk,
		}
		out = append(out, encode(h))

		if !first || len(chunk) < len(remaining) {
			// a split occurred: the tail becomes its own tracked record.
			tailKey := Key{Group: r.Group, Object: r.Object, Offset: offset}
			if tailKey != r.Key {
				tail := &Record{
					Key:                    tailKey,
					Length:                 uint64(len(chunk)),
					ObjectLength:           r.ObjectLength,
					Flags:                  r.Flags,
					NbObjectsPreviousGroup: r.NbObjectsPreviousGroup,
					QueueDelay:             delta,
					StartTime:              r.StartTime,
					LastSentTime:           now,
					NackReceived:           r.NackReceived,
				}
				e.records.Set(tail)
			}
		}
		first = false
		offset += uint64(len(chunk))
		remaining = remaining[len(chunk):]
	}
	if len(data) > maxPayload {
		r.Length = uint64(maxPayload)
	}

	if prepareExtra && e.cfg.ExtraRepeatDelay > 0 {
		r.HasExtraRepeat = true
		r.ExtraRepeatTime = now.Add(e.cfg.ExtraRepeatDelay)
		e.extraRepeat = append(e.extraRepeat, r)
	}
	return out
}

// headerOverheadEstimate bounds the worst-case varint-encoded datagram
// header so Repeat's split point leaves room for it alongside the payload.
const headerOverheadEstimate = 48

// HandleExtraRepeat dequeues and retransmits any extra-repeat record whose
// scheduled time has arrived, and returns the minimum future
// extra_repeat_time among what remains (the zero time if none remain).
func (e *Engine) HandleExtraRepeat(now time.Time, dataFor func(r *Record) []byte, encode func(h *wire.DatagramHeader) []byte) ([][]byte, time.Time) {
	var out [][]byte
	var remaining []*Record
	for _, r := range e.extraRepeat {
		if r.IsAcked {
			continue
		}
		if !now.Before(r.ExtraRepeatTime) {
			data := dataFor(r)
			if data != nil {
				out = append(out, e.Repeat(r, data, false, now, encode)...)
				e.Counters.NbExtraSent++
			}
			continue
		}
		remaining = append(remaining, r)
	}
	e.extraRepeat = remaining

	var next time.Time
	for _, r := range e.extraRepeat {
		if next.IsZero() || r.ExtraRepeatTime.Before(next) {
			next = r.ExtraRepeatTime
		}
	}
	return out, next
}

// advanceHorizon walks the tree in key order starting at the first record,
// stopping at the first unacked record, per spec §4.4's four-way match.
func (e *Engine) advanceHorizon() {
	for {
		first, ok := e.firstRecord()
		if !ok || !first.IsAcked {
			return
		}
		if !e.canAdvance(first) {
			return
		}
		e.horizon = Horizon{
			Group:          first.Group,
			Object:         first.Object,
			Offset:         first.Offset + first.Length,
			IsLastFragment: first.Offset+first.Length >= first.ObjectLength,
			initialized:    true,
		}
		e.Counters.NbHorizonEvents++
		e.records.Delete(first)
		e.dropExtraRepeat(first)
	}
}

func (e *Engine) firstRecord() (*Record, bool) {
	return e.records.Min()
}

// canAdvance implements spec §4.4's four match rules.
func (e *Engine) canAdvance(r *Record) bool {
	h := e.horizon
	if !h.initialized {
		return true
	}
	if r.Group == h.Group && r.Object == h.Object && r.Offset == h.Offset {
		return true
	}
	if r.Group == h.Group && r.Object == h.Object+1 && r.Offset == 0 && h.IsLastFragment {
		return true
	}
	if r.Group == h.Group+1 && r.Object == 0 && r.Offset == 0 && h.IsLastFragment && r.NbObjectsPreviousGroup == h.Object+1 {
		return true
	}
	return false
}

func (e *Engine) dropExtraRepeat(dropped *Record) {
	if len(e.extraRepeat) == 0 {
		return
	}
	kept := e.extraRepeat[:0]
	for _, r := range e.extraRepeat {
		if r != dropped {
			kept = append(kept, r)
		}
	}
	e.extraRepeat = kept
}

// GetHorizon returns the current horizon value.
func (e *Engine) GetHorizon() Horizon { return e.horizon }

// RecordCount returns the number of tracked ack records (test/diagnostic use).
func (e *Engine) RecordCount() int { return e.records.Len() }
