// Package reassembly implements the consumer-side reassembly engine of the
// transport core (spec §4.3): converts arriving fragments into in-order
// object deliveries, handling out-of-order arrival via peek/repair and
// late-join start points.
package reassembly

import (
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/cache"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"

	moqerrors "github.com/alxayo/go-moqrelay/internal/errors"
)

// Mode is the delivery mode passed to the Consumer callback.
type Mode int

const (
	// InSequence: object is the next in-order object.
	InSequence Mode = iota
	// Peek: object known to be out-of-order; delivered for inspection, not
	// written to the ordered stream.
	Peek
	// Repair: a previously peeked object that has now become in-order.
	Repair
)

func (m Mode) String() string {
	switch m {
	case InSequence:
		return "in_sequence"
	case Peek:
		return "peek"
	case Repair:
		return "repair"
	default:
		return "unknown"
	}
}

// Consumer receives reassembled objects.
type Consumer interface {
	Deliver(mode Mode, group, object uint64, data []byte) error
}

// Reassembler holds per-stream reassembly state. Not safe for concurrent
// use; the event loop that owns the stream is the only caller (spec §5).
type Reassembler struct {
	cache *cache.Cache
	next  wire.GroupObject

	startSet   bool
	start      wire.GroupObject
	finalSet   bool
	final      wire.GroupObject
	isFinished bool

	delivered map[wire.GroupObject]struct{}
	peeked    map[wire.GroupObject]struct{}

	consumer Consumer
}

// New creates a reassembler delivering to consumer. cacheDurationMax bounds
// the lifetime of the internal object-properties side table (spec §6).
func New(consumer Consumer, cacheDurationMax time.Duration) *Reassembler {
	return &Reassembler{
		cache:     cache.New(cacheDurationMax),
		next:      wire.GroupObject{},
		delivered: make(map[wire.GroupObject]struct{}),
		peeked:    make(map[wire.GroupObject]struct{}),
		consumer:  consumer,
	}
}

// IsFinished reports whether every object in [start, final) has been
// delivered in_sequence.
func (r *Reassembler) IsFinished() bool { return r.isFinished }

// InputFragment inserts an arriving fragment and delivers any objects it
// completes. Returns errors.ErrConsumerFinished (not a fault, spec §7) once
// this call causes the reassembler to reach its final object.
func (r *Reassembler) InputFragment(now time.Time, group, object, offset uint64, queueDelay uint64, flags byte, nbObjectsPreviousGroup, objectLength uint64, data []byte) error {
	fragGO := wire.GroupObject{Group: group, Object: object}
	if r.startSet && fragGO.Less(r.start) {
		// Data below the learned start point is discarded.
		return nil
	}
	if err := r.cache.Insert(cache.Record{
		Key:                    cache.Key{Group: group, Object: object, Offset: offset},
		Data:                   data,
		ObjectLength:           objectLength,
		Flags:                  flags,
		NbObjectsPreviousGroup: nbObjectsPreviousGroup,
	}); err != nil {
		return err
	}

	r.rollGroup()
	if r.isObjectComplete(group, object) {
		if err := r.onObjectComplete(group, object); err != nil {
			return err
		}
	}
	return r.advance()
}

// isObjectComplete reports whether every byte of the object's declared
// length has been received.
func (r *Reassembler) isObjectComplete(group, object uint64) bool {
	props, ok := r.cache.GetObjectProperties(group, object)
	if !ok {
		return false
	}
	if props.ObjectLength == 0 {
		return true
	}
	got := r.cache.CopyAvailableData(group, object, 0, 0)
	return uint64(len(got)) >= props.ObjectLength
}

// onObjectComplete delivers a newly-completed object either in_sequence (if
// it is the next expected object — handled by advance(), so this only fires
// for peek/repair classification of out-of-order objects) or peek.
func (r *Reassembler) onObjectComplete(group, object uint64) error {
	key := wire.GroupObject{Group: group, Object: object}
	if _, done := r.delivered[key]; done {
		return nil
	}
	if key == r.next {
		return nil // advance() will deliver this as in_sequence/repair
	}
	if _, peeked := r.peeked[key]; peeked {
		return nil // invariant 4: peek emitted only once
	}
	r.peeked[key] = struct{}{}
	props, _ := r.cache.GetObjectProperties(group, object)
	data := r.cache.CopyAvailableData(group, object, 0, int(props.ObjectLength))
	return r.consumer.Deliver(Peek, group, object, data)
}

// advance delivers the next expected object (and any now-contiguous
// successors) in_sequence or repair, rolling the group boundary forward
// when the group's object count is known. The final boundary is exclusive
// (spec glossary: "the (exclusive) end of the media"), so it is checked
// against r.next at the top of each iteration rather than against the
// object just delivered — r.next can reach final without final itself
// ever receiving a fragment (e.g. final == (nextGroup, 0) of a group that
// never starts).
func (r *Reassembler) advance() error {
	for {
		r.rollGroup()
		if r.finalSet && r.next == r.final {
			r.isFinished = true
			return moqerrors.ErrConsumerFinished
		}
		g, o := r.next.Group, r.next.Object
		if !r.isObjectComplete(g, o) {
			return nil
		}
		key := wire.GroupObject{Group: g, Object: o}
		if _, done := r.delivered[key]; !done {
			props, _ := r.cache.GetObjectProperties(g, o)
			data := r.cache.CopyAvailableData(g, o, 0, int(props.ObjectLength))
			mode := InSequence
			if _, wasPeeked := r.peeked[key]; wasPeeked {
				mode = Repair
				delete(r.peeked, key)
			}
			if err := r.consumer.Deliver(mode, g, o, data); err != nil {
				return err
			}
			r.delivered[key] = struct{}{}
		}

		if count, ok := r.cache.GetObjectCount(g); ok && o+1 >= count {
			r.next = wire.GroupObject{Group: g + 1, Object: 0}
		} else {
			r.next = wire.GroupObject{Group: g, Object: o + 1}
		}
	}
}

// rollGroup moves r.next to (g+1, 0) when group g's object count has become
// known after r.next already stepped past g's last object. r.next at object
// 0 is left where it is, so no group is skipped before it has started.
func (r *Reassembler) rollGroup() {
	if r.next.Object == 0 {
		return
	}
	if count, ok := r.cache.GetObjectCount(r.next.Group); ok && r.next.Object >= count {
		r.next = wire.GroupObject{Group: r.next.Group + 1, Object: 0}
	}
}

// LearnStartPoint sets the earliest expected (group, object). Already
// received data at or beyond the start becomes deliverable via the next
// advance(); earlier data is left in the cache unreferenced. Fails with
// *errors.StartPointConflict if it contradicts data already delivered
// in_sequence.
func (r *Reassembler) LearnStartPoint(group, object uint64) error {
	start := wire.GroupObject{Group: group, Object: object}
	for delivered := range r.delivered {
		if delivered.Less(start) {
			return moqerrors.NewStartPointConflict("reassembly.learn_start_point")
		}
	}
	r.startSet = true
	r.start = start
	if r.next.Less(start) {
		r.next = start
	}
	return r.advance()
}

// LearnFinalObjectID sets the end boundary: final is exclusive (spec
// glossary), i.e. one past the last object that will ever be delivered.
// When all objects in [start, final) have been delivered in_sequence,
// IsFinished becomes true and ErrConsumerFinished is returned.
func (r *Reassembler) LearnFinalObjectID(group, object uint64) error {
	r.finalSet = true
	r.final = wire.GroupObject{Group: group, Object: object}
	r.cache.NotifyFinal(group, object)
	return r.advance()
}
