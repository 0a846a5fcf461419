package connection

import (
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/cache"
	"github.com/alxayo/go-moqrelay/internal/moq/stream"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"
)

// CachePublisher is a stream.Publisher backed directly by a fragment cache
// (spec §4.2) instead of a live media source. It implements the late-joiner
// catch-up behavior of SPEC_FULL.md §C (grounded on zsiec-prism's
// ReplayFullGOPToChannel): a relay node republishing already-cached data to
// a new subscriber drains whatever the cache holds from (group, object)
// onward before falling back to "not yet available".
type CachePublisher struct {
	Cache *cache.Cache

	next   wire.GroupObject
	offset uint64

	mediaFinishedEmitted bool
}

// NewCachePublisher creates a publisher that starts replaying from
// (startGroup, startObject).
func NewCachePublisher(c *cache.Cache, startGroup, startObject uint64) *CachePublisher {
	return &CachePublisher{Cache: c, next: wire.GroupObject{Group: startGroup, Object: startObject}}
}

// GetData implements the get_data publisher action (spec §6). With buf
// non-nil it copies up to len(buf) bytes of the current object's cached
// payload, crossing an object/group boundary when object_length bytes have
// been copied. With nothing cached yet it reports is_still_active without
// consuming (the caller should retry once more data arrives).
//
// The end-of-media boundary is learned from the shared Cache rather than a
// field set directly on this publisher: Cache is shared between the
// node.Source that feeds it and every subscriber stream reading from it
// (spec §4.8), so whichever stream called cache.NotifyFinal — via
// node.Manager.PublishObjectFin or a peer's FinalObjectID signal — makes the
// boundary visible to every CachePublisher reading that cache, including
// ones on other connections.
func (p *CachePublisher) GetData(buf []byte, now time.Time) (n int, flags byte, isNewGroup bool, objectLength uint64, isMediaFinished bool, isStillActive bool, hasBacklog bool, err error) {
	if p.Cache.IsFinal(p.next.Group, p.next.Object) {
		if p.mediaFinishedEmitted {
			return 0, 0, false, 0, false, false, false, nil
		}
		p.mediaFinishedEmitted = true
		return 0, 0, false, 0, true, false, false, nil
	}

	props, ok := p.Cache.GetObjectProperties(p.next.Group, p.next.Object)
	if !ok {
		// Not yet cached: wait for more data rather than reporting failure.
		return 0, 0, false, 0, false, true, false, nil
	}

	if buf == nil {
		available := p.Cache.CopyAvailableData(p.next.Group, p.next.Object, p.offset, 0)
		return len(available), props.Flags, false, props.ObjectLength, false, true, false, nil
	}

	data := p.Cache.CopyAvailableData(p.next.Group, p.next.Object, p.offset, len(buf))
	if len(data) == 0 {
		return 0, 0, false, 0, false, true, false, nil
	}
	copy(buf, data)

	newGroup := false
	p.offset += uint64(len(data))
	if p.offset >= props.ObjectLength {
		p.offset = 0
		count, hasCount := p.Cache.GetObjectCount(p.next.Group)
		if hasCount && p.next.Object+1 >= count {
			newGroup = true
			p.next = wire.GroupObject{Group: p.next.Group + 1, Object: 0}
		} else {
			p.next.Object++
		}
	}
	return len(data), props.Flags, newGroup, props.ObjectLength, false, true, false, nil
}

// SkipObject advances past the current object without sending its payload,
// used when the sender emits a zero-length placeholder fragment (spec
// §4.5's should_skip path).
func (p *CachePublisher) SkipObject() error {
	p.offset = 0
	p.next.Object++
	return nil
}

// Close releases no resources; the cache outlives any single publisher view
// of it (other subscribers may still be reading).
func (p *CachePublisher) Close(reason stream.CloseReason) {}
