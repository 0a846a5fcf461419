// Package cache implements the per-media fragment store of the transport
// core (spec §4.2): an ordered index of received fragments keyed by
// (group_id, object_id, offset), plus side tables for object properties and
// per-group object counts that are bounded the same way patrickmn/go-cache
// bounds TTL entries.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/btree"

	moqerrors "github.com/alxayo/go-moqrelay/internal/errors"
)

// Key orders fragments lexicographically by (group, object, offset), the
// ordering ackhorizon.Engine and the horizon-advance walk both rely on.
type Key struct {
	Group  uint64
	Object uint64
	Offset uint64
}

func lessKey(a, b Key) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	if a.Object != b.Object {
		return a.Object < b.Object
	}
	return a.Offset < b.Offset
}

// Record is a stored fragment (immutable once inserted).
type Record struct {
	Key
	Data                   []byte
	ObjectLength           uint64
	Flags                  byte
	NbObjectsPreviousGroup uint64
}

// ObjectProperties is the header knowledge learned for an object once any
// fragment carrying object_length has been seen.
type ObjectProperties struct {
	ObjectLength           uint64
	NbObjectsPreviousGroup uint64
	Flags                  byte
}

type objectKey struct {
	Group  uint64
	Object uint64
}

// Cache is the fragment store for a single media_id.
type Cache struct {
	fragments *btree.BTreeG[Record]

	// side tables, TTL-bounded by cacheDurationMax (spec §6 global context
	// parameter) so a relay does not retain header knowledge for objects
	// long past the point any subscriber could still request them.
	properties  *gocache.Cache
	groupCounts *gocache.Cache
	finalized   map[objectKey]struct{}

	hasFinal              bool
	finalGroup, finalObject uint64
}

// New creates an empty cache. cacheDurationMax bounds how long
// object-properties and group-count entries survive without being
// refreshed; a value of 0 disables expiry (entries live until process exit).
func New(cacheDurationMax time.Duration) *Cache {
	expiry := cacheDurationMax
	if expiry <= 0 {
		expiry = gocache.NoExpiration
	}
	return &Cache{
		fragments:   btree.NewBTreeG[Record](func(a, b Record) bool { return lessKey(a.Key, b.Key) }),
		properties:  gocache.New(expiry, expiry/2+time.Second),
		groupCounts: gocache.New(expiry, expiry/2+time.Second),
		finalized:   make(map[objectKey]struct{}),
	}
}

func propKey(group, object uint64) string {
	var buf [16]byte
	putUint64(buf[:8], group)
	putUint64(buf[8:], object)
	return string(buf[:])
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// Insert stores a fragment. Idempotent when the same (group, object, offset)
// key already holds an identical payload; fails with *errors.Overlap if the
// offset range overlaps a previously-stored fragment with different bytes.
func (c *Cache) Insert(r Record) error {
	if existing, ok := c.fragments.Get(r); ok {
		if !bytesEqual(existing.Data, r.Data) {
			return moqerrors.NewOverlap("cache.insert")
		}
		return nil
	}
	if overlapsExisting(c.fragments, r) {
		return moqerrors.NewOverlap("cache.insert")
	}
	c.fragments.Set(r)
	if _, known := c.GetObjectProperties(r.Group, r.Object); r.ObjectLength > 0 || !known {
		c.properties.SetDefault(propKey(r.Group, r.Object), ObjectProperties{
			ObjectLength:           r.ObjectLength,
			NbObjectsPreviousGroup: r.NbObjectsPreviousGroup,
			Flags:                  r.Flags,
		})
	}
	if r.Object == 0 && r.NbObjectsPreviousGroup > 0 && r.Group > 0 {
		c.groupCounts.SetDefault(groupKey(r.Group-1), r.NbObjectsPreviousGroup)
	}
	return nil
}

// overlapsExisting checks whether r's byte range [offset, offset+len)
// intersects any stored fragment for the same object with different bytes
// in the shared range. A full scan of the object's fragments is acceptable
// here because objects are fragmented into at most a few dozen pieces.
func overlapsExisting(t *btree.BTreeG[Record], r Record) bool {
	lo := Record{Key: Key{Group: r.Group, Object: r.Object, Offset: 0}}
	found := false
	t.Ascend(lo, func(item Record) bool {
		if item.Group != r.Group || item.Object != r.Object {
			return false
		}
		if rangesOverlap(item.Offset, uint64(len(item.Data)), r.Offset, uint64(len(r.Data))) && !sameOverlapBytes(item, r) {
			found = true
			return false
		}
		return true
	})
	return found
}

// sameOverlapBytes reports whether a and b carry identical bytes over the
// range where they overlap.
func sameOverlapBytes(a, b Record) bool {
	lo, hi := a.Offset, a.Offset+uint64(len(a.Data))
	if b.Offset > lo {
		lo = b.Offset
	}
	if end := b.Offset + uint64(len(b.Data)); end < hi {
		hi = end
	}
	return bytesEqual(a.Data[lo-a.Offset:hi-a.Offset], b.Data[lo-b.Offset:hi-b.Offset])
}

func rangesOverlap(off1, len1, off2, len2 uint64) bool {
	end1 := off1 + len1
	end2 := off2 + len2
	return off1 < end2 && off2 < end1
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetObjectProperties reports the object_length/nb_objects_previous_group/
// flags learned for (group, object), or ok=false if no fragment carrying
// them has been observed yet.
func (c *Cache) GetObjectProperties(group, object uint64) (ObjectProperties, bool) {
	v, ok := c.properties.Get(propKey(group, object))
	if !ok {
		return ObjectProperties{}, false
	}
	return v.(ObjectProperties), true
}

func groupKey(group uint64) string {
	var buf [8]byte
	putUint64(buf[:], group)
	return "g:" + string(buf[:])
}

// GetObjectCount returns the number of objects known for group, learned
// either from a next-group first fragment's nb_objects_previous_group or
// from NotifyFinal, and ok=false if neither has happened yet.
func (c *Cache) GetObjectCount(group uint64) (uint64, bool) {
	v, ok := c.groupCounts.Get(groupKey(group))
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}

// setObjectCount is used by NotifyFinal to record a group's object count
// learned from the final-object signal rather than a next-group fragment.
func (c *Cache) setObjectCount(group, count uint64) {
	c.groupCounts.SetDefault(groupKey(group), count)
}

// CopyAvailableData returns the largest contiguous byte run starting at
// offset that is available in the cache for (group, object), up to max
// bytes. Returns an empty slice if offset itself is not yet covered.
func (c *Cache) CopyAvailableData(group, object, offset uint64, max int) []byte {
	lo := Record{Key: Key{Group: group, Object: object, Offset: 0}}
	var out []byte
	next := offset
	c.fragments.Ascend(lo, func(item Record) bool {
		if item.Group != group || item.Object != object {
			return false
		}
		end := item.Offset + uint64(len(item.Data))
		if item.Offset > next {
			return false // gap: no further contiguous run
		}
		if end <= next {
			return true // fully behind the requested offset, keep scanning
		}
		skip := next - item.Offset
		chunk := item.Data[skip:]
		if max > 0 && len(out)+len(chunk) > max {
			chunk = chunk[:max-len(out)]
		}
		out = append(out, chunk...)
		next = item.Offset + uint64(len(item.Data))
		if max > 0 && len(out) >= max {
			return false
		}
		return true
	})
	return out
}

// NotifyFinal marks (group, object) as the logical end of the media: no
// further fragments will be inserted. If object marks the start of a new
// group (object == 0, group > 0) and no next-group fragment has already
// supplied the previous group's object count, it is learned here as
// object (which equals the previous group's object count, since object ids
// are zero-based and exclusive of the final one).
func (c *Cache) NotifyFinal(group, object uint64) {
	c.finalized[objectKey{group, object}] = struct{}{}
	c.hasFinal = true
	c.finalGroup, c.finalObject = group, object
	if object == 0 && group > 0 {
		if _, ok := c.GetObjectCount(group - 1); !ok {
			c.setObjectCount(group-1, object)
		}
	}
}

// IsFinal reports whether NotifyFinal has been called for (group, object).
func (c *Cache) IsFinal(group, object uint64) bool {
	_, ok := c.finalized[objectKey{group, object}]
	return ok
}

// FinalPoint returns the most recently learned final boundary, if
// NotifyFinal has been called at all. A publisher reading from this cache
// uses it to learn the end of media even when it never itself receives the
// FinalObjectID signal directly (spec §4.8: sources and their caches are
// shared across every subscriber stream reading from them).
func (c *Cache) FinalPoint() (group, object uint64, ok bool) {
	if !c.hasFinal {
		return 0, 0, false
	}
	return c.finalGroup, c.finalObject, true
}
