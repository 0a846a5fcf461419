// Package node implements the datagram send path (spec §4.7), the
// connection/subscription manager (spec §4.8), and the time/scheduler hook
// (spec §4.9) that tie the leaf engines together into a node.
package node

import (
	"time"

	"github.com/alxayo/go-moqrelay/internal/bufpool"
	"github.com/alxayo/go-moqrelay/internal/moq/ackhorizon"
	"github.com/alxayo/go-moqrelay/internal/moq/stream"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"
)

// DatagramStream is the narrow view of a stream the datagram send path
// needs: whether it is in datagram transport mode, has an assigned media_id,
// and currently has data ready to send.
type DatagramStream interface {
	MediaIDAssigned() (uint64, bool)
	IsDatagramMode() bool
	IsActiveDatagram() bool
	// SendDatagram asks the publisher to format one fragment into a
	// datagram and hand it to ack_init; returns the encoded datagram, or
	// ok=false if nothing was ready after all (race between
	// IsActiveDatagram and the actual call).
	SendDatagram(now time.Time) (payload []byte, ok bool)
}

// Scheduler implements spec §4.7's round-robin datagram send path: on each
// transport-initiated "ready to send datagram" event, scan streams starting
// just after the last one served, and pick the first in datagram mode with
// pending data.
type Scheduler struct {
	streams []DatagramStream
	cursor  int
}

// NewScheduler creates a round-robin scheduler over streams. The slice is
// referenced, not copied — callers add/remove streams via SetStreams.
func NewScheduler(streams []DatagramStream) *Scheduler {
	return &Scheduler{streams: streams}
}

// SetStreams replaces the scheduler's stream set (called after a stream is
// added or removed from the connection).
func (s *Scheduler) SetStreams(streams []DatagramStream) {
	s.streams = streams
	if s.cursor >= len(streams) {
		s.cursor = 0
	}
}

// NextDatagram scans round-robin for the first datagram-mode stream with
// pending data, formats and returns its datagram, and reports whether any
// other stream still has pending data (at_least_one_active, per spec §4.7).
func (s *Scheduler) NextDatagram(now time.Time) (payload []byte, atLeastOneActive bool, ok bool) {
	n := len(s.streams)
	if n == 0 {
		return nil, false, false
	}
	start := s.cursor
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		st := s.streams[idx]
		if !st.IsDatagramMode() || !st.IsActiveDatagram() {
			continue
		}
		if _, assigned := st.MediaIDAssigned(); !assigned {
			continue
		}
		payload, sent := st.SendDatagram(now)
		if !sent {
			continue
		}
		s.cursor = (idx + 1) % n
		return payload, s.scanActive(idx), true
	}
	return nil, false, false
}

// scanActive reports whether any stream other than justServed still has
// pending datagram data.
func (s *Scheduler) scanActive(justServed int) bool {
	for idx, st := range s.streams {
		if idx == justServed {
			continue
		}
		if st.IsDatagramMode() && st.IsActiveDatagram() {
			return true
		}
	}
	return false
}

// StreamWithPublisher pairs a stream.Stream control state with the
// publisher callback used to actually format datagrams, satisfying
// DatagramStream. Ack, when set, receives ack_init for every datagram this
// stream hands to the transport (spec §4.4), so loss/ack reported later by
// the transport can be routed back to the right tracking record.
type StreamWithPublisher struct {
	*stream.Stream
	Active bool
	Ack    *ackhorizon.Engine
}

// MediaIDAssigned reports whether this stream has an accepted media_id.
func (s *StreamWithPublisher) MediaIDAssigned() (uint64, bool) {
	if s.Stream.MediaID == 0 {
		return 0, false
	}
	return s.Stream.MediaID, true
}

// IsDatagramMode reports whether the stream's transport mode is datagram.
func (s *StreamWithPublisher) IsDatagramMode() bool { return s.Stream.Mode == wire.ModeDatagram }

// IsActiveDatagram reports whether the stream currently has pending data.
func (s *StreamWithPublisher) IsActiveDatagram() bool { return s.Active }

// SendDatagram asks the stream's publisher for the next object's data and
// encodes it as a datagram header plus payload.
func (s *StreamWithPublisher) SendDatagram(now time.Time) ([]byte, bool) {
	if s.Stream.Publisher == nil {
		return nil, false
	}
	buf := bufpool.Get(1350)
	defer bufpool.Put(buf)
	n, flags, isNewGroup, objectLength, isMediaFinished, _, _, err := s.Stream.Publisher.GetData(buf, now)
	if err != nil || n == 0 {
		if isMediaFinished {
			s.Active = false
		}
		return nil, false
	}
	hdr := &wire.DatagramHeader{
		MediaID:                s.Stream.MediaID,
		GroupID:                s.Stream.NextSend.Group,
		ObjectID:                s.Stream.NextSend.Object,
		ObjectOffset:           s.Stream.NextOffset,
		ObjectLength:           objectLength,
		Flags:                  flags,
		NbObjectsPreviousGroup: boolToCount(isNewGroup, s.Stream.NextSend.Object+1),
		Data:                   buf[:n],
	}
	if s.Ack != nil {
		s.Ack.AckInit(hdr.GroupID, hdr.ObjectID, hdr.ObjectOffset, hdr.Flags, hdr.NbObjectsPreviousGroup, uint64(n), objectLength, 0, now)
	}

	s.Stream.NextOffset += uint64(n)
	if s.Stream.NextOffset >= objectLength {
		s.Stream.NextOffset = 0
		if isNewGroup {
			s.Stream.NextSend = wire.GroupObject{Group: s.Stream.NextSend.Group + 1, Object: 0}
		} else {
			s.Stream.NextSend.Object++
		}
	}
	return wire.EncodeDatagram(hdr), true
}

func boolToCount(isNewGroup bool, count uint64) uint64 {
	if isNewGroup {
		return count
	}
	return 0
}
