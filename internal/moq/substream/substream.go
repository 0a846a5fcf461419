// Package substream implements the unidirectional substream engine of the
// transport core (spec §4.6): warp mode (one substream per group) and rush
// mode (one substream per object), both send and receive sides.
package substream

import (
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/cache"
	"github.com/alxayo/go-moqrelay/internal/moq/reassembly"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"

	moqerrors "github.com/alxayo/go-moqrelay/internal/errors"
)

// SendState is the send side of a unidirectional substream.
type SendState int

const (
	SendingOpen SendState = iota
	WarpHeaderSent
	ObjectHeaderState
	ObjectData
	WarpAllSent
)

// CongestionPolicy decides whether an object should be skipped instead of
// sent (spec §4.6 step 3's "policy hook"). Implementations back this with a
// token bucket per spec §6's congestion_control_mode.
type CongestionPolicy interface {
	ShouldSkip(group, object uint64) bool
}

// AlwaysSend is the zero-cost CongestionPolicy used when
// congestion_control_mode is "none".
type AlwaysSend struct{}

// ShouldSkip never skips.
func (AlwaysSend) ShouldSkip(group, object uint64) bool { return false }

// Sender drives one warp or rush substream's send-side state machine.
type Sender struct {
	MediaID uint64
	Rush    bool
	Cache   *cache.Cache
	Policy  CongestionPolicy

	State        SendState
	Group        uint64
	NextObject   uint64
	LastObjectID uint64
	HasLast      bool
	Offset       uint64
}

// NewSender creates a substream sender for group, starting at object 0.
func NewSender(mediaID uint64, group uint64, rush bool, c *cache.Cache, policy CongestionPolicy) *Sender {
	if policy == nil {
		policy = AlwaysSend{}
	}
	return &Sender{MediaID: mediaID, Group: group, Rush: rush, Cache: c, Policy: policy, State: SendingOpen}
}

// SetLastObjectID records the known last object id in this group, learned
// from a final-object signal or from the next group's nb_objects_previous_group.
func (s *Sender) SetLastObjectID(id uint64) {
	s.LastObjectID = id
	s.HasLast = true
}

// NextMessage advances the send state machine one step and returns the next
// message to write to the substream, or ok=false if nothing is ready yet
// (e.g. object properties not yet cached).
func (s *Sender) NextMessage() (wire.Message, bool) {
	switch s.State {
	case SendingOpen:
		s.State = WarpHeaderSent
		return &wire.WarpHeader{MediaID: s.MediaID, GroupID: s.Group}, true

	case WarpHeaderSent:
		if s.HasLast && s.NextObject >= s.LastObjectID {
			s.State = WarpAllSent
			return s.NextMessage()
		}
		props, ok := s.Cache.GetObjectProperties(s.Group, s.NextObject)
		if !ok {
			return nil, false
		}
		length := props.ObjectLength
		flags := props.Flags
		if s.Policy.ShouldSkip(s.Group, s.NextObject) {
			length = 0
			flags = 0xFF
		}
		hdr := &wire.ObjectHeader{
			ObjectID:               s.NextObject,
			NbObjectsPreviousGroup: props.NbObjectsPreviousGroup,
			Flags:                  flags,
			ObjectLength:           length,
		}
		if length > 0 {
			s.State = ObjectData
			s.Offset = 0
		} else {
			s.NextObject++
			if s.Rush {
				s.State = WarpAllSent
			}
		}
		return hdr, true

	case ObjectData:
		data := s.Cache.CopyAvailableData(s.Group, s.NextObject, s.Offset, 4096)
		if len(data) == 0 {
			return nil, false
		}
		frag := &wire.Fragment{GroupID: s.Group, ObjectID: s.NextObject, Offset: s.Offset, Data: data}
		props, _ := s.Cache.GetObjectProperties(s.Group, s.NextObject)
		frag.ObjectLength = props.ObjectLength
		s.Offset += uint64(len(data))
		if s.Offset >= props.ObjectLength {
			s.NextObject++
			if s.Rush {
				s.State = WarpAllSent
			} else {
				s.State = WarpHeaderSent
			}
		}
		return frag, true

	case WarpAllSent:
		return nil, false
	}
	return nil, false
}

// IsDone reports whether the substream has finished sending (FIN should be
// emitted and the substream context deleted).
func (s *Sender) IsDone() bool { return s.State == WarpAllSent }

// ReceiveState is the receive side of a unidirectional substream.
type ReceiveState int

const (
	RecvOpen ReceiveState = iota
	RecvWarpHeader
	RecvObjectHeader
	RecvObjectData
)

// Receiver drives one warp or rush substream's receive-side state machine,
// binding incoming OBJECT_HEADER/FRAGMENT pairs to a reassembly.Reassembler.
type Receiver struct {
	Rush bool

	State          ReceiveState
	MediaID        uint64
	CurrentGroup   uint64
	ExpectedNext   uint64
	pendingObject  uint64
	pendingNbPrev  uint64
	pendingFlags   byte
	pendingLength  uint64

	Reassembler *reassembly.Reassembler
}

// NewReceiver creates a substream receiver bound to reassembler for consumer
// delivery.
func NewReceiver(rush bool, reassembler *reassembly.Reassembler) *Receiver {
	return &Receiver{Rush: rush, State: RecvOpen, Reassembler: reassembler}
}

// HandleWarpHeader processes a WARP_HEADER, binding this substream to a
// media_id and group.
func (r *Receiver) HandleWarpHeader(m *wire.WarpHeader) error {
	if r.State != RecvOpen {
		return moqerrors.NewStateViolation("substream.recv.warp_header", r.stateName(), nil)
	}
	r.MediaID = m.MediaID
	r.CurrentGroup = m.GroupID
	r.ExpectedNext = 0
	r.State = RecvObjectHeader
	return nil
}

// HandleObjectHeader processes an OBJECT_HEADER. A zero-length header is
// delivered immediately (empty object) and the state returns to
// object_header; a nonzero length transitions to object_data.
func (r *Receiver) HandleObjectHeader(now time.Time, m *wire.ObjectHeader) error {
	if r.State != RecvObjectHeader {
		return moqerrors.NewStateViolation("substream.recv.object_header", r.stateName(), nil)
	}
	if r.Rush && m.ObjectID != 0 {
		return moqerrors.NewStateViolation("substream.recv.object_header", "rush_object_id_nonzero", nil)
	}
	if !r.Rush && m.ObjectID != r.ExpectedNext {
		return moqerrors.NewStateViolation("substream.recv.object_header", "warp_object_id_mismatch", nil)
	}
	r.pendingObject = m.ObjectID
	r.pendingNbPrev = m.NbObjectsPreviousGroup
	r.pendingFlags = m.Flags
	r.pendingLength = m.ObjectLength

	if m.ObjectLength == 0 {
		if err := r.Reassembler.InputFragment(now, r.CurrentGroup, m.ObjectID, 0, 0, m.Flags, m.NbObjectsPreviousGroup, 0, nil); err != nil {
			return err
		}
		r.ExpectedNext = m.ObjectID + 1
		r.State = RecvObjectHeader
		return nil
	}
	r.State = RecvObjectData
	return nil
}

// HandleFragment processes a FRAGMENT carrying payload for the pending
// object_header. When offset+len(data) reaches object_length, state returns
// to object_header.
func (r *Receiver) HandleFragment(now time.Time, m *wire.Fragment) error {
	if r.State != RecvObjectData {
		return moqerrors.NewStateViolation("substream.recv.object_data", r.stateName(), nil)
	}
	if err := r.Reassembler.InputFragment(now, r.CurrentGroup, r.pendingObject, m.Offset, 0, r.pendingFlags, r.pendingNbPrev, r.pendingLength, m.Data); err != nil {
		return err
	}
	if m.Offset+uint64(len(m.Data)) >= r.pendingLength {
		r.ExpectedNext = r.pendingObject + 1
		r.State = RecvObjectHeader
	}
	return nil
}

func (r *Receiver) stateName() string {
	switch r.State {
	case RecvOpen:
		return "open"
	case RecvWarpHeader:
		return "warp_header"
	case RecvObjectHeader:
		return "object_header"
	case RecvObjectData:
		return "object_data"
	default:
		return "unknown"
	}
}
