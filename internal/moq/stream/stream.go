// Package stream implements the per-bidirectional-control-stream protocol
// state machine of the transport core (spec §4.5): send/receive states,
// sender priority ordering, and message dispatch for REQUEST/POST/ACCEPT/
// START_POINT/FIN_DATAGRAM/FRAGMENT/CACHE_POLICY/SUBSCRIBE/NOTIFY.
package stream

import (
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/wire"

	moqerrors "github.com/alxayo/go-moqrelay/internal/errors"
)

// SendState is the sender side of the stream protocol state machine.
type SendState int

const (
	SendInitial SendState = iota
	SendReady
	SendSingleStream
	SendRepair
	SendFinalPoint
	SendStartPoint
	SendCachePolicy
	SendSubscribe
	SendNotify
	SendWaitingNotify
	SendNotifyReady
	SendFin
	SendNoMore
)

// ReceiveState is the receiver side of the stream protocol state machine.
type ReceiveState int

const (
	RecvNotReady ReceiveState = iota
	RecvInitial
	RecvFragment
	RecvNotify
	RecvDone
)

// CloseReason mirrors the transport close callback's reason codes (spec §6).
type CloseReason int

const (
	CloseFinished CloseReason = iota
	CloseRemoteApplication
	CloseQUICConnection
	CloseDeleteContext
	CloseInternalError
)

// String renders a CloseReason for logs and application-level close frames.
func (r CloseReason) String() string {
	switch r {
	case CloseFinished:
		return "finished"
	case CloseRemoteApplication:
		return "remote_application"
	case CloseQUICConnection:
		return "quic_connection"
	case CloseDeleteContext:
		return "delete_context"
	case CloseInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Publisher is the narrow callback contract a sending stream drives (spec
// §6, simplified to Go method calls instead of an action enum + void*).
type Publisher interface {
	// GetData reports (peek, buf==nil case) or copies (buf!=nil) up to
	// len(buf) bytes of the next object's payload.
	GetData(buf []byte, now time.Time) (n int, flags byte, isNewGroup bool, objectLength uint64, isMediaFinished bool, isStillActive bool, hasBacklog bool, err error)
	SkipObject() error
	Close(reason CloseReason)
}

// Consumer is the narrow callback contract a receiving stream drives.
type Consumer interface {
	DatagramReady(now time.Time, group, object, offset uint64, queueDelay uint64, flags byte, nbObjectsPreviousGroup, objectLength uint64, data []byte) error
	FinalObjectID(group, object uint64) error
	StartPoint(group, object uint64) error
	RealTimeCache(flag bool) error
	Close(reason CloseReason)
}

// SubscribeRecord is a URL prefix registered on a stream acting as a
// subscription channel, with pending notifications queued for delivery.
type SubscribeRecord struct {
	URLPrefix string
	Pending   []string
}

// Stream is a bidirectional control stream's protocol state (spec §3's
// "stream context"). Not safe for concurrent use.
type Stream struct {
	MediaID uint64
	Mode    wire.TransportMode

	SendState    SendState
	ReceiveState ReceiveState

	NextSend    wire.GroupObject
	NextOffset  uint64
	Final       wire.GroupObject
	FinalSet    bool
	Start       wire.GroupObject
	StartSet    bool
	CachePolicy bool

	startPointSent   bool
	finalPointSent   bool
	cachePolicySent  bool
	isPeerFinished   bool
	isLocalFinished  bool
	isFinalObjectIDSent bool

	Publisher Publisher
	Consumer  Consumer

	Subscribe *SubscribeRecord

	// URL is the media URL named by the REQUEST or POST that opened this
	// stream; subscribe-prefix matching uses Subscribe.URLPrefix instead.
	URL string
}

// New creates a stream ready to negotiate (receive state not_ready until the
// first REQUEST/POST arrives).
func New() *Stream {
	return &Stream{SendState: SendInitial, ReceiveState: RecvNotReady}
}

// SetFinal records the stream's final boundary, if not already set, so the
// next SendNext call announces it via FIN_DATAGRAM (spec §4.5 priority 2).
// This announcement is sent once, as soon as the boundary becomes known,
// independent of transport mode and independent of the publisher's own
// media_finished signal (which only fires once the data itself has actually
// drained); it is what lets datagram and warp/rush streams — which never
// drive sendSingleStream's own FIN_DATAGRAM — still tell the peer where the
// media ends.
func (s *Stream) SetFinal(group, object uint64) {
	if s.FinalSet {
		return
	}
	s.FinalSet = true
	s.Final = wire.GroupObject{Group: group, Object: object}
}

// NextAction describes what the sender should transmit next, chosen by the
// spec §4.5 priority order (first match wins).
type NextAction struct {
	State   SendState
	Message wire.Message
}

// SendNext evaluates the sender priority chain and returns the next message
// to transmit, or ok=false if the stream has nothing to send right now.
func (s *Stream) SendNext(now time.Time) (NextAction, bool) {
	if s.SendState != SendReady {
		return NextAction{}, false
	}

	if s.StartSet && !s.startPointSent {
		s.startPointSent = true
		return NextAction{State: SendStartPoint, Message: &wire.StartPoint{GroupID: s.Start.Group, ObjectID: s.Start.Object}}, true
	}
	if s.FinalSet && !s.finalPointSent {
		s.finalPointSent = true
		return NextAction{State: SendFinalPoint, Message: &wire.FinDatagram{GroupID: s.Final.Group, ObjectID: s.Final.Object}}, true
	}
	if s.CachePolicy && !s.cachePolicySent {
		s.cachePolicySent = true
		return NextAction{State: SendCachePolicy, Message: &wire.CachePolicy{Flag: true}}, true
	}
	if s.Mode == wire.ModeStream && s.Publisher != nil {
		return s.sendSingleStream(now)
	}
	s.SendState = SendNoMore
	return NextAction{}, false
}

// sendSingleStream implements spec §4.5's single_stream send behavior:
// inline FRAGMENT with payload, FIN_DATAGRAM on media_finished with no
// payload, or a zero-length placeholder FRAGMENT (flags 0xFF) on skip.
func (s *Stream) sendSingleStream(now time.Time) (NextAction, bool) {
	const maxChunk = 4096
	buf := make([]byte, maxChunk)
	n, flags, isNewGroup, objectLength, isMediaFinished, isStillActive, _, err := s.Publisher.GetData(buf, now)
	if err != nil {
		return NextAction{}, false
	}
	if n == 0 && isMediaFinished {
		s.isFinalObjectIDSent = true
		s.SendState = SendReady
		return NextAction{State: SendSingleStream, Message: &wire.FinDatagram{GroupID: s.NextSend.Group, ObjectID: s.NextSend.Object}}, true
	}
	if n == 0 && !isStillActive {
		s.SendState = SendReady
		return NextAction{}, false
	}
	if n == 0 {
		// should_skip: zero-length placeholder fragment.
		_ = s.Publisher.SkipObject()
		s.SendState = SendReady
		return NextAction{State: SendSingleStream, Message: &wire.Fragment{
			GroupID: s.NextSend.Group, ObjectID: s.NextSend.Object, Offset: s.NextOffset, Flags: 0xFF,
		}}, true
	}

	frag := &wire.Fragment{
		GroupID:      s.NextSend.Group,
		ObjectID:     s.NextSend.Object,
		Offset:       s.NextOffset,
		ObjectLength: objectLength,
		Flags:        flags,
		Data:         buf[:n],
	}
	s.NextOffset += uint64(n)
	if s.NextOffset >= objectLength {
		s.NextOffset = 0
		if isNewGroup {
			frag.NbObjectsPreviousGroup = s.NextSend.Object + 1
			s.NextSend = wire.GroupObject{Group: s.NextSend.Group + 1, Object: 0}
		} else {
			s.NextSend.Object++
		}
	}
	s.SendState = SendReady
	return NextAction{State: SendSingleStream, Message: frag}, true
}

// Dispatch routes an inbound message according to the current receive
// state (spec §4.5). Returns *errors.StateViolation if msg arrives in a
// receive state that forbids it.
func (s *Stream) Dispatch(now time.Time, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.Request:
		return s.handleRequest(m)
	case *wire.Post:
		return s.handlePost(m)
	case *wire.Accept:
		return s.handleAccept(m)
	case *wire.StartPoint:
		if s.ReceiveState != RecvFragment {
			return moqerrors.NewStateViolation("stream.dispatch.start_point", s.receiveStateName(), nil)
		}
		if s.Consumer != nil {
			return s.Consumer.StartPoint(m.GroupID, m.ObjectID)
		}
		return nil
	case *wire.CachePolicy:
		if s.ReceiveState != RecvFragment {
			return moqerrors.NewStateViolation("stream.dispatch.cache_policy", s.receiveStateName(), nil)
		}
		if s.Consumer != nil {
			return s.Consumer.RealTimeCache(m.Flag)
		}
		return nil
	case *wire.FinDatagram:
		if s.ReceiveState != RecvFragment {
			return moqerrors.NewStateViolation("stream.dispatch.fin_datagram", s.receiveStateName(), nil)
		}
		if s.Consumer != nil {
			return s.Consumer.FinalObjectID(m.GroupID, m.ObjectID)
		}
		return nil
	case *wire.Fragment:
		if s.ReceiveState != RecvFragment {
			return moqerrors.NewStateViolation("stream.dispatch.fragment", s.receiveStateName(), nil)
		}
		if s.Consumer != nil {
			return s.Consumer.DatagramReady(now, m.GroupID, m.ObjectID, m.Offset, 0, m.Flags, m.NbObjectsPreviousGroup, m.ObjectLength, m.Data)
		}
		return nil
	case *wire.Subscribe:
		s.Subscribe = &SubscribeRecord{URLPrefix: m.URLPrefix}
		s.SendState = SendNotifyReady
		return nil
	case *wire.Notify:
		if s.ReceiveState != RecvNotify {
			return moqerrors.NewStateViolation("stream.dispatch.notify", s.receiveStateName(), nil)
		}
		return nil
	default:
		return moqerrors.NewMalformedMessage("stream.dispatch", nil)
	}
}

func (s *Stream) handleRequest(m *wire.Request) error {
	s.URL = m.URL
	s.Mode = m.TransportMode
	s.Start = m.SubscribeIntent.StartPoint
	s.StartSet = s.Start != (wire.GroupObject{})
	s.ReceiveState = RecvFragment
	s.SendState = SendReady
	return nil
}

func (s *Stream) handlePost(m *wire.Post) error {
	s.URL = m.URL
	s.Mode = m.TransportMode
	s.CachePolicy = m.CachePolicy
	s.Start = m.Start
	s.StartSet = m.Start != (wire.GroupObject{})
	s.ReceiveState = RecvFragment
	return nil
}

func (s *Stream) handleAccept(m *wire.Accept) error {
	s.MediaID = m.MediaID
	s.Mode = m.TransportMode
	s.ReceiveState = RecvFragment
	s.SendState = SendReady
	return nil
}

func (s *Stream) receiveStateName() string {
	switch s.ReceiveState {
	case RecvNotReady:
		return "not_ready"
	case RecvInitial:
		return "initial"
	case RecvFragment:
		return "fragment"
	case RecvNotify:
		return "notify"
	case RecvDone:
		return "done"
	default:
		return "unknown"
	}
}

// HandleFin processes a FIN frame arriving on the underlying transport
// stream. Sets isPeerFinished; if isLocalFinished is already set the stream
// is ready for deletion (the caller removes it from the connection).
// Otherwise only the peer's FIN is recorded: the send state is left as it
// is and no FIN is sent from here.
func (s *Stream) HandleFin() (deleteNow bool) {
	s.isPeerFinished = true
	if s.isLocalFinished {
		s.ReceiveState = RecvDone
		return true
	}
	return false
}

// MarkLocalFinished is called once the sender has emitted its own FIN.
func (s *Stream) MarkLocalFinished() (deleteNow bool) {
	s.isLocalFinished = true
	if s.isPeerFinished {
		s.ReceiveState = RecvDone
		return true
	}
	return false
}

// EnqueueNotify appends url to the subscribe record's pending queue if
// urlPrefix matches (spec §4.8's subscribe-prefix matching). Returns true if
// enqueued.
func (s *Stream) EnqueueNotify(url string) bool {
	if s.Subscribe == nil || s.SendState != SendNotifyReady {
		return false
	}
	if len(url) < len(s.Subscribe.URLPrefix) || url[:len(s.Subscribe.URLPrefix)] != s.Subscribe.URLPrefix {
		return false
	}
	s.Subscribe.Pending = append(s.Subscribe.Pending, url)
	return true
}

// DrainNotify pops the next pending notify URL, if any.
func (s *Stream) DrainNotify() (string, bool) {
	if s.Subscribe == nil || len(s.Subscribe.Pending) == 0 {
		return "", false
	}
	url := s.Subscribe.Pending[0]
	s.Subscribe.Pending = s.Subscribe.Pending[1:]
	return url, true
}
