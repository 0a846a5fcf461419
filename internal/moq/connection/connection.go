// Package connection implements the per-connection control-and-data
// protocol: it owns the bidirectional control streams and unidirectional
// substreams of one transport connection, dispatches the external
// transport callbacks into the leaf engines (wire, cache, reassembly,
// ackhorizon, stream, substream), and routes datagrams and substream
// traffic to the right stream by media_id, tying the leaf components into
// one connection-scoped state machine.
package connection

import (
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/ackhorizon"
	"github.com/alxayo/go-moqrelay/internal/moq/cache"
	"github.com/alxayo/go-moqrelay/internal/moq/node"
	"github.com/alxayo/go-moqrelay/internal/moq/reassembly"
	"github.com/alxayo/go-moqrelay/internal/moq/stream"
	"github.com/alxayo/go-moqrelay/internal/moq/substream"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"

	moqerrors "github.com/alxayo/go-moqrelay/internal/errors"
)

// StreamIsBidi reports whether streamID names a bidirectional stream (spec
// §6: "bit 1 distinguishes bidirectional (0) from unidirectional (1)").
func StreamIsBidi(streamID uint64) bool { return streamID&0x2 == 0 }

// StreamIsClientInitiated reports whether streamID's low bit marks it
// client-initiated.
func StreamIsClientInitiated(streamID uint64) bool { return streamID&0x1 == 0 }

// StreamContext is the per-bidirectional-stream state bundle: the protocol
// state machine plus whichever of {ack/horizon engine, fragment cache,
// reassembler} this stream's role (sender/consumer) requires.
type StreamContext struct {
	ID          uint64
	Stream      *stream.Stream
	Ack         *ackhorizon.Engine
	Cache       *cache.Cache
	Reassembler *reassembly.Reassembler

	// Datagram wraps Stream for the round-robin datagram scheduler (spec
	// §4.7) once the stream's mode is known to be datagram.
	Datagram *node.StreamWithPublisher

	// nextGroup tracks the next warp/rush group to open a substream for,
	// seeded from the stream's start point.
	nextGroup       uint64
	substreamSender *substream.Sender
	substreamWrite  func([]byte) error
	substreamClose  func() error

	readBuf []byte
}

// SubstreamContext is the per-unidirectional-stream state bundle (spec
// §3's "unidirectional stream context"): the warp/rush send or receive
// state machine, plus the control stream id it belongs to.
type SubstreamContext struct {
	ID         uint64
	ControlID  uint64
	Sender     *substream.Sender
	Receiver   *substream.Receiver
	bound      bool
	readBuf    []byte
}

// EventSink receives the lifecycle notifications spec §4.8/§C describe
// (source registration, subscription accept, consumer-finished, connection
// close). Implementations may fan these into the generalized hooks system.
type EventSink interface {
	OnSourceRegistered(url string)
	OnSubscriptionAccepted(mediaID uint64, url string)
	OnConsumerFinished(mediaID uint64)
	OnConnectionClosed(reason stream.CloseReason, code uint64)
}

// noopSink discards every event; used when the caller supplies no sink.
type noopSink struct{}

func (noopSink) OnSourceRegistered(string)                          {}
func (noopSink) OnSubscriptionAccepted(uint64, string)               {}
func (noopSink) OnConsumerFinished(uint64)                           {}
func (noopSink) OnConnectionClosed(stream.CloseReason, uint64)       {}

// Connection owns every stream and substream context for one transport
// connection (spec §3's connection context) plus the back-pointer to the
// shared subscription Manager (spec §4.8; a node serving many peers holds
// one Connection per peer, all pointing at the same Manager).
type Connection struct {
	ID      uint64
	Manager *node.Manager
	Sink    EventSink

	AckConfig   ackhorizon.Config
	CacheMaxAge time.Duration

	// NewAppConsumer builds the application-level delivery target for an
	// inbound publication (a POST accepted by this connection). May be nil,
	// in which case reassembled objects are delivered to discardConsumer.
	NewAppConsumer func(mediaID uint64, url string) reassembly.Consumer

	// WriteControl, SendDatagramFunc and OpenSubstream bind the connection
	// to its underlying transport (e.g. transportquic.Transport) for the
	// send direction. Left nil, the corresponding Pump* method is a no-op —
	// this lets the leaf engines and the Connection itself stay ignorant of
	// any particular transport, the way Sink already does for the receive
	// direction.
	WriteControl    func(streamID uint64, frame []byte) error
	SendDatagramFunc func(payload []byte) error
	OpenSubstream    func() (write func([]byte) error, closeFn func() error, err error)

	// CongestionPolicy, when set, builds the should_skip policy (spec §4.6
	// step 3) for each newly opened warp/rush substream. Nil means every
	// substream sends unconditionally (substream.AlwaysSend).
	CongestionPolicy func() substream.CongestionPolicy

	streams    map[uint64]*StreamContext
	substreams map[uint64]*SubstreamContext
	byMediaID  map[uint64]*StreamContext

	scheduler *node.Scheduler
	timeCheck *node.TimeCheck
}

// New creates an empty connection context bound to mgr. sink may be nil, in
// which case lifecycle events are discarded.
func New(id uint64, mgr *node.Manager, sink EventSink, ackCfg ackhorizon.Config, cacheMaxAge time.Duration) *Connection {
	if sink == nil {
		sink = noopSink{}
	}
	return &Connection{
		ID:          id,
		Manager:     mgr,
		Sink:        sink,
		AckConfig:   ackCfg,
		CacheMaxAge: cacheMaxAge,
		streams:     make(map[uint64]*StreamContext),
		substreams:  make(map[uint64]*SubstreamContext),
		byMediaID:   make(map[uint64]*StreamContext),
	}
}

// openControlStream registers a freshly opened bidirectional stream,
// creating its protocol state machine lazily on first use.
func (c *Connection) openControlStream(streamID uint64) *StreamContext {
	if sc, ok := c.streams[streamID]; ok {
		return sc
	}
	sc := &StreamContext{ID: streamID, Stream: stream.New()}
	c.streams[streamID] = sc
	return sc
}

// OnStreamData implements the transport callback of the same name (spec
// §6): bytes arriving on streamID are appended to that stream's read
// buffer and decoded as length-prefixed control frames (bidirectional) or
// substream messages (unidirectional) until the buffer is exhausted of
// whole frames.
func (c *Connection) OnStreamData(now time.Time, streamID uint64, data []byte, fin bool) error {
	if StreamIsBidi(streamID) {
		return c.onControlData(now, streamID, data, fin)
	}
	return c.onSubstreamData(now, streamID, data, fin)
}

func (c *Connection) onControlData(now time.Time, streamID uint64, data []byte, fin bool) error {
	sc := c.openControlStream(streamID)
	sc.readBuf = append(sc.readBuf, data...)

	for {
		msg, n, err := wire.Decode(sc.readBuf)
		if err != nil {
			// Not enough bytes yet is indistinguishable from a malformed
			// frame at this layer only by length; Decode already treats a
			// too-short buffer for the *declared* length as malformed, so
			// guard the common "haven't seen the length prefix yet" case
			// separately.
			if len(sc.readBuf) < 2 {
				break
			}
			return err
		}
		sc.readBuf = sc.readBuf[n:]
		if err := c.dispatchControl(now, sc, msg); err != nil {
			return err
		}
	}

	if fin {
		if sc.Stream.HandleFin() {
			delete(c.streams, streamID)
		}
	}
	return nil
}

func (c *Connection) dispatchControl(now time.Time, sc *StreamContext, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.Request:
		if err := sc.Stream.Dispatch(now, m); err != nil {
			return err
		}
		accept := c.Manager.AcceptMedia(sc.Stream, m.TransportMode, false, m.SubscribeIntent.StartPoint.Group, m.SubscribeIntent.StartPoint.Object)
		c.bindMediaID(sc, accept.MediaID)
		// The REQUEST side is the publisher role: every fragment handed to
		// the transport from here needs ack/horizon tracking, the same as
		// the POST side's *wire.Accept branch below.
		sc.Ack = ackhorizon.New(c.AckConfig)
		sc.nextGroup = m.SubscribeIntent.StartPoint.Group
		if src, lookupErr := c.Manager.LookupSource(m.URL); lookupErr == nil {
			sc.Cache = src.Cache
			pub := NewCachePublisher(src.Cache, m.SubscribeIntent.StartPoint.Group, m.SubscribeIntent.StartPoint.Object)
			sc.Stream.Publisher = pub
		}
		if m.TransportMode == wire.ModeDatagram {
			sc.Datagram = &node.StreamWithPublisher{Stream: sc.Stream, Active: true, Ack: sc.Ack}
		}
		c.Sink.OnSubscriptionAccepted(accept.MediaID, m.URL)
		return nil
	case *wire.Post:
		if err := sc.Stream.Dispatch(now, m); err != nil {
			return err
		}
		// Open Question 1 (resolved in DESIGN.md): POST carries the same
		// start-point semantics as REQUEST.
		accept := c.Manager.AcceptMedia(sc.Stream, m.TransportMode, m.CachePolicy, m.Start.Group, m.Start.Object)
		c.bindMediaID(sc, accept.MediaID)
		sc.Cache = cache.New(c.CacheMaxAge)
		sc.Reassembler = reassembly.New(c.appConsumer(accept.MediaID, m.URL), c.CacheMaxAge)
		sc.Stream.Consumer = NewReassemblyAdapter(sc.Reassembler)
		if c.WriteControl != nil {
			frame, err := wire.Encode(accept)
			if err != nil {
				return err
			}
			if err := c.WriteControl(sc.ID, frame); err != nil {
				return err
			}
		}
		return nil
	case *wire.Accept:
		if err := sc.Stream.Dispatch(now, m); err != nil {
			return err
		}
		c.bindMediaID(sc, m.MediaID)
		sc.Ack = ackhorizon.New(c.AckConfig)
		return nil
	case *wire.Subscribe:
		return sc.Stream.Dispatch(now, m)
	case *wire.Notify:
		return sc.Stream.Dispatch(now, m)
	default:
		// START_POINT / CACHE_POLICY / FIN_DATAGRAM / FRAGMENT: valid only
		// in receive state "fragment" (spec §4.5), enforced by Dispatch.
		if frag, ok := msg.(*wire.Fragment); ok && sc.Cache != nil {
			_ = sc.Cache.Insert(cache.Record{
				Key:                    cache.Key{Group: frag.GroupID, Object: frag.ObjectID, Offset: frag.Offset},
				Data:                   frag.Data,
				ObjectLength:           frag.ObjectLength,
				Flags:                  frag.Flags,
				NbObjectsPreviousGroup: frag.NbObjectsPreviousGroup,
			})
		}
		err := sc.Stream.Dispatch(now, msg)
		if moqerrors.IsConsumerFinished(err) {
			c.Sink.OnConsumerFinished(sc.Stream.MediaID)
			return nil
		}
		return err
	}
}

// discardConsumer is the default reassembly.Consumer used when no
// application-level factory is configured; it drops every delivered object.
type discardConsumer struct{}

func (discardConsumer) Deliver(mode reassembly.Mode, group, object uint64, data []byte) error {
	return nil
}

func (c *Connection) appConsumer(mediaID uint64, url string) reassembly.Consumer {
	if c.NewAppConsumer == nil {
		return discardConsumer{}
	}
	return c.NewAppConsumer(mediaID, url)
}

// bindMediaID indexes sc by its now-known media_id so datagrams and
// substreams referencing that media_id route to it.
func (c *Connection) bindMediaID(sc *StreamContext, mediaID uint64) {
	sc.Stream.MediaID = mediaID
	c.byMediaID[mediaID] = sc
}

func (c *Connection) onSubstreamData(now time.Time, streamID uint64, data []byte, fin bool) error {
	ssc, ok := c.substreams[streamID]
	if !ok {
		ssc = &SubstreamContext{ID: streamID}
		c.substreams[streamID] = ssc
	}
	ssc.readBuf = append(ssc.readBuf, data...)

	for {
		msg, n, err := wire.Decode(ssc.readBuf)
		if err != nil {
			if len(ssc.readBuf) < 2 {
				break
			}
			return err
		}
		ssc.readBuf = ssc.readBuf[n:]
		if err := c.dispatchSubstream(now, ssc, msg); err != nil {
			return err
		}
	}

	if fin {
		delete(c.substreams, streamID)
	}
	return nil
}

func (c *Connection) dispatchSubstream(now time.Time, ssc *SubstreamContext, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.WarpHeader:
		owner, ok := c.byMediaID[m.MediaID]
		if !ok {
			return moqerrors.NewStateViolation("connection.substream.warp_header", "unknown_media_id", nil)
		}
		if owner.Reassembler == nil {
			owner.Reassembler = reassembly.New(c.appConsumer(owner.Stream.MediaID, owner.Stream.URL), c.CacheMaxAge)
		}
		ssc.ControlID = owner.ID
		ssc.Receiver = substream.NewReceiver(false, owner.Reassembler)
		ssc.bound = true
		return ssc.Receiver.HandleWarpHeader(m)
	case *wire.ObjectHeader:
		if !ssc.bound {
			return moqerrors.NewStateViolation("connection.substream.object_header", "unbound", nil)
		}
		return ssc.Receiver.HandleObjectHeader(now, m)
	case *wire.Fragment:
		if !ssc.bound {
			return moqerrors.NewStateViolation("connection.substream.fragment", "unbound", nil)
		}
		return ssc.Receiver.HandleFragment(now, m)
	default:
		return moqerrors.NewMalformedMessage("connection.substream.dispatch", nil)
	}
}

// OnDatagram implements the transport callback: decodes the datagram
// header, inserts the fragment into the owning stream's cache (if any),
// and feeds it to the owning stream's consumer via reassembly.
func (c *Connection) OnDatagram(now time.Time, data []byte) error {
	h, err := wire.DecodeDatagram(data)
	if err != nil {
		return err
	}
	sc, ok := c.byMediaID[h.MediaID]
	if !ok {
		return moqerrors.NewStateViolation("connection.datagram", "unknown_media_id", nil)
	}
	if sc.Cache != nil {
		_ = sc.Cache.Insert(cache.Record{
			Key:                    cache.Key{Group: h.GroupID, Object: h.ObjectID, Offset: h.ObjectOffset},
			Data:                   h.Data,
			ObjectLength:           h.ObjectLength,
			Flags:                  h.Flags,
			NbObjectsPreviousGroup: h.NbObjectsPreviousGroup,
		})
	}
	if sc.Stream.Consumer != nil {
		err := sc.Stream.Consumer.DatagramReady(now, h.GroupID, h.ObjectID, h.ObjectOffset, h.QueueDelay, h.Flags, h.NbObjectsPreviousGroup, h.ObjectLength, h.Data)
		if moqerrors.IsConsumerFinished(err) {
			c.Sink.OnConsumerFinished(h.MediaID)
			return nil
		}
		return err
	}
	return nil
}

// OnDatagramAcked implements the transport callback: decodes the
// previously-sent datagram's bytes to recover its identity and routes the
// ack into the owning stream's ack/horizon engine.
func (c *Connection) OnDatagramAcked(bytes []byte) error {
	h, err := wire.DecodeDatagram(bytes)
	if err != nil {
		return err
	}
	sc, ok := c.byMediaID[h.MediaID]
	if !ok || sc.Ack == nil {
		return nil
	}
	sc.Ack.HandleAck(h.GroupID, h.ObjectID, h.ObjectOffset, uint64(len(h.Data)))
	return nil
}

// OnDatagramLost implements the transport callback: routes the loss into
// the owning stream's ack/horizon engine, which schedules an immediate
// repeat (spec §4.4's handle_lost). encode re-serializes the retransmitted
// datagram(s); the caller is responsible for actually sending them.
func (c *Connection) OnDatagramLost(now time.Time, bytes []byte) ([][]byte, error) {
	h, err := wire.DecodeDatagram(bytes)
	if err != nil {
		return nil, err
	}
	sc, ok := c.byMediaID[h.MediaID]
	if !ok || sc.Ack == nil {
		return nil, nil
	}
	out := sc.Ack.HandleLost(h.GroupID, h.ObjectID, h.ObjectOffset, now, h.Data, func(hdr *wire.DatagramHeader) []byte {
		hdr.MediaID = h.MediaID
		return wire.EncodeDatagram(hdr)
	})
	return out, nil
}

// OnDatagramSpurious implements the transport callback: spec §6 lists it
// among the datagram outcomes, but the core takes no corrective action on a
// spurious-loss report (the ack/horizon engine already discards duplicate
// data idempotently per spec §4.2's insert invariant) — this is a no-op
// kept for interface completeness, matching spec §8 scenario S6's "the
// duplicate is discarded (no invariant violation)".
func (c *Connection) OnDatagramSpurious(bytes []byte) {}

// OnStreamReset implements the transport callback for a peer-initiated
// stream reset: the stream is torn down without a graceful FIN exchange.
func (c *Connection) OnStreamReset(streamID uint64) {
	delete(c.streams, streamID)
	delete(c.substreams, streamID)
}

// OnStopSending implements the transport callback for a peer asking us to
// stop sending on streamID.
func (c *Connection) OnStopSending(streamID uint64) {
	if sc, ok := c.streams[streamID]; ok {
		sc.Stream.SendState = stream.SendNoMore
	}
}

// OnClose implements the transport callback fired once per connection
// close: every stream's publisher/consumer is notified with reason.
func (c *Connection) OnClose(reason stream.CloseReason, code uint64) {
	for _, sc := range c.streams {
		if sc.Stream.Publisher != nil {
			sc.Stream.Publisher.Close(reason)
		}
		if sc.Stream.Consumer != nil {
			sc.Stream.Consumer.Close(reason)
		}
	}
	c.Sink.OnConnectionClosed(reason, code)
}

// StreamContexts exposes the live control streams for the scheduler and
// time-check hook to iterate (spec §4.7/§4.9).
func (c *Connection) StreamContexts() map[uint64]*StreamContext { return c.streams }

// PumpControl advances every ready control stream's sender one step (spec
// §4.5's priority chain) and writes the resulting frame out via
// WriteControl. Called by the transport driver on every "ready to write"
// wakeup; a stream with nothing queued is skipped.
func (c *Connection) PumpControl(now time.Time) {
	if c.WriteControl == nil {
		return
	}
	for id, sc := range c.streams {
		c.syncFinalPoint(sc)
		action, ok := sc.Stream.SendNext(now)
		if !ok {
			continue
		}
		frame, err := wire.Encode(action.Message)
		if err != nil {
			continue
		}
		if err := c.WriteControl(id, frame); err != nil {
			continue
		}
		if _, isFin := action.Message.(*wire.FinDatagram); isFin && sc.Stream.Mode == wire.ModeStream {
			sc.Stream.MarkLocalFinished()
		}
	}
}

// PumpDatagrams drives the round-robin datagram scheduler (spec §4.7) and
// hands every produced payload to SendDatagramFunc, repeating while the
// scheduler reports another stream still has data queued.
func (c *Connection) PumpDatagrams(now time.Time) {
	if c.SendDatagramFunc == nil {
		return
	}
	c.refreshScheduler()
	if c.scheduler == nil {
		return
	}
	for {
		payload, more, ok := c.scheduler.NextDatagram(now)
		if !ok {
			return
		}
		_ = c.SendDatagramFunc(payload)
		if !more {
			return
		}
	}
}

// syncFinalPoint copies a newly-learned end-of-media boundary from sc's
// fragment cache onto its Stream, if any has been learned and the stream
// hasn't already announced one. This is the control-plane path (spec
// §4.5 priority 2's FIN_DATAGRAM) that lets datagram and warp/rush
// transport modes signal end-of-media, since neither drives
// sendSingleStream's own FIN_DATAGRAM emission.
func (c *Connection) syncFinalPoint(sc *StreamContext) {
	if sc.Cache == nil || sc.Stream.FinalSet {
		return
	}
	if g, o, ok := sc.Cache.FinalPoint(); ok {
		sc.Stream.SetFinal(g, o)
	}
}

func (c *Connection) refreshScheduler() {
	var streams []node.DatagramStream
	for _, sc := range c.streams {
		if sc.Datagram != nil {
			streams = append(streams, sc.Datagram)
		}
	}
	if len(streams) == 0 {
		c.scheduler = nil
		return
	}
	if c.scheduler == nil {
		c.scheduler = node.NewScheduler(streams)
		return
	}
	c.scheduler.SetStreams(streams)
}

// PumpSubstreams drives every warp/rush control stream's outbound
// substream one step: opening a fresh unidirectional substream via
// OpenSubstream when none is active, writing the next WARP_HEADER/
// OBJECT_HEADER/FRAGMENT the substream.Sender produces, and closing the
// substream once it reports done (spec §4.6).
func (c *Connection) PumpSubstreams(now time.Time) {
	if c.OpenSubstream == nil {
		return
	}
	for _, sc := range c.streams {
		if sc.Stream.Mode != wire.ModeWarp && sc.Stream.Mode != wire.ModeRush {
			continue
		}
		if sc.Cache == nil || sc.Stream.MediaID == 0 {
			continue
		}
		c.pumpOneSubstream(sc)
	}
}

func (c *Connection) pumpOneSubstream(sc *StreamContext) {
	if sc.substreamSender == nil {
		if _, ok := sc.Cache.GetObjectProperties(sc.nextGroup, 0); !ok {
			return // nothing ready to send for this group yet
		}
		write, closeFn, err := c.OpenSubstream()
		if err != nil {
			return
		}
		rush := sc.Stream.Mode == wire.ModeRush
		var policy substream.CongestionPolicy
		if c.CongestionPolicy != nil {
			policy = c.CongestionPolicy()
		}
		sc.substreamSender = substream.NewSender(sc.Stream.MediaID, sc.nextGroup, rush, sc.Cache, policy)
		sc.substreamWrite = write
		sc.substreamClose = closeFn
	}

	if count, ok := sc.Cache.GetObjectCount(sc.substreamSender.Group); ok {
		sc.substreamSender.SetLastObjectID(count)
	}

	msg, ok := sc.substreamSender.NextMessage()
	if !ok {
		return
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return
	}
	_ = sc.substreamWrite(frame)

	if sc.substreamSender.IsDone() {
		if sc.substreamClose != nil {
			_ = sc.substreamClose()
		}
		sc.nextGroup = sc.substreamSender.Group + 1
		sc.substreamSender = nil
		sc.substreamWrite = nil
		sc.substreamClose = nil
	}
}

// PumpTimeCheck runs one spec §4.9 time_check pass over every stream with
// an ack/horizon engine, retransmitting any due extra-repeat fragments via
// SendDatagramFunc, and returns the time this method should next be called.
// transportNextWakeup folds in the transport's own pending deadline, if any.
func (c *Connection) PumpTimeCheck(now time.Time, transportNextWakeup func(time.Time) (time.Time, bool)) time.Time {
	if c.timeCheck == nil {
		c.timeCheck = &node.TimeCheck{CacheDurationMax: c.CacheMaxAge}
	}
	c.timeCheck.TransportNextWakeup = transportNextWakeup
	c.timeCheck.Streams = c.extraRepeatStreams()
	return c.timeCheck.Run(now)
}

func (c *Connection) extraRepeatStreams() []node.ExtraRepeatStream {
	var out []node.ExtraRepeatStream
	for _, sc := range c.streams {
		if sc.Ack == nil {
			continue
		}
		sc := sc
		out = append(out, node.ExtraRepeatStream{
			Engine: sc.Ack,
			DataFor: func(r *ackhorizon.Record) []byte {
				if sc.Cache == nil {
					return nil
				}
				return sc.Cache.CopyAvailableData(r.Group, r.Object, r.Offset, int(r.Length))
			},
			Encode: func(h *wire.DatagramHeader) []byte {
				h.MediaID = sc.Stream.MediaID
				return wire.EncodeDatagram(h)
			},
			Emit: func(payload []byte) {
				if c.SendDatagramFunc != nil {
					_ = c.SendDatagramFunc(payload)
				}
			},
		})
	}
	return out
}
