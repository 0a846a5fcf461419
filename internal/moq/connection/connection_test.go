package connection

import (
	"testing"
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/ackhorizon"
	"github.com/alxayo/go-moqrelay/internal/moq/node"
	"github.com/alxayo/go-moqrelay/internal/moq/reassembly"
	"github.com/alxayo/go-moqrelay/internal/moq/stream"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"
)

type recordingSink struct {
	sourceRegistered     []string
	subscriptionAccepted []uint64
	consumerFinished     []uint64
	connectionClosed     int
}

func (r *recordingSink) OnSourceRegistered(url string) { r.sourceRegistered = append(r.sourceRegistered, url) }
func (r *recordingSink) OnSubscriptionAccepted(mediaID uint64, url string) {
	r.subscriptionAccepted = append(r.subscriptionAccepted, mediaID)
}
func (r *recordingSink) OnConsumerFinished(mediaID uint64) {
	r.consumerFinished = append(r.consumerFinished, mediaID)
}
func (r *recordingSink) OnConnectionClosed(reason stream.CloseReason, code uint64) {
	r.connectionClosed++
}

type collectingConsumer struct {
	delivered [][]byte
}

func (c *collectingConsumer) Deliver(mode reassembly.Mode, group, object uint64, data []byte) error {
	c.delivered = append(c.delivered, append([]byte(nil), data...))
	return nil
}

func newTestConnection(sink EventSink) (*Connection, *node.Manager) {
	mgr := node.NewManager()
	c := New(1, mgr, sink, ackhorizon.Config{}, 30*time.Second)
	return c, mgr
}

func TestDispatchPostThenFragmentDeliversObject(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestConnection(sink)

	collected := &collectingConsumer{}
	c.NewAppConsumer = func(mediaID uint64, url string) reassembly.Consumer { return collected }

	const controlStream = uint64(0) // client-initiated bidi (low 2 bits clear)

	post, err := wire.Encode(&wire.Post{URL: "video/camA", TransportMode: wire.ModeStream})
	if err != nil {
		t.Fatalf("encode post: %v", err)
	}
	if err := c.OnStreamData(time.Now(), controlStream, post, false); err != nil {
		t.Fatalf("dispatch post: %v", err)
	}

	frag, err := wire.Encode(&wire.Fragment{GroupID: 0, ObjectID: 0, Offset: 0, ObjectLength: 5, Data: []byte("hello")})
	if err != nil {
		t.Fatalf("encode fragment: %v", err)
	}
	if err := c.OnStreamData(time.Now(), controlStream, frag, false); err != nil {
		t.Fatalf("dispatch fragment: %v", err)
	}

	if len(collected.delivered) != 1 || string(collected.delivered[0]) != "hello" {
		t.Fatalf("expected object delivered, got %+v", collected.delivered)
	}
}

func TestDispatchRequestBindsMediaIDAndNotifiesSink(t *testing.T) {
	sink := &recordingSink{}
	c, mgr := newTestConnection(sink)
	mgr.PublishObjectSource("video/camA", 0, 0, 30*time.Second)

	const controlStream = uint64(0)
	req, err := wire.Encode(&wire.Request{URL: "video/camA", TransportMode: wire.ModeStream})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := c.OnStreamData(time.Now(), controlStream, req, false); err != nil {
		t.Fatalf("dispatch request: %v", err)
	}

	if len(sink.subscriptionAccepted) != 1 {
		t.Fatalf("expected one subscription-accepted event, got %d", len(sink.subscriptionAccepted))
	}
	sc, ok := c.streams[controlStream]
	if !ok {
		t.Fatalf("expected stream context to exist")
	}
	if sc.Stream.MediaID == 0 {
		t.Fatalf("expected media id to be assigned")
	}
	if sc.Stream.Publisher == nil {
		t.Fatalf("expected a cache-backed publisher to be wired for the known source")
	}
}

func TestOnDatagramRoutesToBoundStream(t *testing.T) {
	sink := &recordingSink{}
	c, mgr := newTestConnection(sink)
	_ = mgr

	const controlStream = uint64(0)
	post, _ := wire.Encode(&wire.Post{URL: "video/camA", TransportMode: wire.ModeDatagram})
	if err := c.OnStreamData(time.Now(), controlStream, post, false); err != nil {
		t.Fatalf("dispatch post: %v", err)
	}
	sc := c.streams[controlStream]
	mediaID := sc.Stream.MediaID

	hdr := &wire.DatagramHeader{MediaID: mediaID, GroupID: 0, ObjectID: 0, ObjectLength: 3, Data: []byte("abc")}
	dgram := wire.EncodeDatagram(hdr)

	if err := c.OnDatagram(time.Now(), dgram); err != nil {
		t.Fatalf("dispatch datagram: %v", err)
	}
}

func TestOnCloseNotifiesEverySink(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestConnection(sink)

	const controlStream = uint64(0)
	post, _ := wire.Encode(&wire.Post{URL: "video/camA", TransportMode: wire.ModeStream})
	if err := c.OnStreamData(time.Now(), controlStream, post, false); err != nil {
		t.Fatalf("dispatch post: %v", err)
	}

	c.OnClose(stream.CloseQUICConnection, 0)
	if sink.connectionClosed != 1 {
		t.Fatalf("expected connection-closed event, got %d", sink.connectionClosed)
	}
}

// TestPumpControlSendsFinalPointForDatagramSubscriber covers the datagram
// transport mode's only path for announcing end-of-media: a datagram
// stream has no Publisher driving sendSingleStream's own FIN_DATAGRAM, so
// syncFinalPoint copying the boundary from the source's cache onto the
// stream is what makes PumpControl ever emit one.
func TestPumpControlSendsFinalPointForDatagramSubscriber(t *testing.T) {
	sink := &recordingSink{}
	c, mgr := newTestConnection(sink)
	mgr.PublishObjectSource("video/camA", 0, 0, 30*time.Second)

	var written []byte
	c.WriteControl = func(streamID uint64, frame []byte) error {
		written = append(written, frame...)
		return nil
	}

	const controlStream = uint64(0)
	req, _ := wire.Encode(&wire.Request{URL: "video/camA", TransportMode: wire.ModeDatagram})
	if err := c.OnStreamData(time.Now(), controlStream, req, false); err != nil {
		t.Fatalf("dispatch request: %v", err)
	}

	if err := mgr.PublishObjectFin("video/camA", 4, 0); err != nil {
		t.Fatalf("publish fin: %v", err)
	}

	c.PumpControl(time.Now())

	if len(written) == 0 {
		t.Fatalf("expected a frame to be written")
	}
	msg, _, err := wire.Decode(written)
	if err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	fin, ok := msg.(*wire.FinDatagram)
	if !ok {
		t.Fatalf("expected FinDatagram, got %T", msg)
	}
	if fin.GroupID != 4 || fin.ObjectID != 0 {
		t.Fatalf("unexpected fin boundary: %+v", fin)
	}
}

func TestOnStreamResetClearsState(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestConnection(sink)

	const controlStream = uint64(0)
	post, _ := wire.Encode(&wire.Post{URL: "video/camA", TransportMode: wire.ModeStream})
	if err := c.OnStreamData(time.Now(), controlStream, post, false); err != nil {
		t.Fatalf("dispatch post: %v", err)
	}
	c.OnStreamReset(controlStream)
	if _, ok := c.streams[controlStream]; ok {
		t.Fatalf("expected stream context to be removed after reset")
	}
}
