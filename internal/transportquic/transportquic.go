// Package transportquic adapts a github.com/quic-go/quic-go connection to
// the narrow transport callback contract the moq core assumes of its
// caller: OnStreamData, OnDatagram(Acked|Lost|Spurious), OnStreamReset,
// OnStopSending and OnClose. Socket handling lives entirely here so the
// core types never touch a net.Conn or quic.Connection directly.
package transportquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/alxayo/go-moqrelay/internal/logger"
	"github.com/alxayo/go-moqrelay/internal/moq/connection"
	"github.com/alxayo/go-moqrelay/internal/moq/stream"
)

// Sink is the subset of *connection.Connection the transport drives. It is
// an interface so tests can substitute a fake without building a real
// connection.Connection.
type Sink interface {
	OnStreamData(now time.Time, streamID uint64, data []byte, fin bool) error
	OnDatagram(now time.Time, data []byte) error
	OnDatagramAcked(bytes []byte) error
	OnDatagramLost(now time.Time, bytes []byte) ([][]byte, error)
	OnDatagramSpurious(bytes []byte)
	OnStreamReset(streamID uint64)
	OnStopSending(streamID uint64)
	OnClose(reason stream.CloseReason, code uint64)
}

var _ Sink = (*connection.Connection)(nil)

// Pump is the subset of *connection.Connection the transport drives for
// the send direction: control-stream sends, the datagram scheduler,
// warp/rush substream sends, and the time_check retransmission/cache pass.
type Pump interface {
	PumpControl(now time.Time)
	PumpDatagrams(now time.Time)
	PumpSubstreams(now time.Time)
	PumpTimeCheck(now time.Time, transportNextWakeup func(time.Time) (time.Time, bool)) time.Time
}

var _ Pump = (*connection.Connection)(nil)

// pumpTickInterval bounds how long the pump loop waits for new data when
// time_check reports nothing pending: publisher backlog becoming available
// (a new local frame, a cache insert) isn't itself a wakeup event, so a
// ceiling keeps it from waiting the full 24h sentinel.
const pumpTickInterval = 5 * time.Millisecond

const pumpMaxWait = time.Second

// qconn narrows quic.Connection to what Transport needs, so tests can
// substitute a fake implementation.
type qconn interface {
	AcceptStream(context.Context) (quic.Stream, error)
	AcceptUniStream(context.Context) (quic.ReceiveStream, error)
	OpenStream() (quic.Stream, error)
	OpenUniStream() (quic.SendStream, error)
	OpenStreamSync(context.Context) (quic.Stream, error)
	OpenUniStreamSync(context.Context) (quic.SendStream, error)
	ReceiveDatagram(context.Context) ([]byte, error)
	SendDatagram([]byte) error
	CloseWithError(quic.ApplicationErrorCode, string) error
	Context() context.Context
	RemoteAddr() net.Addr
}

var _ qconn = (quic.Connection)(nil)

// Transport drives one accepted quic.Connection: it spawns a read goroutine
// per stream, a datagram read goroutine, and exposes OpenStream/
// OpenUniStream/SendDatagram so the caller's node.Manager/fanout can push
// data back out, all under a single context+cancel+WaitGroup lifecycle.
type Transport struct {
	id     string
	conn   qconn
	sink   Sink
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[uint64]writeCloser
	closed  bool
}

type writeCloser interface {
	Write([]byte) (int, error)
	Close() error
}

var transportCounter uint64

func nextID() string { return fmt.Sprintf("q%06d", atomic.AddUint64(&transportCounter, 1)) }

// New wraps an already-accepted or already-dialed quic.Connection, wiring
// its streams and datagrams into sink. Call Run to begin servicing it.
func New(conn quic.Connection, sink Sink) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	id := nextID()
	return &Transport{
		id:      id,
		conn:    conn,
		sink:    sink,
		log:     logger.WithConn(logger.Logger(), id, conn.RemoteAddr().String()),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint64]writeCloser),
	}
}

// Run services the connection until it closes or ctx is cancelled: when
// openControl is set it opens the first bidirectional control stream, then
// it accepts further
// bidirectional and unidirectional streams and datagrams for the
// connection's lifetime. Run blocks; callers typically invoke it in its
// own goroutine per accepted connection.
func (t *Transport) Run(openControl bool) error {
	t.wg.Add(1)
	go t.datagramLoop()

	if openControl {
		if _, err := t.OpenStream(true); err != nil {
			return fmt.Errorf("transportquic: open control stream: %w", err)
		}
	}

	for {
		select {
		case <-t.ctx.Done():
			t.wg.Wait()
			return nil
		default:
		}

		str, err := t.conn.AcceptStream(t.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				t.wg.Wait()
				return nil
			}
			t.log.Debug("accept stream ended", "error", err)
			t.wg.Wait()
			return err
		}
		t.registerStream(uint64(str.StreamID()), str)
		t.wg.Add(1)
		go t.readLoop(uint64(str.StreamID()), str)
	}
}

// RunUniAccept accepts inbound unidirectional streams (warp/rush
// substreams) for the connection's lifetime. Called alongside Run.
func (t *Transport) RunUniAccept() error {
	for {
		str, err := t.conn.AcceptUniStream(t.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			t.log.Debug("accept uni stream ended", "error", err)
			return err
		}
		t.wg.Add(1)
		go t.readLoop(uint64(str.StreamID()), str)
	}
}

func (t *Transport) registerStream(id uint64, w writeCloser) {
	t.mu.Lock()
	t.streams[id] = w
	t.mu.Unlock()
}

func (t *Transport) unregisterStream(id uint64) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

// WriteStream writes an already-encoded frame to the stream registered
// under id, whether opened locally via OpenStream/OpenUniStream or
// accepted inbound. Used by Connection.PumpControl to write control
// frames back out on the same bidirectional stream they arrived on.
func (t *Transport) WriteStream(id uint64, p []byte) error {
	t.mu.Lock()
	w, ok := t.streams[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transportquic: stream %d not open", id)
	}
	_, err := w.Write(p)
	return err
}

// StartPump launches the background goroutine that drives pump's
// send-side engines for the lifetime of the connection: control-stream
// sends, the datagram scheduler, warp/rush substream sends, and the
// time_check retransmission/cache pass (spec §4.5/§4.6/§4.7/§4.9). Call
// alongside Run/RunUniAccept once the connection's Connection has had its
// WriteControl/SendDatagramFunc/OpenSubstream fields assigned.
func (t *Transport) StartPump(pump Pump) {
	t.wg.Add(1)
	go t.pumpLoop(pump)
}

func (t *Transport) pumpLoop(pump Pump) {
	defer t.wg.Done()
	timer := time.NewTimer(pumpTickInterval)
	defer timer.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-timer.C:
		}

		now := time.Now()
		pump.PumpControl(now)
		pump.PumpDatagrams(now)
		pump.PumpSubstreams(now)
		next := pump.PumpTimeCheck(now, nil)

		wait := next.Sub(now)
		if wait < pumpTickInterval {
			wait = pumpTickInterval
		}
		if wait > pumpMaxWait {
			wait = pumpMaxWait
		}
		timer.Reset(wait)
	}
}

// Bind wires c's send-direction hooks (WriteControl, SendDatagramFunc,
// OpenSubstream) to this transport and starts the pump loop driving them.
// Call once after constructing both c and t, before Run/RunUniAccept.
func (t *Transport) Bind(c *connection.Connection) {
	c.WriteControl = t.WriteStream
	c.SendDatagramFunc = t.SendDatagram
	c.OpenSubstream = t.openSubstream
	t.StartPump(c)
}

// openSubstream opens a fresh unidirectional substream for a warp/rush
// Sender, returning a write function and a close function bound to it —
// the shape Connection.OpenSubstream expects.
func (t *Transport) openSubstream() (func([]byte) error, func() error, error) {
	st, err := t.OpenUniStream()
	if err != nil {
		return nil, nil, err
	}
	write := func(p []byte) error {
		_, err := st.Write(p)
		return err
	}
	return write, st.Close, nil
}

// readLoop reads from one stream until EOF/reset and forwards every chunk
// to sink.OnStreamData.
func (t *Transport) readLoop(streamID uint64, r io.Reader) {
	defer t.wg.Done()
	defer t.unregisterStream(streamID)

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			if derr := t.sink.OnStreamData(time.Now(), streamID, append([]byte(nil), buf[:n]...), false); derr != nil {
				t.log.Error("stream dispatch failed", "stream_id", streamID, "error", derr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = t.sink.OnStreamData(time.Now(), streamID, nil, true)
				return
			}
			var streamErr *quic.StreamError
			if errors.As(err, &streamErr) {
				t.sink.OnStreamReset(streamID)
				return
			}
			t.log.Debug("stream read ended", "stream_id", streamID, "error", err)
			return
		}
	}
}

// datagramLoop receives datagrams for the connection's lifetime and
// forwards each to sink.OnDatagram. quic-go does not surface per-datagram
// ack/loss notifications on the public API used here; node callers that
// need ack/horizon tracking over datagrams run it over the reliable
// substream fallback instead (spec §4.4's retransmission still applies,
// driven by the scheduler's time_check rather than transport ack events).
func (t *Transport) datagramLoop() {
	defer t.wg.Done()
	for {
		data, err := t.conn.ReceiveDatagram(t.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			t.log.Debug("datagram receive ended", "error", err)
			return
		}
		if derr := t.sink.OnDatagram(time.Now(), append([]byte(nil), data...)); derr != nil {
			t.log.Error("datagram dispatch failed", "error", derr)
		}
	}
}

// OpenStream opens a new bidirectional stream and registers it for
// inbound dispatch (OnStreamData routes its responses back through
// readLoop once AcceptStream on the peer observes it); bidi is kept for
// callers that need to distinguish control-stream opens in logs.
func (t *Transport) OpenStream(bidi bool) (*Stream, error) {
	str, err := t.conn.OpenStreamSync(t.ctx)
	if err != nil {
		return nil, err
	}
	id := uint64(str.StreamID())
	t.registerStream(id, str)
	t.wg.Add(1)
	go t.readLoop(id, str)
	return &Stream{id: id, w: str}, nil
}

// OpenUniStream opens a unidirectional send stream for a warp/rush
// substream and returns a thin wrapper exposing Write/Close.
func (t *Transport) OpenUniStream() (*Stream, error) {
	str, err := t.conn.OpenUniStreamSync(t.ctx)
	if err != nil {
		return nil, err
	}
	id := uint64(str.StreamID())
	t.registerStream(id, str)
	return &Stream{id: id, w: str}, nil
}

// SendDatagram transmits one encoded datagram.
func (t *Transport) SendDatagram(payload []byte) error {
	return t.conn.SendDatagram(payload)
}

// Close tears down the connection, notifying sink with reason/code and
// cancelling every read loop.
func (t *Transport) Close(reason stream.CloseReason, code uint64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.sink.OnClose(reason, code)
	err := t.conn.CloseWithError(quic.ApplicationErrorCode(code), reason.String())
	t.cancel()
	return err
}

// Stream wraps one quic.Stream/quic.SendStream for outbound writes.
type Stream struct {
	id uint64
	w  writeCloser
}

// ID returns the quic stream id.
func (s *Stream) ID() uint64 { return s.id }

// Write writes a length-prefixed control or substream frame's raw bytes.
func (s *Stream) Write(p []byte) (int, error) { return s.w.Write(p) }

// Close closes the stream for further writes.
func (s *Stream) Close() error { return s.w.Close() }

// TLSConfig builds a minimal server tls.Config from a cert/key pair,
// delegating the handshake itself to quic-go's TLS 1.3 implementation.
func TLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("transportquic: load cert: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"moq-relay"},
	}, nil
}

// ClientTLSConfig builds a dialing tls.Config; insecure skips server
// certificate verification, for use against a node whose certificate isn't
// in the system trust store (self-signed dev/test deployments).
func ClientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{"moq-relay"},
	}
}
