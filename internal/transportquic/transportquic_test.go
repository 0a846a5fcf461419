package transportquic

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/alxayo/go-moqrelay/internal/logger"
	"github.com/alxayo/go-moqrelay/internal/moq/stream"
)

// fakeQConn satisfies qconn with canned behavior; only the methods exercised
// by a given test do anything beyond returning zero values, avoiding a full
// mock of quic-go's connection interfaces.
type fakeQConn struct {
	mu           sync.Mutex
	closedCode   quic.ApplicationErrorCode
	closedReason string
	sentDatagram []byte
	sendErr      error
}

func (f *fakeQConn) AcceptStream(ctx context.Context) (quic.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeQConn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeQConn) OpenStream() (quic.Stream, error)                     { return nil, errors.New("not implemented") }
func (f *fakeQConn) OpenUniStream() (quic.SendStream, error)              { return nil, errors.New("not implemented") }
func (f *fakeQConn) OpenStreamSync(context.Context) (quic.Stream, error) { return nil, errors.New("not implemented") }
func (f *fakeQConn) OpenUniStreamSync(context.Context) (quic.SendStream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeQConn) SendDatagram(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentDatagram = append([]byte(nil), b...)
	return f.sendErr
}

func (f *fakeQConn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedCode = code
	f.closedReason = reason
	return nil
}

func (f *fakeQConn) Context() context.Context { return context.Background() }

func (f *fakeQConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}

// fakeSink records every callback invocation for assertions.
type fakeSink struct {
	mu sync.Mutex

	streamData []streamDataCall
	closed     []closeCall
}

type streamDataCall struct {
	streamID uint64
	data     []byte
	fin      bool
}

type closeCall struct {
	reason stream.CloseReason
	code   uint64
}

func (s *fakeSink) OnStreamData(now time.Time, streamID uint64, data []byte, fin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamData = append(s.streamData, streamDataCall{streamID, append([]byte(nil), data...), fin})
	return nil
}

func (s *fakeSink) OnDatagram(now time.Time, data []byte) error                 { return nil }
func (s *fakeSink) OnDatagramAcked(bytes []byte) error                          { return nil }
func (s *fakeSink) OnDatagramLost(now time.Time, bytes []byte) ([][]byte, error) { return nil, nil }
func (s *fakeSink) OnDatagramSpurious(bytes []byte)                             {}
func (s *fakeSink) OnStreamReset(streamID uint64)                              {}
func (s *fakeSink) OnStopSending(streamID uint64)                              {}

func (s *fakeSink) OnClose(reason stream.CloseReason, code uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, closeCall{reason, code})
}

func (s *fakeSink) calls() ([]streamDataCall, []closeCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]streamDataCall(nil), s.streamData...), append([]closeCall(nil), s.closed...)
}

func newTestTransport(conn *fakeQConn, sink *fakeSink) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		id:      "test",
		conn:    conn,
		sink:    sink,
		log:     logger.Logger(),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint64]writeCloser),
	}
}

func TestReadLoop_DispatchesChunksAndEOF(t *testing.T) {
	r, w := net.Pipe()
	defer r.Close()

	sink := &fakeSink{}
	tr := newTestTransport(&fakeQConn{}, sink)

	tr.wg.Add(1)
	go tr.readLoop(7, r)

	go func() {
		_, _ = w.Write([]byte("hello"))
		_ = w.Close()
	}()

	deadline := time.After(2 * time.Second)
	for {
		data, closes := sink.calls()
		foundData := false
		for _, c := range data {
			if c.streamID == 7 && string(c.data) == "hello" && !c.fin {
				foundData = true
			}
		}
		foundFin := false
		for _, c := range data {
			if c.streamID == 7 && c.fin {
				foundFin = true
			}
		}
		_ = closes
		if foundData && foundFin {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for dispatch, got %+v", data)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTransport_CloseNotifiesSinkAndConn(t *testing.T) {
	conn := &fakeQConn{}
	sink := &fakeSink{}
	tr := newTestTransport(conn, sink)

	if err := tr.Close(stream.CloseQUICConnection, 42); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, closes := sink.calls()
	if len(closes) != 1 || closes[0].reason != stream.CloseQUICConnection || closes[0].code != 42 {
		t.Fatalf("unexpected OnClose calls: %+v", closes)
	}

	conn.mu.Lock()
	gotCode := conn.closedCode
	conn.mu.Unlock()
	if gotCode != 42 {
		t.Fatalf("CloseWithError code = %d, want 42", gotCode)
	}

	select {
	case <-tr.ctx.Done():
	default:
		t.Fatalf("expected ctx to be cancelled after Close")
	}

	// Closing twice is a no-op, not a double notification.
	if err := tr.Close(stream.CloseFinished, 0); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	_, closes = sink.calls()
	if len(closes) != 1 {
		t.Fatalf("expected Close to be idempotent, got %d OnClose calls", len(closes))
	}
}

func TestTransport_SendDatagram(t *testing.T) {
	conn := &fakeQConn{}
	tr := newTestTransport(conn, &fakeSink{})

	payload := []byte{1, 2, 3}
	if err := tr.SendDatagram(payload); err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}
	conn.mu.Lock()
	got := conn.sentDatagram
	conn.mu.Unlock()
	if string(got) != string(payload) {
		t.Fatalf("sent datagram = %v, want %v", got, payload)
	}
}

func TestNextID_Unique(t *testing.T) {
	a := nextID()
	b := nextID()
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
}

func TestTLSConfig_MissingFiles(t *testing.T) {
	if _, err := TLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatalf("expected error loading nonexistent cert/key pair")
	}
}

func TestClientTLSConfig_InsecureFlag(t *testing.T) {
	c := ClientTLSConfig(true)
	if !c.InsecureSkipVerify {
		t.Fatalf("expected InsecureSkipVerify=true")
	}
	c = ClientTLSConfig(false)
	if c.InsecureSkipVerify {
		t.Fatalf("expected InsecureSkipVerify=false")
	}
}
