package transportquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/alxayo/go-moqrelay/internal/moq/wire"
	"github.com/alxayo/go-moqrelay/internal/moqrelay/fanout"
)

var _ fanout.PeerClient = (*PeerClient)(nil)

// PeerClient dials out to a downstream relay node over QUIC and pushes
// objects to it via a single-stream-mode POST, implementing
// internal/moqrelay/fanout.PeerClient over one QUIC control stream.
type PeerClient struct {
	addr    string
	tlsConf *tls.Config
	conn    quic.Connection
	stream  quic.Stream
	timeout time.Duration
}

// NewPeerClient creates a client dialing addr ("moq://host:port") lazily on
// Connect. A nil tlsConf falls back to an insecure client config deriving
// ServerName from addr's host, matching the trust model of a relay pushing
// to a downstream node it already controls rather than an arbitrary origin.
func NewPeerClient(addr string, tlsConf *tls.Config, dialTimeout time.Duration) (*PeerClient, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("transportquic: parse peer address: %w", err)
	}
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true, ServerName: u.Hostname(), NextProtos: []string{"moq-relay"}}
	}
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	return &PeerClient{addr: u.Host, tlsConf: tlsConf, timeout: dialTimeout}, nil
}

// Connect dials the peer and opens its control stream.
func (p *PeerClient) Connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, p.addr, p.tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return fmt.Errorf("transportquic: dial %s: %w", p.addr, err)
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open control stream failed")
		return fmt.Errorf("transportquic: open control stream: %w", err)
	}
	p.conn = conn
	p.stream = str
	return nil
}

// Subscribe declares url to the peer via POST in single-stream transport
// mode, so subsequent PublishObject calls are understood as that URL's
// object stream (spec §4.3's post/accept exchange, used here for the
// push side of relay fan-out rather than origin ingest).
func (p *PeerClient) Subscribe(url string) error {
	if p.stream == nil {
		return fmt.Errorf("transportquic: peer client not connected")
	}
	body, err := wire.Encode(&wire.Post{URL: url, TransportMode: wire.ModeStream, CachePolicy: false})
	if err != nil {
		return fmt.Errorf("transportquic: encode post: %w", err)
	}
	_, err = p.stream.Write(body)
	return err
}

// PublishObject writes one complete object as a single fragment at offset
// zero on the control stream established by Subscribe.
func (p *PeerClient) PublishObject(group, object uint64, data []byte, flags byte, objectLength uint64, isNewGroup bool) error {
	if p.stream == nil {
		return fmt.Errorf("transportquic: peer client not connected")
	}
	nbPrev := uint64(0)
	if isNewGroup {
		nbPrev = object + 1
	}
	body, err := wire.Encode(&wire.Fragment{
		GroupID:                group,
		ObjectID:               object,
		NbObjectsPreviousGroup: nbPrev,
		Offset:                 0,
		ObjectLength:           objectLength,
		Flags:                  flags,
		Data:                   data,
	})
	if err != nil {
		return fmt.Errorf("transportquic: encode fragment: %w", err)
	}
	_, err = p.stream.Write(body)
	return err
}

// PublishObjectFin sends FIN_DATAGRAM on the control stream established by
// Subscribe, announcing the exclusive end-of-media boundary to the peer.
func (p *PeerClient) PublishObjectFin(group, object uint64) error {
	if p.stream == nil {
		return fmt.Errorf("transportquic: peer client not connected")
	}
	body, err := wire.Encode(&wire.FinDatagram{GroupID: group, ObjectID: object})
	if err != nil {
		return fmt.Errorf("transportquic: encode fin: %w", err)
	}
	_, err = p.stream.Write(body)
	return err
}

// Close tears down the control stream and connection.
func (p *PeerClient) Close() error {
	if p.stream != nil {
		_ = p.stream.Close()
	}
	if p.conn != nil {
		return p.conn.CloseWithError(0, "peer client closed")
	}
	return nil
}
