// Package fanout implements multi-destination relay fan-out: a relay node
// may be configured with downstream peer nodes it actively republishes to,
// using the same PeerClient.Subscribe/PublishObject verbs a normal node
// uses toward any peer — there is no separate "relay protocol".
package fanout

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// PeerClient is the narrow outbound contract fanout needs from a connection
// to one downstream peer node.
type PeerClient interface {
	Connect() error
	Subscribe(url string) error
	PublishObject(group, object uint64, data []byte, flags byte, objectLength uint64, isNewGroup bool) error
	// PublishObjectFin forwards the exclusive end-of-media boundary learned
	// from an upstream source or a relayed FIN, so this downstream peer
	// also learns where the media ends (spec §6 object source contract's
	// publish_object_fin, extended across a relay hop).
	PublishObjectFin(group, object uint64) error
	Close() error
}

// PeerClientFactory creates a new PeerClient bound to addr.
type PeerClientFactory func(addr string) (PeerClient, error)

// PeerStatus is a fan-out peer's connection state.
type PeerStatus int

const (
	StatusDisconnected PeerStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s PeerStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// PeerMetrics tracks performance for one downstream peer, generalizing
// DestinationMetrics's message/byte counters to objects.
type PeerMetrics struct {
	ObjectsSent    uint64
	ObjectsDropped uint64
	BytesSent      uint64
	LastSentTime   time.Time
	ConnectTime    time.Time
	ReconnectCount uint32
}

// Peer is a single downstream fan-out target, generalizing
// internal/rtmp/relay.Destination.
type Peer struct {
	Addr          string
	Client        PeerClient
	Status        PeerStatus
	LastError     error
	Metrics       *PeerMetrics
	clientFactory PeerClientFactory

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewPeer creates a fan-out target for addr. addr must parse as a URL with
// a scheme (the node address, e.g. "moq://relay2.example.com:4433").
func NewPeer(addr string, logger *slog.Logger, clientFactory PeerClientFactory) (*Peer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("peer address must be a scheme://host URL, got %q", addr)
	}

	return &Peer{
		Addr:          addr,
		Status:        StatusDisconnected,
		Metrics:       &PeerMetrics{},
		clientFactory: clientFactory,
		logger:        logger.With("peer_addr", addr),
	}, nil
}

// Connect establishes the outbound connection and subscribes url.
func (p *Peer) Connect(subscribeURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Status == StatusConnected {
		return nil
	}
	p.Status = StatusConnecting

	client, err := p.clientFactory(p.Addr)
	if err != nil {
		p.Status = StatusError
		p.LastError = err
		return fmt.Errorf("create peer client: %w", err)
	}
	if err := client.Connect(); err != nil {
		p.Status = StatusError
		p.LastError = err
		return fmt.Errorf("peer connect: %w", err)
	}
	if err := client.Subscribe(subscribeURL); err != nil {
		p.Status = StatusError
		p.LastError = err
		return fmt.Errorf("peer subscribe: %w", err)
	}

	p.Client = client
	p.Status = StatusConnected
	p.Metrics.ConnectTime = time.Now()
	p.LastError = nil
	p.logger.Info("connected to peer", "subscribe_url", subscribeURL)
	return nil
}

// PublishObject forwards one complete object to this peer.
func (p *Peer) PublishObject(group, object uint64, data []byte, flags byte, objectLength uint64, isNewGroup bool) error {
	p.mu.RLock()
	client := p.Client
	status := p.Status
	p.mu.RUnlock()

	if status != StatusConnected || client == nil {
		p.mu.Lock()
		p.Metrics.ObjectsDropped++
		p.mu.Unlock()
		return fmt.Errorf("peer %s not connected (status: %v)", p.Addr, status)
	}

	if err := client.PublishObject(group, object, data, flags, objectLength, isNewGroup); err != nil {
		p.mu.Lock()
		p.Status = StatusError
		p.LastError = err
		p.Metrics.ObjectsDropped++
		p.mu.Unlock()
		return fmt.Errorf("publish object to peer: %w", err)
	}

	p.mu.Lock()
	p.Metrics.ObjectsSent++
	p.Metrics.BytesSent += uint64(len(data))
	p.Metrics.LastSentTime = time.Now()
	p.mu.Unlock()
	return nil
}

// PublishObjectFin forwards the end-of-media boundary to this peer,
// mirroring PublishObject's connected-peer check and metrics bookkeeping.
func (p *Peer) PublishObjectFin(group, object uint64) error {
	p.mu.RLock()
	client := p.Client
	status := p.Status
	p.mu.RUnlock()

	if status != StatusConnected || client == nil {
		return fmt.Errorf("peer %s not connected (status: %v)", p.Addr, status)
	}

	if err := client.PublishObjectFin(group, object); err != nil {
		p.mu.Lock()
		p.Status = StatusError
		p.LastError = err
		p.mu.Unlock()
		return fmt.Errorf("publish fin to peer: %w", err)
	}
	return nil
}

// Close disconnects from the peer.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Client != nil {
		err := p.Client.Close()
		p.Client = nil
		p.Status = StatusDisconnected
		return err
	}
	return nil
}

// GetStatus returns the current connection status.
func (p *Peer) GetStatus() PeerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Status
}

// GetMetrics returns a copy of current metrics.
func (p *Peer) GetMetrics() PeerMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.Metrics
}
