package fanout

import (
	"log/slog"
	"sync"
)

// Manager fans out published objects to every configured downstream peer
// node.
type Manager struct {
	peers         map[string]*Peer
	mu            sync.RWMutex
	logger        *slog.Logger
	clientFactory PeerClientFactory
}

// NewManager creates a fan-out manager and connects to every configured
// peer address, subscribing subscribeURL on each.
func NewManager(peerAddrs []string, subscribeURL string, logger *slog.Logger, clientFactory PeerClientFactory) (*Manager, error) {
	m := &Manager{
		peers:         make(map[string]*Peer),
		logger:        logger.With("component", "fanout_manager"),
		clientFactory: clientFactory,
	}
	for _, addr := range peerAddrs {
		if err := m.AddPeer(addr, subscribeURL); err != nil {
			m.logger.Warn("failed to add fan-out peer", "addr", addr, "error", err)
		}
	}
	return m, nil
}

// AddPeer registers and connects to a new downstream peer.
func (m *Manager) AddPeer(addr, subscribeURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.peers[addr]; exists {
		return nil
	}
	peer, err := NewPeer(addr, m.logger, m.clientFactory)
	if err != nil {
		return err
	}
	if err := peer.Connect(subscribeURL); err != nil {
		m.logger.Warn("peer connect failed, will be retried by caller", "addr", addr, "error", err)
	}
	m.peers[addr] = peer
	return nil
}

// FanOut republishes one object to every connected peer, synchronously, so
// (group, object) ordering toward each peer matches the order objects
// complete locally (spec §5's ordering guarantee extended across nodes).
func (m *Manager) FanOut(group, object uint64, data []byte, flags byte, objectLength uint64, isNewGroup bool) {
	m.mu.RLock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			if err := p.PublishObject(group, object, data, flags, objectLength, isNewGroup); err != nil {
				m.logger.Error("fan-out publish failed", "peer_addr", p.Addr, "group", group, "object", object, "error", err)
			}
		}(peer)
	}
	wg.Wait()
}

// FanOutFin propagates an upstream end-of-media boundary to every connected
// peer, the FIN counterpart to FanOut. Like FanOut, this is synchronous so
// it cannot race ahead of (or behind) the last object actually fanned out.
func (m *Manager) FanOutFin(group, object uint64) {
	m.mu.RLock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			if err := p.PublishObjectFin(group, object); err != nil {
				m.logger.Error("fan-out fin failed", "peer_addr", p.Addr, "group", group, "object", object, "error", err)
			}
		}(peer)
	}
	wg.Wait()
}

// Status returns the connection status of every configured peer.
func (m *Manager) Status() map[string]PeerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]PeerStatus, len(m.peers))
	for addr, p := range m.peers {
		out[addr] = p.GetStatus()
	}
	return out
}

// PeerCount returns the number of configured peers.
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Close disconnects from every peer.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastErr error
	for _, p := range m.peers {
		if err := p.Close(); err != nil {
			lastErr = err
		}
	}
	m.peers = make(map[string]*Peer)
	return lastErr
}
