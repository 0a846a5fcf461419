package fanout

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type fakePeerClient struct {
	mu        sync.Mutex
	connected bool
	subbed    string
	objects   [][2]uint64
	fins      [][2]uint64
	failPub   bool
}

func (f *fakePeerClient) Connect() error { f.connected = true; return nil }
func (f *fakePeerClient) Subscribe(url string) error {
	f.subbed = url
	return nil
}
func (f *fakePeerClient) PublishObject(group, object uint64, data []byte, flags byte, objectLength uint64, isNewGroup bool) error {
	if f.failPub {
		return errors.New("publish failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, [2]uint64{group, object})
	return nil
}
func (f *fakePeerClient) PublishObjectFin(group, object uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fins = append(f.fins, [2]uint64{group, object})
	return nil
}
func (f *fakePeerClient) Close() error { f.connected = false; return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestPeerConnectAndPublish(t *testing.T) {
	fake := &fakePeerClient{}
	factory := func(addr string) (PeerClient, error) { return fake, nil }

	p, err := NewPeer("moq://relay2.example.com:4433", discardLogger(), factory)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	if err := p.Connect("video/camA"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p.GetStatus() != StatusConnected {
		t.Fatalf("expected connected, got %v", p.GetStatus())
	}
	if fake.subbed != "video/camA" {
		t.Fatalf("expected subscribe to video/camA, got %q", fake.subbed)
	}

	if err := p.PublishObject(0, 0, []byte("abc"), 0, 3, false); err != nil {
		t.Fatalf("PublishObject: %v", err)
	}
	m := p.GetMetrics()
	if m.ObjectsSent != 1 || m.BytesSent != 3 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestPeerRejectsSchemelessAddress(t *testing.T) {
	factory := func(addr string) (PeerClient, error) { return &fakePeerClient{}, nil }
	if _, err := NewPeer("relay2.example.com:4433", discardLogger(), factory); err == nil {
		t.Fatalf("expected error for schemeless address")
	}
}

func TestPublishToDisconnectedPeerDropsAndCounts(t *testing.T) {
	fake := &fakePeerClient{}
	factory := func(addr string) (PeerClient, error) { return fake, nil }
	p, _ := NewPeer("moq://relay2.example.com:4433", discardLogger(), factory)

	if err := p.PublishObject(0, 0, []byte("x"), 0, 1, false); err == nil {
		t.Fatalf("expected error publishing to a never-connected peer")
	}
	if p.GetMetrics().ObjectsDropped != 1 {
		t.Fatalf("expected one dropped object")
	}
}

func TestManagerFanOutReachesAllPeers(t *testing.T) {
	fakes := map[string]*fakePeerClient{
		"moq://peer-a:4433": {},
		"moq://peer-b:4433": {},
	}
	factory := func(addr string) (PeerClient, error) { return fakes[addr], nil }

	m, err := NewManager([]string{"moq://peer-a:4433", "moq://peer-b:4433"}, "video/camA", discardLogger(), factory)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.PeerCount() != 2 {
		t.Fatalf("expected 2 peers, got %d", m.PeerCount())
	}

	m.FanOut(0, 0, []byte("payload"), 0, 7, false)

	for addr, fake := range fakes {
		if len(fake.objects) != 1 || fake.objects[0] != [2]uint64{0, 0} {
			t.Fatalf("peer %s did not receive fanned-out object: %+v", addr, fake.objects)
		}
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.PeerCount() != 0 {
		t.Fatalf("expected 0 peers after close")
	}
}

func TestManagerFanOutFinReachesAllPeers(t *testing.T) {
	fakes := map[string]*fakePeerClient{
		"moq://peer-a:4433": {},
		"moq://peer-b:4433": {},
	}
	factory := func(addr string) (PeerClient, error) { return fakes[addr], nil }

	m, err := NewManager([]string{"moq://peer-a:4433", "moq://peer-b:4433"}, "video/camA", discardLogger(), factory)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	m.FanOutFin(3, 0)

	for addr, fake := range fakes {
		if len(fake.fins) != 1 || fake.fins[0] != [2]uint64{3, 0} {
			t.Fatalf("peer %s did not receive fanned-out fin: %+v", addr, fake.fins)
		}
	}
}
