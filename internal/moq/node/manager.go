package node

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alxayo/go-moqrelay/internal/moq/cache"
	"github.com/alxayo/go-moqrelay/internal/moq/stream"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"

	moqerrors "github.com/alxayo/go-moqrelay/internal/errors"
)

// Source is a locally registered media source, the publish side of
// publish_object_source (spec §4.8). Cache holds whatever the source has
// produced so far, so a subscriber attaching after the fact (or a relay
// republishing the source to its own subscribers) can be served from the
// cache instead of waiting for the next live fragment.
type Source struct {
	URL         string
	StartGroup  uint64
	StartObject uint64
	Cache       *cache.Cache
}

// SubscribePattern is a registered prefix, the subscribe side of
// subscribe_pattern. ID uses google/uuid instead of a bare incrementing
// counter.
type SubscribePattern struct {
	ID     uuid.UUID
	Prefix string
	Notify func(url string)
}

// Manager is the connection/subscription manager of spec §4.8. The server
// shares one Manager across all of its connections; it is guarded by a
// mutex because those connections and hook callbacks (spec §C) may
// fire from a different accept path than the stream event loop, unlike the
// rest of the core which spec §5 keeps single-threaded per connection.
type Manager struct {
	mu sync.RWMutex

	sources       map[string]*Source
	subscriptions []*SubscribePattern
	nextMediaID   uint64
}

// NewManager creates an empty connection manager.
func NewManager() *Manager {
	return &Manager{
		sources:     make(map[string]*Source),
		nextMediaID: 1,
	}
}

// SubscribePattern registers prefix with notify and returns the pattern plus
// the URLs of any already-registered sources it matches — the "prior to the
// send" check spec §4.8 describes, run once at registration time instead of
// before every SUBSCRIBE send since Go callers drive the send themselves.
func (m *Manager) SubscribePattern(prefix string, notify func(url string)) (*SubscribePattern, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &SubscribePattern{ID: uuid.New(), Prefix: prefix, Notify: notify}
	m.subscriptions = append(m.subscriptions, p)

	var matches []string
	for url := range m.sources {
		if hasPrefix(url, prefix) {
			matches = append(matches, url)
		}
	}
	return p, matches
}

// Unsubscribe removes a previously registered pattern.
func (m *Manager) Unsubscribe(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.subscriptions {
		if p.ID == id {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			return
		}
	}
}

// PublishObjectSource registers url as a locally available source with the
// given start point and dispatches NOTIFY to every matching subscription
// (spec §4.8's publish_object_source). cacheDurationMax bounds the lifetime
// of the source's backing fragment cache (spec §6), which serves both late
// local subscribers and any relay republishing this source onward.
func (m *Manager) PublishObjectSource(url string, startGroup, startObject uint64, cacheDurationMax time.Duration) *Source {
	m.mu.Lock()
	src := &Source{URL: url, StartGroup: startGroup, StartObject: startObject, Cache: cache.New(cacheDurationMax)}
	m.sources[url] = src
	var toNotify []func(string)
	for _, p := range m.subscriptions {
		if hasPrefix(url, p.Prefix) {
			toNotify = append(toNotify, p.Notify)
		}
	}
	m.mu.Unlock()

	for _, notify := range toNotify {
		notify(url)
	}
	return src
}

// PublishObjectFin records url's source as having reached its end (spec
// §6's object source contract: publish_object_fin), at the exclusive
// boundary (finalGroup, finalObject). The boundary lands on the source's
// shared Cache, so every stream currently reading from it — on this
// connection or any other sharing the same Manager — learns it the next
// time it checks, the same way subscribers learn new fragments.
func (m *Manager) PublishObjectFin(url string, finalGroup, finalObject uint64) error {
	m.mu.RLock()
	src, ok := m.sources[url]
	m.mu.RUnlock()
	if !ok {
		return moqerrors.NewSourceNotFound(url)
	}
	src.Cache.NotifyFinal(finalGroup, finalObject)
	return nil
}

// LookupSource returns a previously published source, or
// *errors.SourceNotFound if url was never registered.
func (m *Manager) LookupSource(url string) (*Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[url]
	if !ok {
		return nil, moqerrors.NewSourceNotFound(url)
	}
	return src, nil
}

// AcceptMedia creates a consumer context for an inbound REQUEST/POST and
// mints a fresh media_id (spec §4.8's accept_media). The caller is
// responsible for wiring the returned media_id into the stream's Accept
// reply and into the stream.Stream's MediaID field.
func (m *Manager) AcceptMedia(s *stream.Stream, mode wire.TransportMode, cachePolicy bool, startGroup, startObject uint64) *wire.Accept {
	m.mu.Lock()
	mediaID := m.nextMediaID
	m.nextMediaID++
	m.mu.Unlock()

	s.MediaID = mediaID
	s.Mode = mode
	s.CachePolicy = cachePolicy
	s.Start = wire.GroupObject{Group: startGroup, Object: startObject}
	s.StartSet = startGroup != 0 || startObject != 0

	return &wire.Accept{TransportMode: mode, MediaID: mediaID}
}

func hasPrefix(url, prefix string) bool {
	if len(prefix) > len(url) {
		return false
	}
	return url[:len(prefix)] == prefix
}
