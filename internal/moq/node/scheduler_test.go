package node

import (
	"testing"
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/ackhorizon"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"
)

func TestTimeCheckWithNoStreamsReturnsFarFuture(t *testing.T) {
	tc := &TimeCheck{}
	now := time.Unix(1000, 0)
	next := tc.Run(now)
	if !next.After(now.Add(time.Hour)) {
		t.Fatalf("expected a far-future sentinel with nothing scheduled, got %v", next)
	}
}

func TestTimeCheckFoldsInTransportWakeup(t *testing.T) {
	now := time.Unix(1000, 0)
	wakeup := now.Add(5 * time.Second)
	tc := &TimeCheck{
		TransportNextWakeup: func(time.Time) (time.Time, bool) { return wakeup, true },
	}
	if next := tc.Run(now); !next.Equal(wakeup) {
		t.Fatalf("expected transport wakeup to win, got %v want %v", next, wakeup)
	}
}

func TestTimeCheckRunsCacheCheckOnSchedule(t *testing.T) {
	now := time.Unix(1000, 0)
	var checked []time.Time
	tc := &TimeCheck{
		CacheDurationMax: 10 * time.Second,
		OnCacheCheck:     func(n time.Time) { checked = append(checked, n) },
	}

	// First call seeds lastCacheCheck at now; it must not fire yet since
	// cacheNext (now + 5s) is after now.
	first := tc.Run(now)
	if len(checked) != 0 {
		t.Fatalf("expected no cache check on first call, got %d", len(checked))
	}
	if !first.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("expected next check at now+5s, got %v", first)
	}

	// Advance past the scheduled cache check time; it must fire.
	later := now.Add(6 * time.Second)
	tc.Run(later)
	if len(checked) != 1 || !checked[0].Equal(later) {
		t.Fatalf("expected one cache check at %v, got %+v", later, checked)
	}
}

func TestTimeCheckDrainsExtraRepeatsFromEachStream(t *testing.T) {
	now := time.Unix(1000, 0)

	engine := ackhorizon.New(ackhorizon.Config{ExtraRepeatDelay: time.Second, ExtraRepeatAfterReceivedDelayed: true, QueueableDatagramSize: 1350})
	if res := engine.AckInit(0, 0, 0, 0, 0, 5, 5, 25, now); res != ackhorizon.Created {
		t.Fatalf("expected AckInit to create a record, got %v", res)
	}
	if engine.RecordCount() != 1 {
		t.Fatalf("expected one tracked record, got %d", engine.RecordCount())
	}

	var emitted [][]byte
	s := ExtraRepeatStream{
		Engine:  engine,
		DataFor: func(r *ackhorizon.Record) []byte { return []byte("payload") },
		Encode:  func(h *wire.DatagramHeader) []byte { return []byte("hdr") },
		Emit:    func(p []byte) { emitted = append(emitted, p) },
	}

	tc := &TimeCheck{Streams: []ExtraRepeatStream{s}}
	tc.Run(now)
	if len(emitted) != 0 {
		t.Fatalf("expected nothing emitted before the extra repeat is due, got %d", len(emitted))
	}

	tc.Run(now.Add(time.Second))
	if len(emitted) != 1 || string(emitted[0]) != "hdr" {
		t.Fatalf("expected one extra repeat emitted once due, got %q", emitted)
	}
}
