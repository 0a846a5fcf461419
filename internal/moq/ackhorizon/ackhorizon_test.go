package ackhorizon

import (
	"testing"
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/wire"
)

func identityEncode(h *wire.DatagramHeader) []byte { return wire.EncodeDatagram(h) }

func TestAckInitCreatedThenDuplicate(t *testing.T) {
	e := New(Config{})
	now := time.Unix(0, 0)
	if res := e.AckInit(0, 0, 0, 0, 0, 5, 10, 0, now); res != Created {
		t.Fatalf("expected Created, got %v", res)
	}
	if res := e.AckInit(0, 0, 0, 0, 0, 5, 10, 0, now); res != Duplicate {
		t.Fatalf("expected Duplicate, got %v", res)
	}
}

func TestAckInitBelowHorizon(t *testing.T) {
	e := New(Config{})
	now := time.Unix(0, 0)
	e.AckInit(0, 0, 0, 0, 0, 5, 5, 0, now)
	e.HandleAck(0, 0, 0, 5)
	if !e.GetHorizon().initialized {
		t.Fatalf("expected horizon to initialize after full ack")
	}
	if res := e.AckInit(0, 0, 0, 0, 0, 5, 5, 0, now); res != BelowHorizon {
		t.Fatalf("expected BelowHorizon for fragment behind horizon, got %v", res)
	}
}

func TestHorizonAdvanceWithinObject(t *testing.T) {
	e := New(Config{})
	now := time.Unix(0, 0)
	e.AckInit(0, 0, 0, 0, 0, 5, 10, 0, now)
	e.AckInit(0, 0, 5, 0, 0, 5, 10, 0, now)
	e.HandleAck(0, 0, 0, 5)
	h := e.GetHorizon()
	if h.Object != 0 || h.Offset != 5 {
		t.Fatalf("expected horizon at object 0 offset 5 after first ack, got %+v", h)
	}
	e.HandleAck(0, 0, 5, 5)
	h = e.GetHorizon()
	if h.Offset != 10 || !h.IsLastFragment {
		t.Fatalf("expected horizon at offset 10, last fragment, got %+v", h)
	}
}

func TestHorizonAdvanceAcrossObjectBoundary(t *testing.T) {
	e := New(Config{})
	now := time.Unix(0, 0)
	e.AckInit(0, 0, 0, 0, 0, 10, 10, 0, now) // whole object 0
	e.AckInit(0, 1, 0, 0, 0, 8, 8, 0, now)   // whole object 1
	e.HandleAck(0, 0, 0, 10)
	e.HandleAck(0, 1, 0, 8)
	h := e.GetHorizon()
	if h.Group != 0 || h.Object != 1 || h.Offset != 8 {
		t.Fatalf("expected horizon to cross object boundary to (0,1,8), got %+v", h)
	}
}

func TestHorizonAdvanceAcrossGroupBoundary(t *testing.T) {
	e := New(Config{})
	now := time.Unix(0, 0)
	e.AckInit(0, 0, 0, 0, 0, 4, 4, 0, now)       // group 0 has a single object (object 0)
	e.AckInit(1, 0, 0, 0, 1, 4, 4, 0, now)       // group 1 object 0, nb_objects_previous_group=1
	e.HandleAck(0, 0, 0, 4)
	e.HandleAck(1, 0, 0, 4)
	h := e.GetHorizon()
	if h.Group != 1 || h.Object != 0 || h.Offset != 4 {
		t.Fatalf("expected horizon to cross group boundary, got %+v", h)
	}
}

func TestGroupBoundaryBlockedOnMismatchedCount(t *testing.T) {
	e := New(Config{})
	now := time.Unix(0, 0)
	e.AckInit(0, 0, 0, 0, 0, 4, 4, 0, now)
	e.AckInit(1, 0, 0, 0, 2, 4, 4, 0, now) // claims 2 objects in group 0, but only 1 was sent
	e.HandleAck(0, 0, 0, 4)
	e.HandleAck(1, 0, 0, 4)
	h := e.GetHorizon()
	if h.Group != 0 {
		t.Fatalf("expected horizon to stay in group 0 pending consistent count, got %+v", h)
	}
}

func TestHandleLostRetransmits(t *testing.T) {
	e := New(Config{})
	now := time.Unix(0, 0)
	e.AckInit(0, 0, 0, 0, 0, 5, 10, 0, now)
	out := e.HandleLost(0, 0, 0, now.Add(time.Second), []byte("hello"), identityEncode)
	if len(out) != 1 {
		t.Fatalf("expected one retransmitted datagram, got %d", len(out))
	}
	h, err := wire.DecodeDatagram(out[0])
	if err != nil {
		t.Fatalf("decode retransmit: %v", err)
	}
	if string(h.Data) != "hello" {
		t.Fatalf("unexpected retransmitted payload: %q", h.Data)
	}
	if e.Counters.NbFragmentLost != 1 {
		t.Fatalf("expected NbFragmentLost=1, got %d", e.Counters.NbFragmentLost)
	}
}

func TestRepeatSplitsOversizeDatagram(t *testing.T) {
	e := New(Config{QueueableDatagramSize: 64})
	now := time.Unix(0, 0)
	e.AckInit(0, 0, 0, 0, 0, 200, 200, 0, now)
	r, ok := e.records.Get(&Record{Key: Key{0, 0, 0}})
	if !ok {
		t.Fatalf("expected record present")
	}
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	out := e.Repeat(r, data, false, now.Add(time.Millisecond), identityEncode)
	if len(out) < 2 {
		t.Fatalf("expected split into multiple datagrams, got %d", len(out))
	}
	var reassembled []byte
	for _, dgram := range out {
		h, err := wire.DecodeDatagram(dgram)
		if err != nil {
			t.Fatalf("decode split datagram: %v", err)
		}
		reassembled = append(reassembled, h.Data...)
	}
	if len(reassembled) != len(data) {
		t.Fatalf("expected reassembled length %d, got %d", len(data), len(reassembled))
	}
	for i := range data {
		if reassembled[i] != data[i] {
			t.Fatalf("reassembled mismatch at %d", i)
		}
	}
}

func TestExtraRepeatScheduledAfterDelayedQueue(t *testing.T) {
	e := New(Config{ExtraRepeatAfterReceivedDelayed: true, ExtraRepeatDelay: 10 * time.Millisecond})
	now := time.Unix(0, 0)
	e.AckInit(0, 0, 0, 0, 0, 5, 10, 25, now) // queue_delay=25 > 20 threshold
	if len(e.extraRepeat) != 1 {
		t.Fatalf("expected one scheduled extra repeat, got %d", len(e.extraRepeat))
	}
	out, next := e.HandleExtraRepeat(now, func(r *Record) []byte { return []byte("abcde") }, identityEncode)
	if len(out) != 0 {
		t.Fatalf("expected no repeats before scheduled time, got %d", len(out))
	}
	if next.IsZero() {
		t.Fatalf("expected a future extra repeat time")
	}

	out, next = e.HandleExtraRepeat(now.Add(11*time.Millisecond), func(r *Record) []byte { return []byte("abcde") }, identityEncode)
	if len(out) != 1 {
		t.Fatalf("expected one repeat once scheduled time passed, got %d", len(out))
	}
	if !next.IsZero() {
		t.Fatalf("expected no remaining scheduled repeats, got %v", next)
	}
	if e.Counters.NbExtraSent != 1 {
		t.Fatalf("expected NbExtraSent=1, got %d", e.Counters.NbExtraSent)
	}
}
