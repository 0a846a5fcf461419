package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alxayo/go-moqrelay/internal/moq/ackhorizon"
)

func TestObserveAckHorizonAddsDelta(t *testing.T) {
	g := NewGlobal()
	prev := ackhorizon.Counters{}
	cur := ackhorizon.Counters{NbFragmentLost: 3, NbExtraSent: 1, NbHorizonAcks: 2, NbHorizonEvents: 5}
	g.ObserveAckHorizon("video/camA", cur, prev)

	if got := testutil.ToFloat64(g.FragmentLost.WithLabelValues("video/camA")); got != 3 {
		t.Fatalf("expected 3 lost fragments, got %v", got)
	}
	if got := testutil.ToFloat64(g.HorizonEvents.WithLabelValues("video/camA")); got != 5 {
		t.Fatalf("expected 5 horizon events, got %v", got)
	}

	prev = cur
	cur = ackhorizon.Counters{NbFragmentLost: 4, NbExtraSent: 1, NbHorizonAcks: 2, NbHorizonEvents: 6}
	g.ObserveAckHorizon("video/camA", cur, prev)
	if got := testutil.ToFloat64(g.FragmentLost.WithLabelValues("video/camA")); got != 4 {
		t.Fatalf("expected cumulative 4 lost fragments, got %v", got)
	}
}

func TestIncUselessFragment(t *testing.T) {
	g := NewGlobal()
	g.IncUselessFragment("audio/mic")
	g.IncUselessFragment("audio/mic")
	if got := testutil.ToFloat64(g.UselessFragment.WithLabelValues("audio/mic")); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}
