// Package metrics exposes the global-context counters of spec §3/§4.4
// (nb_fragment_lost, nb_extra_sent, nb_horizon_acks, nb_horizon_events, and
// the useless-fragment counter) as prometheus.Counter series instead of
// plain int64 fields, the way linkerd-linkerd2 and the other proxy/relay
// repos in the retrieval pack wire metrics through a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alxayo/go-moqrelay/internal/moq/ackhorizon"
)

// Global holds the process-wide counter vectors, labeled by media_id so a
// single registry covers every stream a node is serving.
type Global struct {
	Registry *prometheus.Registry

	FragmentLost    *prometheus.CounterVec
	ExtraSent       *prometheus.CounterVec
	HorizonAcks     *prometheus.CounterVec
	HorizonEvents   *prometheus.CounterVec
	UselessFragment *prometheus.CounterVec
}

// NewGlobal creates and registers the counter vectors on a fresh registry.
func NewGlobal() *Global {
	reg := prometheus.NewRegistry()
	g := &Global{
		Registry: reg,
		FragmentLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqrelay_fragment_lost_total",
			Help: "Fragments reported lost by the transport per stream.",
		}, []string{"media_id"}),
		ExtraSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqrelay_extra_repeat_sent_total",
			Help: "Extra-repeat retransmissions sent per stream.",
		}, []string{"media_id"}),
		HorizonAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqrelay_horizon_acks_total",
			Help: "Acks received for fragments already below the horizon.",
		}, []string{"media_id"}),
		HorizonEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqrelay_horizon_events_total",
			Help: "Horizon advance events per stream.",
		}, []string{"media_id"}),
		UselessFragment: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqrelay_useless_fragment_total",
			Help: "Fragments received for data already delivered or below start point.",
		}, []string{"media_id"}),
	}
	reg.MustRegister(g.FragmentLost, g.ExtraSent, g.HorizonAcks, g.HorizonEvents, g.UselessFragment)
	return g
}

// ObserveAckHorizon copies an ackhorizon.Engine's counters into the registry
// for mediaID, adding the delta between c and prev. It takes a snapshot of
// the engine's own Counters rather than being driven per event; nothing in
// this module calls it outside its tests.
func (g *Global) ObserveAckHorizon(mediaID string, c ackhorizon.Counters, prev ackhorizon.Counters) {
	if d := c.NbFragmentLost - prev.NbFragmentLost; d > 0 {
		g.FragmentLost.WithLabelValues(mediaID).Add(float64(d))
	}
	if d := c.NbExtraSent - prev.NbExtraSent; d > 0 {
		g.ExtraSent.WithLabelValues(mediaID).Add(float64(d))
	}
	if d := c.NbHorizonAcks - prev.NbHorizonAcks; d > 0 {
		g.HorizonAcks.WithLabelValues(mediaID).Add(float64(d))
	}
	if d := c.NbHorizonEvents - prev.NbHorizonEvents; d > 0 {
		g.HorizonEvents.WithLabelValues(mediaID).Add(float64(d))
	}
}

// IncUselessFragment records a fragment that arrived for data already
// delivered or below a learned start point.
func (g *Global) IncUselessFragment(mediaID string) {
	g.UselessFragment.WithLabelValues(mediaID).Inc()
}
