// Package server wires a listening QUIC endpoint to the moq core: each
// accepted connection gets its own connection.Connection bound to a
// shared node.Manager, with hook and fan-out dispatch layered on top of
// the accept loop.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/alxayo/go-moqrelay/internal/config"
	"github.com/alxayo/go-moqrelay/internal/hooks"
	"github.com/alxayo/go-moqrelay/internal/logger"
	"github.com/alxayo/go-moqrelay/internal/metrics"
	"github.com/alxayo/go-moqrelay/internal/moq/ackhorizon"
	"github.com/alxayo/go-moqrelay/internal/moq/connection"
	"github.com/alxayo/go-moqrelay/internal/moq/node"
	"github.com/alxayo/go-moqrelay/internal/moq/stream"
	"github.com/alxayo/go-moqrelay/internal/moq/substream"
	"github.com/alxayo/go-moqrelay/internal/moqrelay/fanout"
	"github.com/alxayo/go-moqrelay/internal/transportquic"
)

// substreamObjectsPerSecond/substreamBurst bound the default warp/rush
// should_skip token bucket (spec §6's congestion_control_mode) when a mode
// other than "none" is configured; the config format has no per-node knob
// for the rate itself yet (DESIGN.md).
const (
	substreamObjectsPerSecond = 200
	substreamBurst            = 50
)

// Config holds server configuration split across listen/global/hooks/relay
// concerns.
type Config struct {
	ListenAddr string
	LogLevel   string
	TLSCert    string
	TLSKey     string
	Global     config.Global

	RelayDestinations []string
	RelayURL          string // the URL fanned-out objects are pushed under

	HookConfig hooks.Config
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":4433"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Global.CacheDurationMax = orDefault(c.Global.CacheDurationMax, 30*time.Second)
}

func orDefault(d time.Duration, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// Server accepts QUIC connections and drives one connection.Connection per
// peer against a shared node.Manager.
type Server struct {
	cfg Config
	log *slog.Logger

	manager     *node.Manager
	hookManager *hooks.Manager
	fanout      *fanout.Manager
	metrics     *metrics.Global

	mu          sync.RWMutex
	listener    *quic.Listener
	transports  map[string]*transportquic.Transport
	closing     bool
	acceptingWg sync.WaitGroup
	nextConnID  uint64
}

// New creates an unstarted server.
func New(cfg Config) *Server {
	cfg.applyDefaults()

	hookMgr := hooks.NewManager(cfg.HookConfig, logger.Logger())

	var fanMgr *fanout.Manager
	if len(cfg.RelayDestinations) > 0 {
		factory := func(addr string) (fanout.PeerClient, error) {
			return transportquic.NewPeerClient(addr, nil, 5*time.Second)
		}
		var err error
		fanMgr, err = fanout.NewManager(cfg.RelayDestinations, cfg.RelayURL, logger.Logger(), factory)
		if err != nil {
			logger.Logger().Error("failed to initialize fan-out manager", "error", err)
		}
	}

	return &Server{
		cfg:         cfg,
		log:         logger.Logger().With("component", "moqrelay_server"),
		manager:     node.NewManager(),
		hookManager: hookMgr,
		fanout:      fanMgr,
		metrics:     metrics.NewGlobal(),
		transports:  make(map[string]*transportquic.Transport),
	}
}

// Manager exposes the shared subscription manager, e.g. for a CLI
// "publish a local source" command to register against before Start.
func (s *Server) Manager() *node.Manager { return s.manager }

// Metrics exposes the process-wide counter registry.
func (s *Server) Metrics() *metrics.Global { return s.metrics }

// HookManager exposes the event hook manager so a CLI can register
// shell/webhook hooks parsed from flags before Start.
func (s *Server) HookManager() *hooks.Manager { return s.hookManager }

// Start binds the QUIC listener and launches the accept loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	tlsConf, err := s.tlsConfig()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	ln, err := quic.ListenAddr(s.cfg.ListenAddr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("moq-relay server listening", "addr", ln.Addr().String())
	s.acceptingWg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.cfg.TLSCert == "" || s.cfg.TLSKey == "" {
		return nil, errors.New("tls cert/key required to listen")
	}
	return transportquic.TLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
}

func (s *Server) acceptLoop() {
	defer s.acceptingWg.Done()
	for {
		s.mu.RLock()
		ln := s.listener
		closing := s.closing
		s.mu.RUnlock()
		if ln == nil {
			return
		}

		qc, err := ln.Accept(context.Background())
		if err != nil {
			if closing || errors.Is(err, context.Canceled) {
				return
			}
			s.log.Warn("accept error", "error", err)
			return
		}

		s.nextConnID++
		connID := fmt.Sprintf("c%06d", s.nextConnID)
		sink := connection.New(s.nextConnID, s.manager, s.newEventSink(connID), s.ackConfig(), s.cfg.Global.CacheDurationMax)
		sink.CongestionPolicy = s.congestionPolicyFactory()
		t := transportquic.New(qc, sink)
		t.Bind(sink)

		s.mu.Lock()
		s.transports[connID] = t
		s.mu.Unlock()

		s.log.Info("connection accepted", "conn_id", connID, "remote", qc.RemoteAddr().String())
		go func() {
			_ = t.RunUniAccept()
		}()
		go func() {
			if err := t.Run(false); err != nil {
				s.log.Debug("connection ended", "conn_id", connID, "error", err)
			}
			s.mu.Lock()
			delete(s.transports, connID)
			s.mu.Unlock()
		}()
	}
}

// congestionPolicyFactory builds the substream.CongestionPolicy factory
// passed to each connection.Connection, backing the configured
// congestion_control_mode with a fresh token bucket per substream
// (node.RateCongestionPolicy).
func (s *Server) congestionPolicyFactory() func() substream.CongestionPolicy {
	mode := s.cfg.Global.CongestionControlMode
	return func() substream.CongestionPolicy {
		return node.NewRateCongestionPolicy(mode, substreamObjectsPerSecond, substreamBurst)
	}
}

func (s *Server) ackConfig() ackhorizon.Config {
	return ackhorizon.Config{
		ExtraRepeatDelay:                s.cfg.Global.ExtraRepeatDelay,
		ExtraRepeatOnNack:               s.cfg.Global.ExtraRepeatOnNack,
		ExtraRepeatAfterReceivedDelayed: s.cfg.Global.ExtraRepeatAfterReceivedDelayed,
		QueueableDatagramSize:           s.cfg.Global.QueueableDatagramSize,
	}
}

// eventSink adapts lifecycle callbacks from one connection.Connection into
// hook events and fan-out pushes.
type eventSink struct {
	connID string
	s      *Server
}

func (s *Server) newEventSink(connID string) *eventSink { return &eventSink{connID: connID, s: s} }

func (e *eventSink) OnSourceRegistered(url string) {
	e.s.hookManager.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventSourceRegistered, time.Now()).WithURL(url))
}

func (e *eventSink) OnSubscriptionAccepted(mediaID uint64, url string) {
	e.s.hookManager.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventSubscriptionAccepted, time.Now()).WithMediaID(mediaID).WithURL(url))
}

func (e *eventSink) OnConsumerFinished(mediaID uint64) {
	e.s.hookManager.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventConsumerFinished, time.Now()).WithMediaID(mediaID))
}

func (e *eventSink) OnConnectionClosed(reason stream.CloseReason, code uint64) {
	e.s.hookManager.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventConnectionClosed, time.Now()).
		WithData("reason", reason.String()).WithData("code", code))
}

// FanOut pushes one object to every configured downstream peer, called by
// whatever local publish path feeds a registered node.Source.
func (s *Server) FanOut(group, object uint64, data []byte, flags byte, objectLength uint64, isNewGroup bool) {
	if s.fanout == nil {
		return
	}
	s.fanout.FanOut(group, object, data, flags, objectLength, isNewGroup)
}

// FanOutFin propagates an upstream source's end-of-media boundary to every
// configured downstream peer, the FIN counterpart to FanOut.
func (s *Server) FanOutFin(group, object uint64) {
	if s.fanout == nil {
		return
	}
	s.fanout.FanOutFin(group, object)
}

// Addr returns the bound listener address, or nil if not started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts down the server: stops accepting, closes every live
// connection, and waits for the accept loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.listener
	s.listener = nil
	transports := make([]*transportquic.Transport, 0, len(s.transports))
	for _, t := range s.transports {
		transports = append(transports, t)
	}
	s.mu.Unlock()

	_ = ln.Close()
	for _, t := range transports {
		_ = t.Close(stream.CloseQUICConnection, 0)
	}

	if s.fanout != nil {
		if err := s.fanout.Close(); err != nil {
			s.log.Error("error closing fan-out manager", "error", err)
		}
	}
	if err := s.hookManager.Close(); err != nil {
		s.log.Error("error closing hook manager", "error", err)
	}

	s.acceptingWg.Wait()
	s.log.Info("moq-relay server stopped")
	return nil
}
