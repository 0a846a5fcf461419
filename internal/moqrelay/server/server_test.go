package server

import (
	"testing"
	"time"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.ListenAddr != ":4433" {
		t.Fatalf("ListenAddr default = %q, want :4433", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel default = %q, want info", cfg.LogLevel)
	}
	if cfg.Global.CacheDurationMax != 30*time.Second {
		t.Fatalf("CacheDurationMax default = %v, want 30s", cfg.Global.CacheDurationMax)
	}

	// Explicit values are not overwritten.
	cfg2 := Config{ListenAddr: ":9999", LogLevel: "debug"}
	cfg2.Global.CacheDurationMax = 5 * time.Second
	cfg2.applyDefaults()
	if cfg2.ListenAddr != ":9999" || cfg2.LogLevel != "debug" || cfg2.Global.CacheDurationMax != 5*time.Second {
		t.Fatalf("applyDefaults overwrote explicit config: %+v", cfg2)
	}
}

func TestServer_StartWithoutTLSFails(t *testing.T) {
	s := New(Config{ListenAddr: ":0"})
	if err := s.Start(); err == nil {
		t.Fatalf("expected Start to fail without tls cert/key")
	}
	if s.Addr() != nil {
		t.Fatalf("expected nil Addr after failed Start")
	}
}

func TestServer_StopWithoutStartIsNoop(t *testing.T) {
	s := New(Config{ListenAddr: ":0"})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}

func TestServer_ManagerAndMetricsAndHooksNonNil(t *testing.T) {
	s := New(Config{})
	if s.Manager() == nil {
		t.Fatalf("expected non-nil Manager")
	}
	if s.Metrics() == nil {
		t.Fatalf("expected non-nil Metrics")
	}
	if s.HookManager() == nil {
		t.Fatalf("expected non-nil HookManager")
	}
}

func TestServer_FanOutWithoutDestinationsIsNoop(t *testing.T) {
	s := New(Config{})
	// No RelayDestinations configured: FanOut must not panic on a nil fanout manager.
	s.FanOut(0, 0, []byte("x"), 0, 1, false)
}
