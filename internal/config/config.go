// Package config holds the process-level and global-context configuration
// surface of the relay node. Per-process knobs follow a flat
// Config-struct-plus-applyDefaults pattern; the global-context parameters
// are promoted to a loadable YAML document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CongestionControlMode selects the warp/rush should_skip policy (spec §6).
type CongestionControlMode string

const (
	CongestionNone        CongestionControlMode = "none"
	CongestionDelay       CongestionControlMode = "delay"
	CongestionGroup       CongestionControlMode = "group"
	CongestionGroupStrict CongestionControlMode = "group_strict"
	CongestionZeroStrict  CongestionControlMode = "zero_strict"
)

// Global holds the spec §6 global-context configuration parameters.
type Global struct {
	CacheDurationMax                time.Duration
	ExtraRepeatDelay                time.Duration
	ExtraRepeatOnNack               bool
	ExtraRepeatAfterReceivedDelayed bool
	CongestionControlMode           CongestionControlMode
	// QueueableDatagramSize bounds the payload size ackhorizon.Repeat will
	// split at; not part of spec §6's named list but needed to exercise
	// the boundary behavior of spec §8.
	QueueableDatagramSize int
}

// globalYAML mirrors Global with duration fields as parseable strings —
// yaml.v3 has no built-in time.Duration support, so UnmarshalYAML bridges
// through this shape the way config-file loaders in the retrieval pack do.
type globalYAML struct {
	CacheDurationMax                string                `yaml:"cache_duration_max"`
	ExtraRepeatDelay                string                `yaml:"extra_repeat_delay"`
	ExtraRepeatOnNack               bool                  `yaml:"extra_repeat_on_nack"`
	ExtraRepeatAfterReceivedDelayed bool                  `yaml:"extra_repeat_after_received_delayed"`
	CongestionControlMode           CongestionControlMode `yaml:"congestion_control_mode"`
	QueueableDatagramSize           int                   `yaml:"queueable_datagram_size"`
}

// UnmarshalYAML parses duration fields given as Go duration strings (e.g.
// "5s", "10ms") into time.Duration.
func (g *Global) UnmarshalYAML(value *yaml.Node) error {
	var aux globalYAML
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.CacheDurationMax != "" {
		d, err := time.ParseDuration(aux.CacheDurationMax)
		if err != nil {
			return fmt.Errorf("cache_duration_max: %w", err)
		}
		g.CacheDurationMax = d
	}
	if aux.ExtraRepeatDelay != "" {
		d, err := time.ParseDuration(aux.ExtraRepeatDelay)
		if err != nil {
			return fmt.Errorf("extra_repeat_delay: %w", err)
		}
		g.ExtraRepeatDelay = d
	}
	g.ExtraRepeatOnNack = aux.ExtraRepeatOnNack
	g.ExtraRepeatAfterReceivedDelayed = aux.ExtraRepeatAfterReceivedDelayed
	g.CongestionControlMode = aux.CongestionControlMode
	g.QueueableDatagramSize = aux.QueueableDatagramSize
	return nil
}

// applyDefaults fills zero values with sensible defaults.
func (g *Global) applyDefaults() {
	if g.CacheDurationMax == 0 {
		g.CacheDurationMax = 30 * time.Second
	}
	if g.CongestionControlMode == "" {
		g.CongestionControlMode = CongestionNone
	}
	if g.QueueableDatagramSize == 0 {
		g.QueueableDatagramSize = 1350
	}
}

// Load reads and unmarshals a YAML global-context configuration file,
// applying defaults for any field left unset.
func Load(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	var g Global
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
	}
	g.applyDefaults()
	return &g, nil
}

// Node is the per-process configuration of a moq-relay node, populated from
// CLI flags (cmd/moq-relay).
type Node struct {
	ListenAddr string
	LogLevel   string
	TLSCert    string
	TLSKey     string
	// ConfigPath, if set, is loaded into Global and merged over defaults.
	ConfigPath string
	Global     Global
}

// applyDefaults fills zero values with sensible defaults.
func (n *Node) applyDefaults() {
	if n.ListenAddr == "" {
		n.ListenAddr = ":4433"
	}
	if n.LogLevel == "" {
		n.LogLevel = "info"
	}
	n.Global.applyDefaults()
}

// NewNode builds a Node config, loading ConfigPath over the defaults when set.
func NewNode(listenAddr, logLevel, tlsCert, tlsKey, configPath string) (*Node, error) {
	n := &Node{ListenAddr: listenAddr, LogLevel: logLevel, TLSCert: tlsCert, TLSKey: tlsKey, ConfigPath: configPath}
	n.applyDefaults()
	if configPath != "" {
		g, err := Load(configPath)
		if err != nil {
			return nil, err
		}
		n.Global = *g
	}
	return n, nil
}
