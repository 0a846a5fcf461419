package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/alxayo/go-moqrelay/internal/config"
	"github.com/alxayo/go-moqrelay/internal/hooks"
	"github.com/alxayo/go-moqrelay/internal/logger"
	"github.com/alxayo/go-moqrelay/internal/moqrelay/server"
)

type serveFlags struct {
	listenAddr string
	tlsCert    string
	tlsKey     string

	congestionMode congestionModeValue

	relayTo         []string
	relayURL        string
	hookScript      []string
	hookWebhook     []string
	hookStdio       string
	hookTimeout     string
	hookConcurrency int
}

// congestionModeValue adapts config.CongestionControlMode to pflag.Value so
// --congestion-mode is validated against the known enum at parse time
// instead of being accepted as an arbitrary string and only checked later,
// the way linkerd-linkerd2's cobra commands validate enum flags directly
// through custom pflag.Value types.
type congestionModeValue config.CongestionControlMode

var _ pflag.Value = (*congestionModeValue)(nil)

func (v *congestionModeValue) String() string { return string(*v) }

func (v *congestionModeValue) Type() string { return "congestion-mode" }

func (v *congestionModeValue) Set(s string) error {
	switch config.CongestionControlMode(s) {
	case config.CongestionNone, config.CongestionDelay, config.CongestionGroup,
		config.CongestionGroupStrict, config.CongestionZeroStrict:
		*v = congestionModeValue(s)
		return nil
	default:
		return fmt.Errorf("unknown congestion mode %q (want none|delay|group|group_strict|zero_strict)", s)
	}
}

func newServeCmd(gf *globalFlags) *cobra.Command {
	sf := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and serve as an origin/relay node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(gf, sf)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&sf.listenAddr, "listen", ":4433", "UDP listen address for QUIC")
	fs.StringVar(&sf.tlsCert, "tls-cert", "", "TLS certificate file (required)")
	fs.StringVar(&sf.tlsKey, "tls-key", "", "TLS key file (required)")
	fs.StringSliceVar(&sf.relayTo, "relay-to", nil, "Downstream peer address to fan out to (moq://host:port), repeatable")
	fs.StringVar(&sf.relayURL, "relay-url", "", "URL advertised to --relay-to peers for fanned-out objects")
	sf.congestionMode = congestionModeValue(config.CongestionNone)
	fs.Var(&sf.congestionMode, "congestion-mode", "Congestion control mode: none|delay|group|group_strict|zero_strict")
	fs.StringSliceVar(&sf.hookScript, "hook-script", nil, "event_type=script_path, repeatable")
	fs.StringSliceVar(&sf.hookWebhook, "hook-webhook", nil, "event_type=webhook_url, repeatable")
	fs.StringVar(&sf.hookStdio, "hook-stdio-format", "", "Enable structured stdio output: json|env")
	fs.StringVar(&sf.hookTimeout, "hook-timeout", "30s", "Timeout for hook execution")
	fs.IntVar(&sf.hookConcurrency, "hook-concurrency", 10, "Maximum concurrent hook executions")

	cmd.MarkFlagRequired("tls-cert")
	cmd.MarkFlagRequired("tls-key")

	return cmd
}

// eventTypeByName maps the CLI's event_type= prefix to a hooks.EventType.
var eventTypeByName = map[string]hooks.EventType{
	"source_registered":     hooks.EventSourceRegistered,
	"subscription_accepted": hooks.EventSubscriptionAccepted,
	"consumer_finished":     hooks.EventConsumerFinished,
	"connection_closed":     hooks.EventConnectionClosed,
}

func parseHookAssignment(flagName, assignment string) (hooks.EventType, string, error) {
	parts := strings.SplitN(assignment, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid %s format %q, expected event_type=value", flagName, assignment)
	}
	et, ok := eventTypeByName[parts[0]]
	if !ok {
		return "", "", fmt.Errorf("invalid %s: unknown event type %q", flagName, parts[0])
	}
	return et, parts[1], nil
}

func registerHookFlags(mgr *hooks.Manager, sf *serveFlags) error {
	for _, assignment := range sf.hookScript {
		et, path, err := parseHookAssignment("hook-script", assignment)
		if err != nil {
			return err
		}
		timeout, err := time.ParseDuration(sf.hookTimeout)
		if err != nil {
			return fmt.Errorf("invalid hook-timeout %q: %w", sf.hookTimeout, err)
		}
		if err := mgr.RegisterHook(et, hooks.NewShellHook(path, path, timeout)); err != nil {
			return err
		}
	}
	for _, assignment := range sf.hookWebhook {
		et, url, err := parseHookAssignment("hook-webhook", assignment)
		if err != nil {
			return err
		}
		timeout, err := time.ParseDuration(sf.hookTimeout)
		if err != nil {
			return fmt.Errorf("invalid hook-timeout %q: %w", sf.hookTimeout, err)
		}
		if err := mgr.RegisterHook(et, hooks.NewWebhookHook(url, url, timeout)); err != nil {
			return err
		}
	}
	return nil
}

func runServe(gf *globalFlags, sf *serveFlags) error {
	var global config.Global
	if gf.configPath != "" {
		g, err := config.Load(gf.configPath)
		if err != nil {
			return err
		}
		global = *g
	}
	if sf.congestionMode != "" {
		global.CongestionControlMode = config.CongestionControlMode(sf.congestionMode)
	}

	cfg := server.Config{
		ListenAddr: sf.listenAddr,
		LogLevel:   gf.logLevel,
		TLSCert:    sf.tlsCert,
		TLSKey:     sf.tlsKey,
		Global:     global,

		RelayDestinations: sf.relayTo,
		RelayURL:          sf.relayURL,

		HookConfig: hooks.Config{
			Timeout:     sf.hookTimeout,
			Concurrency: sf.hookConcurrency,
			StdioFormat: sf.hookStdio,
		},
	}

	log := logger.Logger().With("component", "cli")
	srv := server.New(cfg)
	if err := registerHookFlags(srv.HookManager(), sf); err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Info("server started", "addr", srv.Addr().String(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := srv.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
	return nil
}
