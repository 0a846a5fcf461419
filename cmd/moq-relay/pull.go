package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"

	"github.com/alxayo/go-moqrelay/internal/logger"
	"github.com/alxayo/go-moqrelay/internal/moq/ackhorizon"
	"github.com/alxayo/go-moqrelay/internal/moq/connection"
	"github.com/alxayo/go-moqrelay/internal/moq/node"
	"github.com/alxayo/go-moqrelay/internal/moq/reassembly"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"
	"github.com/alxayo/go-moqrelay/internal/transportquic"
)

type pullFlags struct {
	addr    string
	url     string
	mode    string
	insecure bool
	output  string
}

func newPullCmd(gf *globalFlags) *cobra.Command {
	pf := &pullFlags{}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Connect outward and subscribe to a remote node's media",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(gf, pf)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&pf.addr, "addr", "", "Remote node address, host:port (required)")
	fs.StringVar(&pf.url, "url", "", "Media URL to request (required)")
	fs.StringVar(&pf.mode, "mode", "stream", "Transport mode: stream|datagram|warp|rush")
	fs.BoolVar(&pf.insecure, "insecure", true, "Skip TLS certificate verification")
	fs.StringVar(&pf.output, "output", "-", "File to write delivered objects to, or - for stdout")

	cmd.MarkFlagRequired("addr")
	cmd.MarkFlagRequired("url")

	return cmd
}

func parseTransportMode(s string) (wire.TransportMode, error) {
	switch s {
	case "stream":
		return wire.ModeStream, nil
	case "datagram":
		return wire.ModeDatagram, nil
	case "warp":
		return wire.ModeWarp, nil
	case "rush":
		return wire.ModeRush, nil
	default:
		return 0, fmt.Errorf("unknown transport mode %q", s)
	}
}

// fileConsumer writes every delivered object's bytes to an io.Writer,
// implementing reassembly.Consumer for the pull command's output sink.
type fileConsumer struct {
	w io.Writer
}

func (f *fileConsumer) Deliver(mode reassembly.Mode, group, object uint64, data []byte) error {
	_, err := f.w.Write(data)
	return err
}

func runPull(gf *globalFlags, pf *pullFlags) error {
	mode, err := parseTransportMode(pf.mode)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if pf.output != "-" && pf.output != "" {
		f, err := os.Create(pf.output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	log := logger.Logger().With("component", "cli")

	tlsConf := transportquic.ClientTLSConfig(pf.insecure)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	qc, err := quic.DialAddr(ctx, pf.addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return fmt.Errorf("dial %s: %w", pf.addr, err)
	}

	mgr := node.NewManager()
	conn := connection.New(1, mgr, nil, ackhorizon.Config{}, 30*time.Second)
	conn.NewAppConsumer = func(mediaID uint64, url string) reassembly.Consumer {
		return &fileConsumer{w: out}
	}

	t := transportquic.New(qc, conn)
	go func() { _ = t.RunUniAccept() }()

	str, err := t.OpenStream(true)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	body, err := wire.Encode(&wire.Request{URL: pf.url, TransportMode: mode})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := str.Write(body); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	log.Info("pull started", "addr", pf.addr, "url", pf.url, "mode", pf.mode)
	return t.Run(false)
}
