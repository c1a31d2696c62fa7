// Command loopback runs two netcore stacks on an in-memory Ethernet segment
// and echoes messages between them over TCP.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/netcore/config"
	"github.com/Clouded-Sabre/netcore/lib"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/sirupsen/logrus"
)

var flags struct {
	configPath string
	logLevel   string
	count      int
	size       int
	interval   time.Duration
	loss       float64
	port       int
}

func main() {
	fs := flag.NewFlagSet("loopback", flag.ExitOnError)
	fs.StringVar(&flags.configPath, "config", "", "YAML stack config, defaults when empty")
	fs.StringVar(&flags.logLevel, "log-level", "info", "log level for the demo and both stacks")
	fs.IntVar(&flags.count, "count", 10, "number of echo round trips")
	fs.IntVar(&flags.size, "size", 1400, "bytes per message")
	fs.DurationVar(&flags.interval, "interval", 200*time.Millisecond, "pause between messages")
	fs.Float64Var(&flags.loss, "loss", 0, "probability of dropping a frame on the link")
	fs.IntVar(&flags.port, "port", 8901, "echo server port")

	root := &ffcli.Command{
		Name:       "loopback",
		ShortUsage: "loopback [flags]",
		ShortHelp:  "TCP echo between two netcore stacks on a memory link",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("NETCORE")},
		Exec:       run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ParseAndRun(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type host struct {
	stack *lib.Stack
	iface *lib.MemoryInterface
}

func newHost(link *lib.MemoryLink, cfg *config.StackConfig, logger *logrus.Logger, name, mac, addr string) (*host, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, err
	}
	iface := link.Attach(name, hw, netip.MustParsePrefix(addr), 1500)
	router := lib.NewStaticRouter()
	router.AddRoute(iface.Prefix(), iface, netip.Addr{})

	s, err := lib.NewStack(cfg, router, nil, nil, logger)
	if err != nil {
		return nil, err
	}
	iface.Bind(s)
	if err := s.Start(); err != nil {
		return nil, err
	}
	return &host{stack: s, iface: iface}, nil
}

func (h *host) close() {
	h.stack.Close()
	h.iface.Close()
}

func run(ctx context.Context, args []string) error {
	cfg := config.DefaultStackConfig()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(flags.configPath); err != nil {
			return err
		}
	}
	cfg.LogLevel = flags.logLevel
	logger := lib.NewLogger(cfg.LogLevel)

	link := lib.NewMemoryLink()
	if flags.loss > 0 {
		link.SetDropFunc(func([]byte) bool { return rand.Float64() < flags.loss })
		logger.Infof("dropping %.0f%% of frames", flags.loss*100)
	}

	server, err := newHost(link, cfg, logger, "eth-server", "02:00:00:00:00:01", "10.0.0.1/24")
	if err != nil {
		return fmt.Errorf("server stack: %w", err)
	}
	defer server.close()
	client, err := newHost(link, cfg, logger, "eth-client", "02:00:00:00:00:02", "10.0.0.2/24")
	if err != nil {
		return fmt.Errorf("client stack: %w", err)
	}
	defer client.close()

	ln := server.stack.NewTcpEndpoint()
	if err := ln.Listen(uint16(flags.port)); err != nil {
		return err
	}
	defer ln.Close()
	go serve(ctx, ln, logger)

	conn := client.stack.NewTcpEndpoint()
	remote := netip.AddrPortFrom(server.iface.Addr(), uint16(flags.port))
	if err := conn.Connect(ctx, remote, true); err != nil {
		return fmt.Errorf("connect to %s: %w", remote, err)
	}
	logger.Infof("connected %s:%d -> %s", client.iface.Addr(), conn.LocalPort(), remote)

	msg := make([]byte, flags.size)
	reply := make([]byte, flags.size)
	for i := 0; i < flags.count; i++ {
		for j := range msg {
			msg[j] = byte(i + j)
		}
		start := time.Now()
		if _, err := conn.Send(msg, true); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
		if err := recvFull(ctx, conn, reply); err != nil {
			return fmt.Errorf("echo %d: %w", i, err)
		}
		if !bytes.Equal(msg, reply) {
			return fmt.Errorf("echo %d: payload mismatch", i)
		}
		logger.Infof("echo %d: %d bytes in %v", i, len(reply), time.Since(start).Round(time.Microsecond))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(flags.interval):
		}
	}

	if err := conn.Close(); err != nil {
		return err
	}
	for _, c := range client.stack.Tcp().Connections() {
		logger.Infof("client connection %s in %s", c.Handle, c.State)
	}
	return nil
}

func recvFull(ctx context.Context, ep *lib.TcpEndpoint, p []byte) error {
	for off := 0; off < len(p); {
		n, err := ep.Recv(ctx, p[off:], false)
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

func serve(ctx context.Context, ln *lib.TcpEndpoint, logger *logrus.Logger) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if !errors.Is(err, lib.ErrInterrupted) {
				logger.Warnf("accept: %v", err)
			}
			return
		}
		logger.Infof("accepted connection from %s", conn.Remote())
		go echo(ctx, conn, logger)
	}
}

func echo(ctx context.Context, conn *lib.TcpEndpoint, logger *logrus.Logger) {
	defer conn.Release()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Recv(ctx, buf, false)
		if errors.Is(err, io.EOF) {
			logger.Info("connection closed by client")
			return
		}
		if err != nil {
			logger.Warnf("recv: %v", err)
			return
		}
		if _, err := conn.Send(buf[:n], true); err != nil {
			logger.Warnf("send: %v", err)
			return
		}
	}
}
