package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/alecthomas/kong"
	"github.com/philsphicas/relaynet/internal/metrics"
	"github.com/willabides/kongplete"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

// globals are flags shared by every command.
type globals struct {
	LogLevel          string `help:"Log level (debug, info, warn, error)." default:"info" env:"RELAYNET_LOG_LEVEL"`
	MetricsAddr       string `help:"Address for the Prometheus metrics server (e.g. :9090); disabled if empty." env:"RELAYNET_METRICS_ADDR"`
	MetricsMaxTargets int    `help:"Max unique target labels in metrics (0 = unlimited)." default:"500" env:"RELAYNET_METRICS_MAX_TARGETS"`
}

type cli struct {
	Globals globals `embed:""`

	Server             serverCmd                    `cmd:"" help:"Run a relay server."`
	Client             clientCmd                    `cmd:"" help:"Connect to relays and exchange messages."`
	Version            versionCmd                   `cmd:"" help:"Print the version."`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

func newParser(ctx context.Context, c *cli, opts ...kong.Option) (*kong.Kong, error) {
	opts = append([]kong.Option{
		kong.Name("relaynet"),
		kong.Description("Relay messaging server and client."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	}, opts...)
	return kong.New(c, opts...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c cli
	parser, err := newParser(ctx, &c)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kongplete.Complete(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	kctx.FatalIfErrorf(kctx.Run(&c.Globals))
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// addr is set. Returns nil if metrics are disabled. The provided context
// controls the server's lifetime.
func resolveMetrics(ctx context.Context, g *globals, logger *slog.Logger) (*metrics.Metrics, error) {
	if g.MetricsAddr == "" {
		return nil, nil
	}
	if g.MetricsMaxTargets < 0 {
		return nil, fmt.Errorf("--metrics-max-targets must be >= 0, got %d", g.MetricsMaxTargets)
	}
	ln, err := net.Listen("tcp", g.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", g.MetricsAddr, err)
	}
	m := metrics.New()
	m.MaxTargets = g.MetricsMaxTargets
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}
