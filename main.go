package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relay-node/pkg/config"
	"github.com/relay-node/pkg/logging"
	"github.com/relay-node/pkg/recent"
	"github.com/relay-node/pkg/relay"
	"github.com/relay-node/pkg/server"
	"github.com/relay-node/pkg/sink"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry (default :9090).").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics (default /metrics).").String()
	bindAddr      = kingpin.Flag("bind-addr", "Address to bind for relay peers (default :8336).").String()

	appConfig *config.Config
)

func main() {
	kingpin.Parse()

	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = &config.Config{}
		appConfig.SetDefaults()
		appConfig.ApplyEnvOverrides()
	}
	if err := logging.Init(appConfig.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Flush()

	logging.Logf("Relay node initialized with ID: %s", logging.GetNodeID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runRelay(ctx); err != nil {
		logging.Fatalf("Relay error: %v", err)
	}
	logging.Log("Relay node stopped")
}

func runRelay(ctx context.Context) error {
	rc := appConfig.Relay

	rebroadcaster := sink.New(rc.DedupCacheSize, appConfig.GetDedupTTL())
	hub := relay.New(rebroadcaster,
		relay.WithRecentCache(recent.New(rc.RecentHostCapacity, appConfig.GetRecentHostTTL())),
	)
	rebroadcaster.Attach(hub, hub.Collector())

	var collectors []prometheus.Collector
	if c := hub.Collector(); c != nil {
		collectors = append(collectors, c)
	}
	relayServer, err := server.NewRelayServer(hub, appConfig, collectors...)
	if err != nil {
		return fmt.Errorf("failed to create relay server: %w", err)
	}

	// Flags override the config file, which carries the defaults
	bindAddress := firstNonEmpty(*bindAddr, rc.BindAddr)
	metricsPath := firstNonEmpty(*telemetryPath, rc.TelemetryPath)
	metricsAddr := firstNonEmpty(*listenAddress, rc.ListenAddress)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := relayServer.StartListener(gctx, bindAddress); err != nil {
			return fmt.Errorf("relay listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := relayServer.StartMetricsServer(gctx, metricsAddr, metricsPath); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
