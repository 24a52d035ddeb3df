package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relay-node/pkg/config"
	"github.com/relay-node/pkg/logging"
	"github.com/relay-node/pkg/relay"
)

// NewRelayServer creates a transport for admitter. collectors are
// registered on the server's prometheus registry.
func NewRelayServer(admitter relay.Admitter, cfg *config.Config, collectors ...prometheus.Collector) (*RelayServer, error) {
	if admitter == nil {
		return nil, errors.New("server: nil admitter")
	}
	if cfg == nil {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}

	registry := prometheus.NewRegistry()
	for _, c := range collectors {
		if c == nil {
			continue
		}
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return &RelayServer{
		admitter: admitter,
		cfg:      cfg,
		registry: registry,
		conns:    make(map[*peerConn]struct{}),
	}, nil
}

// Registry returns the prometheus registry served on the metrics endpoint.
func (s *RelayServer) Registry() *prometheus.Registry { return s.registry }

// StartMetricsServer serves metrics and a health check until ctx is done.
func (s *RelayServer) StartMetricsServer(ctx context.Context, metricsAddr, metricsPath string) error {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
<head><title>Relay Node Exporter</title></head>
<body>
<h1>Relay Node Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})

	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", metricsAddr, metricsPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
