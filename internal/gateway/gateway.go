// Package gateway is the server's front door: it authenticates device
// websockets, routes prompt frames into Dot, bridges execution commands,
// and broadcasts agent lifecycle events back to the user's devices.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotbot-ai/dotbot/internal/config"
	"github.com/dotbot-ai/dotbot/internal/devices"
	"github.com/dotbot-ai/dotbot/internal/dot"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/internal/transport"
)

// Deps carries the gateway's collaborators.
type Deps struct {
	Devices  *devices.Store
	Sessions *devices.Sessions
	Hub      *transport.Hub
	Dot      *dot.Dot
	Config   config.ServerConfig
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Gateway terminates device connections and owns the server HTTP surface.
type Gateway struct {
	devices  *devices.Store
	sessions *devices.Sessions
	hub      *transport.Hub
	dot      *dot.Dot
	bus      *Bus
	source   *BridgeSource
	cfg      config.ServerConfig
	log      *observability.Logger
	metrics  *observability.Metrics

	ws   *transport.Server
	http *http.Server
}

// New wires the gateway. The returned value is also the transport.Handler
// for its own websocket endpoint.
func New(deps Deps) *Gateway {
	log := deps.Logger
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	g := &Gateway{
		devices:  deps.Devices,
		sessions: deps.Sessions,
		hub:      deps.Hub,
		dot:      deps.Dot,
		cfg:      deps.Config,
		log:      log,
		metrics:  metrics,
	}
	g.bus = NewBus(deps.Hub, deps.Dot, log, metrics)
	g.source = NewBridgeSource(deps.Hub)
	g.ws = transport.NewServer(g, log, metrics)
	return g
}

// Bus returns the broadcast bus; the pipeline publishes completions to it.
func (g *Gateway) Bus() *Bus { return g.bus }

// Source returns the bridge-backed context source for the pipeline.
func (g *Gateway) Source() *BridgeSource { return g.source }

// Handler builds the server HTTP mux: websocket endpoint, health, and
// Prometheus metrics.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", g.ws)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","time":%q}`, time.Now().UTC().Format(time.RFC3339))
	})
	return mux
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains
// with a short grace period.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	g.http = &http.Server{
		Addr:        addr,
		Handler:     g.Handler(),
		ReadTimeout: 0, // websocket connections are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		g.log.Info(ctx, "gateway listening", "addr", addr)
		errCh <- g.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.http.Shutdown(shutdownCtx)
	}
}
