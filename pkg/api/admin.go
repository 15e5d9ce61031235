package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/noetl/noetl/pkg/log"
	"github.com/noetl/noetl/pkg/metrics"
)

// probeInterval is how often the store probe refreshes readiness
const probeInterval = 10 * time.Second

// Admin is the operational HTTP surface a daemon exposes: liveness on
// /live, aggregated health on /health, store-backed readiness on
// /ready, and Prometheus metrics on /metrics. It carries no workflow
// API; executions are coordinated through the store.
type Admin struct {
	component string
	stats     metrics.QueueStats
	mux       *http.ServeMux
	log       zerolog.Logger
}

// NewAdmin builds the admin surface for one daemon. The store probe
// feeds the "store" component that readiness waits on.
func NewAdmin(component string, stats metrics.QueueStats) *Admin {
	a := &Admin{
		component: component,
		stats:     stats,
		mux:       http.NewServeMux(),
		log:       log.WithComponent("admin").With().Str("daemon", component).Logger(),
	}
	a.mux.HandleFunc("/live", metrics.LivenessHandler())
	a.mux.HandleFunc("/health", metrics.HealthHandler())
	a.mux.HandleFunc("/ready", metrics.ReadyHandler())
	a.mux.Handle("/metrics", metrics.Handler())

	metrics.SetCritical("store")
	metrics.SetComponent(component, true, "")
	return a
}

// Handler exposes the mux for embedding and tests
func (a *Admin) Handler() http.Handler { return a.mux }

// Serve probes the store, then blocks on the listener until the
// context ends. Shutdown driven by the context is a clean return.
func (a *Admin) Serve(ctx context.Context, addr string) error {
	a.probe(ctx)
	go a.probeLoop(ctx)

	srv := &http.Server{
		Addr:         addr,
		Handler:      a.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.log.Info().Str("addr", addr).Msg("admin endpoint up")

	select {
	case err := <-errc:
		return fmt.Errorf("admin listener: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	}
}

func (a *Admin) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.probe(ctx)
		}
	}
}

// probe records store reachability for /ready
func (a *Admin) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := a.stats.CountJobsByStatus(probeCtx); err != nil {
		metrics.SetComponent("store", false, err.Error())
		a.log.Warn().Err(err).Msg("store probe failed")
		return
	}
	metrics.SetComponent("store", true, "")
}
