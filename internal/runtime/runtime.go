package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minbarlabs/minbar-core/internal/bus"
	"github.com/minbarlabs/minbar-core/internal/config"
	"github.com/minbarlabs/minbar-core/internal/eventstore"
	"github.com/minbarlabs/minbar-core/internal/hub"
	"github.com/minbarlabs/minbar-core/internal/ingest"
	"github.com/minbarlabs/minbar-core/internal/natsserver"
	"github.com/minbarlabs/minbar-core/internal/sermon"
	"github.com/minbarlabs/minbar-core/internal/supervisor"
)

// Runtime wires the full captioning pipeline: bus, stores, ingest, alignment
// supervisor, viewer hub, and the operator HTTP surface. Start blocks until
// the context is cancelled, then tears everything down in reverse order.
type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	sup            *supervisor.Supervisor
	events         *eventstore.Store
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS server: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer busClient.Close()

	sermons, err := sermon.Open(ctx, r.cfg.SermonStore, r.logger.With(slog.String("component", "sermon-store")))
	if err != nil {
		return fmt.Errorf("failed to open sermon store: %w", err)
	}
	defer sermons.Close()

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "event-store")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer events.Close()
	r.events = events

	viewerHub := hub.New(r.cfg.Hub.ViewerBuffer, r.logger)
	bridge := hub.NewBridge(busClient, r.logger)
	defer bridge.Close()

	ing := ingest.NewService(busClient, r.logger)
	if err := ing.Start(); err != nil {
		return fmt.Errorf("failed to start transcript ingest: %w", err)
	}
	defer ing.Close()

	r.sup = supervisor.New(ctx, r.cfg.Align, sermons, events, viewerHub, bridge, ing, busClient, r.logger)
	if err := r.sup.Start(); err != nil {
		return fmt.Errorf("failed to start session supervisor: %w", err)
	}
	defer r.sup.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/sessions", r.handleSessions)
	mux.HandleFunc("/v1/weak-segments", r.handleWeakSegments)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Bool("embedded_bus", r.cfg.Bus.Embedded))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	infos := r.sup.ActiveSessions()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		r.logger.Error("failed to encode session listing", slog.String("error", err.Error()))
	}
}

// handleWeakSegments serves the re-vetting report: segments of a sermon whose
// live matching was historically weak.
func (r *Runtime) handleWeakSegments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sermonID, err := strconv.ParseInt(req.URL.Query().Get("sermon_id"), 10, 64)
	if err != nil {
		http.Error(w, "sermon_id must be an integer", http.StatusBadRequest)
		return
	}
	maxScore := 0.6
	if v := req.URL.Query().Get("max_score"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			maxScore = parsed
		}
	}
	weak, err := r.events.WeakSegments(req.Context(), sermonID, maxScore, 100)
	if err != nil {
		r.logger.Error("weak segment query failed", slog.String("error", err.Error()))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(weak); err != nil {
		r.logger.Error("failed to encode weak segment report", slog.String("error", err.Error()))
	}
}
