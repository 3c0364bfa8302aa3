// Package httpapi serves the engine's operator surface: status, queue and
// dead-letter inspection, conflict resolution, initial sync, media health
// and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborview/shipsync/internal/bootstrap"
	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/connectivity"
	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/media"
	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/syncer"
)

// Pinger checks bus reachability for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP operator surface.
type Server struct {
	cfg      *config.Config
	store    storage.Storage
	engine   *syncer.Syncer
	entities host.Host
	monitor  *connectivity.Monitor
	mirror   *media.Mirror
	puller   *bootstrap.Runner
	bus      Pinger

	startedAt  time.Time
	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
}

// NewServer wires the surface. monitor, mirror, puller and bus may be nil
// when the corresponding subsystem is disabled; their routes then report
// accordingly.
func NewServer(cfg *config.Config, store storage.Storage, engine *syncer.Syncer, entities host.Host, monitor *connectivity.Monitor, mirror *media.Mirror, puller *bootstrap.Runner, bus Pinger) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		entities:  entities,
		monitor:   monitor,
		mirror:    mirror,
		puller:    puller,
		bus:       bus,
		startedAt: time.Now().UTC(),
	}
}

// Start listens on cfg.HTTPAddr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/push", s.handlePush)
	mux.HandleFunc("/pull", s.handlePull)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/queue/pending", s.handleQueuePending)
	mux.HandleFunc("/ships", s.handleShips)
	mux.HandleFunc("/conflicts", s.handleConflicts)
	mux.HandleFunc("/conflicts/", s.handleConflictByID)
	mux.HandleFunc("/dead-letter", s.handleDeadLetters)
	mux.HandleFunc("/dead-letter/", s.handleDeadLetterByID)
	mux.HandleFunc("/initial-sync/pull", s.handleInitialSyncPull)
	mux.HandleFunc("/initial-sync/status", s.handleInitialSyncStatus)
	mux.HandleFunc("/media/stats", s.handleMediaStats)
	mux.HandleFunc("/media/health", s.handleMediaStats)
	mux.HandleFunc("/media/sync", s.handleMediaSync)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/health/live", s.handleLive)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/health", s.handleHealth)

	registry := prometheus.NewRegistry()
	registry.MustRegister(newEngineCollector(s.cfg, s.store, s.startedAt))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	var err error
	s.listener, err = net.Listen("tcp", s.cfg.HTTPAddr)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if serveErr := s.httpServer.Serve(s.listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.HTTPAddr
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	pending, err := s.store.PendingCount(r.Context(), s.cfg.ShipID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"mode":      s.cfg.Mode,
		"shipId":    s.cfg.ShipID,
		"queueSize": pending,
	}
	if s.monitor != nil {
		resp["connectivity"] = s.monitor.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	res, err := s.engine.Push(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "skipped": res.Skipped, "sent": res.Sent, "failed": res.Failed,
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	n, err := s.engine.Pull(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "requeued": n})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	entries, err := s.store.ListQueue(r.Context(), s.cfg.ShipID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleQueuePending(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	n, err := s.store.PendingCount(r.Context(), s.cfg.ShipID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": n})
}

func (s *Server) handleShips(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.cfg.Mode != config.ModeMaster {
		writeError(w, http.StatusNotFound, "ship registry is master-only")
		return
	}
	ships, err := s.store.ListShips(r.Context(), 2*s.cfg.Sync.HeartbeatInterval())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ships": ships, "count": len(ships)})
}

// handleExport serves paginated entity pages for replica initial sync.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	contentType := r.URL.Query().Get("contentType")
	if contentType == "" {
		writeError(w, http.StatusBadRequest, "contentType is required")
		return
	}
	lister, ok := s.entities.(interface {
		List(ctx context.Context, contentType string) ([]*host.Entity, error)
	})
	if !ok {
		writeError(w, http.StatusNotImplemented, "host does not support export")
		return
	}
	all, err := lister.List(r.Context(), contentType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if size < 1 || size > 1000 {
		size = 100
	}
	start := (page - 1) * size
	end := start + size
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	data := make([]host.Entity, 0, end-start)
	for _, e := range all[start:end] {
		data = append(data, *e)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": data, "page": page, "hasMore": end < len(all), "total": len(all),
	})
}

func (s *Server) handleInitialSyncPull(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.puller == nil {
		writeError(w, http.StatusNotFound, "initial sync is replica-only")
		return
	}
	var req bootstrap.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.MasterURL == "" {
		req.MasterURL = s.cfg.Master.URL
	}
	if req.MasterAPIToken == "" {
		req.MasterAPIToken = s.cfg.Master.APIToken
	}
	st, err := s.puller.Run(r.Context(), req)
	if err != nil {
		if errors.Is(err, bootstrap.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		// Partial results still matter to the operator.
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error(), "status": st})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": st})
}

func (s *Server) handleInitialSyncStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.puller == nil {
		writeError(w, http.StatusNotFound, "initial sync is replica-only")
		return
	}
	writeJSON(w, http.StatusOK, s.puller.Status())
}

func (s *Server) handleMediaStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.mirror == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.mirror.Stats())
}

func (s *Server) handleMediaSync(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.mirror == nil {
		writeError(w, http.StatusNotFound, "media sync is disabled")
		return
	}
	st, err := s.mirror.Sync(r.Context())
	if err != nil {
		if errors.Is(err, media.ErrSyncRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error(), "stats": st})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": st})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("database: %v", err))
		return
	}
	if s.bus != nil {
		if err := s.bus.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("bus: %v", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]any{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}
	if s.bus != nil {
		if err := s.bus.Ping(ctx); err != nil {
			checks["bus"] = err.Error()
			healthy = false
		} else {
			checks["bus"] = "ok"
		}
	}
	if s.monitor != nil {
		checks["connectivity"] = s.monitor.Status()
	}
	if ds, err := s.store.DeadLetterStats(ctx); err == nil {
		checks["deadLetter"] = ds
	}
	if s.mirror != nil {
		checks["media"] = s.mirror.Stats()
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status, "mode": s.cfg.Mode, "shipId": s.cfg.ShipID, "checks": checks,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// pathID extracts the numeric id segment after prefix, tolerating a
// trailing action segment ("/dead-letter/12/retry").
func pathID(path, prefix string) (int64, string, error) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid id %q", parts[0])
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action, nil
}
