package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/you/chzzk-deck/internal/chzzk"
	"github.com/you/chzzk-deck/internal/settings"
	"github.com/you/chzzk-deck/internal/stream"
	"github.com/you/chzzk-deck/internal/supervisor"
)

// ssePingInterval keeps idle SSE connections alive through proxies.
const ssePingInterval = 20 * time.Second

const defaultMessagesLimit = 20

// Controller is the session lifecycle surface (satisfied by
// *supervisor.Supervisor).
type Controller interface {
	Start(ctx context.Context, channelID string) error
	Stop()
	Restart(ctx context.Context) error
	Status() supervisor.Status
}

// MessageStore exposes the persisted message count for the status payload.
type MessageStore interface {
	Count(ctx context.Context) (int64, error)
}

type Options struct {
	Addr           string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
	EnableMetrics  bool
	AccessLog      bool

	// ApplySettings, when set, is invoked after a settings update is saved
	// so live components (buffer capacity, store window) pick it up without
	// waiting for the file watcher.
	ApplySettings func(settings.Settings)
}

type Server struct {
	httpServer *http.Server
	hub        *stream.Hub
	control    Controller
	settings   *settings.Store
	store      MessageStore
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	apply      func(settings.Settings)
	accessLog  bool

	mu     sync.Mutex
	closed bool
}

func New(hub *stream.Hub, control Controller, st *settings.Store, store MessageStore, opts Options) *Server {
	srv := &Server{
		hub:       hub,
		control:   control,
		settings:  st,
		store:     store,
		metrics:   newMetrics(),
		limiter:   newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:      newCORSPolicy(opts.CORSOrigins),
		apply:     opts.ApplySettings,
		accessLog: opts.AccessLog,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	if opts.EnableMetrics {
		mux.Handle("/metrics", srv.metrics.Handler())
	}
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/chat/messages", srv.handleMessages)
	mux.HandleFunc("/api/chat/stream", srv.handleStream)
	mux.HandleFunc("/api/chat/start", srv.handleStart)
	mux.HandleFunc("/api/chat/stop", srv.handleStop)
	mux.HandleFunc("/api/chat/restart", srv.handleRestart)
	mux.HandleFunc("/api/settings", srv.handleSettings)

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler exposes the fully wrapped handler (mainly for tests).
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ReportStoreError counts a failed message store write. Safe on nil.
func (s *Server) ReportStoreError() {
	if s == nil {
		return
	}
	s.metrics.IncStoreErrors()
}

func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if handled, status := s.cors.handlePreflight(w, r); handled {
			s.metrics.ObserveRequest(r.URL.Path, r.Method, status, time.Since(start))
			return
		}
		if !s.cors.applyHeaders(w, r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		rec := newResponseRecorder(w)
		if gz, ok := maybeGzip(rec, r); ok {
			defer gz.Close()
		}
		next.ServeHTTP(rec, r)

		dur := time.Since(start)
		s.metrics.ObserveRequest(r.URL.Path, r.Method, rec.Status(), dur)
		if !s.accessLog {
			return
		}
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.Status(),
			"bytes", rec.Bytes(),
			"duration_ms", dur.Milliseconds(),
			"remote", remoteIP(r),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st := s.control.Status()
	cfg := s.settings.Current()

	status := map[string]any{
		"active":       st.Active,
		"state":        st.State,
		"messageCount": s.hub.Len(),
		"subscribers":  s.hub.Subscribers(),
		"maxMessages":  cfg.MaxMessages,
		"fadeTime":     cfg.FadeTime,
	}
	if st.ChannelID != "" {
		status["channelId"] = st.ChannelID
	}
	if st.ChatChannelID != "" {
		status["chatChannelId"] = st.ChatChannelID
	}
	if st.ChannelName != "" {
		status["channelName"] = st.ChannelName
	}
	if st.Server != "" {
		status["server"] = st.Server
	}
	if st.StartedAt != nil {
		status["startedAt"] = st.StartedAt.UTC().Format(time.RFC3339)
	}
	if st.LastError != "" {
		status["lastError"] = st.LastError
	}
	if s.store != nil {
		if n, err := s.store.Count(r.Context()); err == nil {
			status["storedCount"] = n
		}
	}
	status["ingest"] = chzzk.IngestSnapshot()

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": status})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := defaultMessagesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
			if limit > 1000 {
				limit = 1000
			}
		}
	}

	msgs := s.hub.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": msgs,
		"total":    s.hub.Len(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				// Closed by the hub: this subscriber fell behind.
				s.metrics.IncSSEDrops()
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			s.metrics.IncMessagesSent()
		}
	}
}

type startRequest struct {
	ChannelID string `json:"channelId"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req startRequest
	if r.Body != nil {
		// An empty or absent body falls back to the configured channel.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = s.settings.Current().ChannelID
	}

	if err := s.control.Start(r.Context(), channelID); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrMissingChannelID):
			writeError(w, http.StatusBadRequest, "channelId is required")
		case errors.Is(err, supervisor.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "chat session already running")
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "chat started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.control.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "chat stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.control.Restart(r.Context()); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrMissingChannelID):
			writeError(w, http.StatusBadRequest, "channelId is required")
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "chat restarted"})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"settings": s.settings.Current(),
		})
	case http.MethodPost:
		var next settings.Settings
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			writeError(w, http.StatusBadRequest, "invalid settings payload")
			return
		}
		if err := s.settings.Save(next); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
		if s.apply != nil {
			s.apply(s.settings.Current())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"settings": s.settings.Current(),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) Start() error {
	slog.Info("http api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
