// Package gateway exposes the plugin registry over HTTP. The agent runtime
// posts lifecycle hooks, the CLI invokes commands and gateway methods, and
// operators scrape health and metrics. The gateway itself is stateless; all
// behavior lives in the registered plugins.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/config"
	"github.com/openclaw-oversight/oversight-go/internal/observability"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

const (
	apiTimeout        = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Config carries the gateway listen address and the optional API key. When a
// key is set, every /api/v1 request must present it.
type Config struct {
	Listen string
	APIKey string
}

// Server is the HTTP bridge between the agent runtime and the plugin
// registry.
type Server struct {
	cfg      Config
	registry *plugin.Registry
	obs      *observability.Manager
	logger   *zap.Logger
	router   *chi.Mux

	mu         sync.Mutex
	httpServer *http.Server
	listenAddr string
}

// NewServer builds the router. Start binds the listener; for tests the
// server can also be driven directly through ServeHTTP.
func NewServer(cfg Config, registry *plugin.Registry, obs *observability.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		obs:      obs,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	if s.obs != nil {
		if tracing := s.obs.Tracing(); tracing != nil {
			s.router.Use(tracing.HTTPMiddleware())
		}
		s.router.Use(s.metricsMiddleware())
	}
	s.router.Use(s.loggingMiddleware())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	if s.obs != nil {
		s.router.Get("/healthz", s.obs.Health().Handler())
		if metrics := s.obs.Metrics(); metrics != nil {
			s.router.Handle("/metrics", metrics.Handler())
		}
	} else {
		s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		})
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))
		r.Use(s.apiKeyMiddleware())

		r.Post("/hooks/{hook}", s.handleHook)
		r.Post("/rpc/{method}", s.handleRPC)
		r.Post("/commands/{name}", s.handleCommand)
		r.Get("/commands", s.handleListCommands)
	})
}

// apiKeyMiddleware enforces X-API-Key on every API route once a key is
// configured. Health and metrics stay open for probes and scrapers.
func (s *Server) apiKeyMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.APIKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !s.validAPIKey(r) {
				s.logger.Warn("request with invalid api key",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				s.writeError(w, http.StatusUnauthorized, "invalid or missing api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) validAPIKey(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key == s.cfg.APIKey
	}
	if key := r.URL.Query().Get("apikey"); key != "" {
		return key == s.cfg.APIKey
	}
	return false
}

// metricsMiddleware records one observation per request against the matched
// chi route pattern, keeping label cardinality bounded.
func (s *Server) metricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			s.obs.RecordHTTPRequest(r.Method, route, ww.status, time.Since(start))
		})
	}
}

func (s *Server) loggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			s.logger.Debug("gateway request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Response is the envelope for command and RPC replies. Hook replies are the
// bare merged result so the runtime consumes them without unwrapping.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, Response{Error: message})
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// handleHook dispatches POST /api/v1/hooks/{hook}. The body is the event
// payload; the path segment names the hook and wins over any hook field in
// the body. The reply is the merged hook result.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "hook")
	if !plugin.IsKnownHook(name) {
		s.writeError(w, http.StatusBadRequest, "unknown hook: "+name)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	ev := plugin.Event{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &ev); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid event body: "+err.Error())
			return
		}
		raw := map[string]interface{}{}
		if err := json.Unmarshal(body, &raw); err == nil {
			ev.Raw = raw
		}
	}
	ev.Hook = plugin.Hook(name)
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}

	start := time.Now()
	res := s.registry.Dispatch(r.Context(), &ev)
	if s.obs != nil {
		s.obs.RecordEvaluation(name, verdictOf(res), time.Since(start))
	}
	s.writeJSON(w, http.StatusOK, res)
}

// verdictOf collapses a merged hook result into the metric label.
func verdictOf(res *plugin.Result) string {
	switch {
	case res.Block:
		return "deny"
	case res.Cancel:
		return "cancel"
	default:
		return "allow"
	}
}

// handleRPC dispatches POST /api/v1/rpc/{method}. The body is the params
// object handed to the method as-is.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "method")
	method, ok := s.registry.GatewayMethod(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown gateway method: "+name)
		return
	}

	params := map[string]interface{}{}
	if err := decodeBody(r.Body, &params); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid params: "+err.Error())
		return
	}

	result, err := method(r.Context(), params)
	if err != nil {
		s.logger.Warn("gateway method failed",
			zap.String("method", name),
			zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "method failed: "+err.Error())
		return
	}
	s.writeSuccess(w, result)
}

type commandRequest struct {
	Args []string `json:"args,omitempty"`
}

// handleCommand dispatches POST /api/v1/commands/{name}. Commands flagged
// RequireAuth are refused outright when no API key is configured; with a key
// configured the route middleware has already validated it.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cmd, ok := s.registry.Command(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown command: "+name)
		return
	}
	if cmd.RequireAuth && s.cfg.APIKey == "" {
		s.writeError(w, http.StatusUnauthorized, "command requires authentication and no api key is configured")
		return
	}

	req := commandRequest{}
	if err := decodeBody(r.Body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid command body: "+err.Error())
		return
	}

	out, err := cmd.Handler(r.Context(), req.Args)
	if err != nil {
		s.logger.Warn("command failed",
			zap.String("command", name),
			zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "command failed: "+err.Error())
		return
	}
	s.writeSuccess(w, map[string]interface{}{"text": out})
}

// CommandInfo is the listing entry for GET /api/v1/commands.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RequireAuth bool   `json:"requireAuth,omitempty"`
}

func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	cmds := s.registry.Commands()
	out := make([]CommandInfo, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, CommandInfo{
			Name:        cmd.Name,
			Description: cmd.Description,
			RequireAuth: cmd.RequireAuth,
		})
	}
	s.writeSuccess(w, out)
}

// decodeBody decodes a JSON request body, treating an empty body as the zero
// value.
func decodeBody(body io.Reader, v interface{}) error {
	err := json.NewDecoder(body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

// Start binds the listener and serves in the background, then fires the
// gateway_start hook. It does not block.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return fmt.Errorf("gateway already started")
	}

	addr := s.cfg.Listen
	if addr == "" {
		addr = config.DefaultListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listenAddr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server failed", zap.Error(err))
		}
	}(s.httpServer)

	s.registry.Dispatch(ctx, &plugin.Event{Hook: plugin.HookGatewayStart, TS: time.Now().UnixMilli()})
	s.logger.Info("gateway listening", zap.String("addr", s.listenAddr))
	return nil
}

// Stop fires the gateway_stop hook and shuts the listener down gracefully,
// forcing the close when the context deadline passes. Safe to call twice.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.registry.Dispatch(ctx, &plugin.Event{Hook: plugin.HookGatewayStop, TS: time.Now().UnixMilli()})

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("gateway forced shutdown", zap.Error(err))
		_ = srv.Close()
	}
	s.logger.Info("gateway stopped")
	return nil
}

// ListenAddr returns the bound address, useful when Listen was :0.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}
