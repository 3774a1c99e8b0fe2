// Package httpapi exposes the chat engine, capability registry and
// conversation store over a JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/middleware"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin"
)

// DefaultMaxBodyBytes caps request bodies when the config leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// Chatter runs one chat turn.
type Chatter interface {
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

// Plugins is the registry surface used by the API.
type Plugins interface {
	Statuses() []plugin.Status
	AllTools() []domain.ToolDefinition
	EnablePlugin(ctx context.Context, id string) error
	DisablePlugin(ctx context.Context, id string) error
}

// ProviderNames lists configured LLM providers.
type ProviderNames interface {
	Names() []string
}

// Deps are the collaborators served by the API. Providers and Audit are
// optional.
type Deps struct {
	Chat      Chatter
	Plugins   Plugins
	Memory    domain.ConversationStore
	Providers ProviderNames
	Audit     domain.AuditLogger
	Version   string
}

// Server is the HTTP front end.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *slog.Logger

	httpSrv   *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// NewServer creates a server; call Start to listen.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{cfg: cfg, deps: deps, logger: logger.With("component", "http")}
}

// Handler returns the routed handler wrapped in the middleware chain. The
// rate limiter's sweeper stops when ctx is done.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("GET /v1/plugins", s.handlePlugins)
	mux.HandleFunc("POST /v1/plugins/{id}/enable", s.handlePluginState(true))
	mux.HandleFunc("POST /v1/plugins/{id}/disable", s.handlePluginState(false))
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/search", s.handleSearch)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)

	return middleware.Chain(jsonFallback(mux),
		middleware.RequestID,
		middleware.SecurityHeaders,
		middleware.CORS(s.cfg.CORSOrigins),
		middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: s.cfg.RateLimitRPM,
			BurstSize:      s.cfg.RateLimitBurst,
			TrustedProxies: s.cfg.TrustedProxies,
			OnLimited: func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusTooManyRequests, domain.CodeRateLimit, "rate limit exceeded")
			},
		}),
	)
}

// jsonFallback answers unmatched paths and methods with the JSON error
// envelope instead of the mux's plain-text responses.
func jsonFallback(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := mux.Handler(r); pattern != "" {
			mux.ServeHTTP(w, r)
			return
		}
		rec := &discardRecorder{header: make(http.Header), status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		switch rec.status {
		case http.StatusMethodNotAllowed:
			if allow := rec.header.Get("Allow"); allow != "" {
				w.Header().Set("Allow", allow)
			}
			writeError(w, http.StatusMethodNotAllowed, domain.CodeMethodNotAllowed,
				fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
		default:
			writeError(w, http.StatusNotFound, domain.CodeRouteNotFound,
				fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
		}
	})
}

// discardRecorder captures the status and headers of the mux's built-in
// error handlers and drops their body.
type discardRecorder struct {
	header http.Header
	status int
}

func (d *discardRecorder) Header() http.Header         { return d.header }
func (d *discardRecorder) Write(b []byte) (int, error) { return len(b), nil }
func (d *discardRecorder) WriteHeader(status int)      { d.status = status }

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.boundAddr = ln.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		s.logger.Info("http server started", "addr", s.boundAddr)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// BoundAddr returns the listening address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMaxIterationsExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrProviderError), errors.Is(err, domain.ErrUnknownProvider):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrPluginNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidParameters):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", domain.RequestIDFrom(r.Context()), "error", err)
	} else {
		s.logger.Warn("request rejected", "path", r.URL.Path, "request_id", domain.RequestIDFrom(r.Context()), "error", err)
	}
	writeError(w, status, domain.ErrorCodeOf(err), err.Error())
}
