package apps

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/binjson"
	"github.com/alcovelabs/alcove/pkg/store"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAllowedOrigins restricts CORS to the given origins. This is the
// transport-level allow list; per-tenant origin policy is enforced by the
// service on top of it.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithServerLogger overrides the default logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// Server serves the app backend over HTTP.
type Server struct {
	service *Service
	logger  *slog.Logger
	origins []string
}

// NewServer builds a Server over the service.
func NewServer(service *Service, opts ...ServerOption) *Server {
	s := &Server{
		service: service,
		logger:  slog.Default().With("component", "appd"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in the standard middleware
// chain. The session and config routes are registered before the action
// wildcard, so those names are reserved.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/app/{appKey}/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/v1/app/{appKey}/config", s.handlePutConfig)
	mux.HandleFunc("POST /api/v1/app/{appKey}/session", s.handleSession)
	mux.HandleFunc("POST /api/v1/app/{appKey}/{action}", s.handleInvoke)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	return api.Chain(mux,
		api.RequestID,
		api.CORS(s.origins),
		api.Logging(s.logger),
	)
}

// NewHTTPServer wraps the handler in an http.Server with production
// timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.PublicConfig(r.Context(), r.PathValue("appKey"))
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	api.WriteSuccess(w, map[string]any{"config": view})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	cfg, err := s.service.PutConfig(r.Context(), r.PathValue("appKey"), body)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	api.WriteSuccess(w, map[string]any{"appKey": cfg.AppKey, "actions": len(cfg.Actions)})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	inv, err := s.service.RegisterSession(r.Context(), r.PathValue("appKey"), r.Header.Get("Origin"), body)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	api.WriteSuccess(w, map[string]any{"uri": inv.URI, "record": wireRecord(inv.Record)})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	inv, err := s.service.Invoke(r.Context(),
		r.PathValue("appKey"), r.PathValue("action"), r.Header.Get("Origin"), body)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	api.WriteSuccess(w, map[string]any{"uri": inv.URI, "record": wireRecord(inv.Record)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.service.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}

func decodeBody(w http.ResponseWriter, r *http.Request) (any, bool) {
	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteError(w, api.CodeValidationFailed, "invalid request body")
		return nil, false
	}
	return body, true
}

func wireRecord(rec *store.Record) map[string]any {
	return map[string]any{"ts": rec.TS, "data": binjson.Encode(rec.Data)}
}
