package wallet

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/binjson"
	"github.com/alcovelabs/alcove/pkg/store"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAllowedOrigins restricts CORS to the given origins.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithServerLogger overrides the default logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// Server serves the wallet over HTTP.
type Server struct {
	service *Service
	logger  *slog.Logger
	origins []string
}

// NewServer builds a Server over the service.
func NewServer(service *Service, opts ...ServerOption) *Server {
	s := &Server{
		service: service,
		logger:  slog.Default().With("component", "walletd"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in the standard middleware
// chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/signup/{appKey}", s.handleSignup)
	mux.HandleFunc("POST /api/v1/auth/login/{appKey}", s.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/password/change", s.handleChangePassword)
	mux.HandleFunc("POST /api/v1/auth/password/reset-request", s.handleResetRequest)
	mux.HandleFunc("POST /api/v1/auth/password/reset", s.handleReset)
	mux.HandleFunc("POST /api/v1/proxy/write", s.handleProxyWrite)
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

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if err := s.service.CheckAuthRate(r.Context(), rateKey("signup", req.Username, r)); err != nil {
		api.WriteErr(w, err)
		return
	}
	res, err := s.service.Signup(r.Context(), r.PathValue("appKey"), req)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	writeAuthResult(w, res)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if err := s.service.CheckAuthRate(r.Context(), rateKey("login", req.Username, r)); err != nil {
		api.WriteErr(w, err)
		return
	}
	res, err := s.service.Login(r.Context(), r.PathValue("appKey"), req)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	writeAuthResult(w, res)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	username, err := s.authenticate(r)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	var req ChangePasswordRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if err := s.service.CheckAuthRate(r.Context(), rateKey("change", username, r)); err != nil {
		api.WriteErr(w, err)
		return
	}
	if err := s.service.ChangePassword(r.Context(), username, req); err != nil {
		api.WriteErr(w, err)
		return
	}
	api.WriteSuccess(w, nil)
}

func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if err := s.service.CheckAuthRate(r.Context(), rateKey("reset-request", req.Username, r)); err != nil {
		api.WriteErr(w, err)
		return
	}
	token, err := s.service.RequestReset(r.Context(), req)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	api.WriteSuccess(w, map[string]any{"token": token.Token, "expiresAt": token.ExpiresAt})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if err := s.service.CheckAuthRate(r.Context(), rateKey("reset", req.Token, r)); err != nil {
		api.WriteErr(w, err)
		return
	}
	res, err := s.service.ResetPassword(r.Context(), req)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	writeAuthResult(w, res)
}

func (s *Server) handleProxyWrite(w http.ResponseWriter, r *http.Request) {
	username, err := s.authenticate(r)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	var req ProxyWriteRequest
	if !decodeInto(w, r, &req) {
		return
	}
	res, err := s.service.ProxyWrite(r.Context(), username, req)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	api.WriteSuccess(w, map[string]any{
		"uri":    res.URI,
		"record": map[string]any{"ts": res.Record.TS, "data": binjson.Encode(res.Record.Data)},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.service.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status != store.HealthOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// authenticate extracts and validates the bearer token.
func (s *Server) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", api.E(api.CodeUnauthorized, "missing bearer token")
	}
	return s.service.Authenticate(parts[1])
}

func decodeInto(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		api.WriteError(w, api.CodeValidationFailed, "invalid request body")
		return false
	}
	return true
}

func writeAuthResult(w http.ResponseWriter, res *AuthResult) {
	api.WriteSuccess(w, map[string]any{
		"token":            res.Token,
		"username":         res.Username,
		"accountPublicKey": res.AccountPublicKey,
	})
}

// rateKey buckets attempts by route, target identity, and client address.
func rateKey(route, who string, r *http.Request) string {
	return route + ":" + who + ":" + clientAddr(r)
}

// clientAddr prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
