// Package httpapi exposes a store.Backend over the JSON HTTP surface:
// transaction submission, path-addressed reads and writes, listing,
// deletion, and the health and schema probes.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/binjson"
	"github.com/alcovelabs/alcove/pkg/explorer"
	"github.com/alcovelabs/alcove/pkg/store"
)

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins restricts CORS to the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithExplorer mounts the read-only viewer bridge under
// /api/v1/explorer/.
func WithExplorer(bridge *explorer.Bridge) Option {
	return func(s *Server) { s.explorer = bridge }
}

// Server serves a backend over HTTP.
type Server struct {
	backend  store.Backend
	explorer *explorer.Bridge
	logger   *slog.Logger
	origins  []string
}

// NewServer builds a Server over backend.
func NewServer(backend store.Backend, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		logger:  slog.Default().With("component", "httpapi"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in the standard middleware
// chain: request ID, CORS, request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/receive", s.handleReceive)
	mux.HandleFunc("POST /api/v1/write/{protocol}/{domain}", s.handleWrite)
	mux.HandleFunc("POST /api/v1/write/{protocol}/{domain}/{path...}", s.handleWrite)
	mux.HandleFunc("GET /api/v1/read/{protocol}/{domain}", s.handleRead)
	mux.HandleFunc("GET /api/v1/read/{protocol}/{domain}/{path...}", s.handleRead)
	mux.HandleFunc("POST /api/v1/readMulti", s.handleReadMulti)
	mux.HandleFunc("GET /api/v1/list/{protocol}/{domain}", s.handleList)
	mux.HandleFunc("GET /api/v1/list/{protocol}/{domain}/{path...}", s.handleList)
	mux.HandleFunc("DELETE /api/v1/delete/{protocol}/{domain}", s.handleDelete)
	mux.HandleFunc("DELETE /api/v1/delete/{protocol}/{domain}/{path...}", s.handleDelete)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/schema", s.handleSchema)

	if s.explorer != nil {
		mux.HandleFunc("GET /api/v1/explorer/read/{protocol}/{domain}", s.handleExplorerRead)
		mux.HandleFunc("GET /api/v1/explorer/read/{protocol}/{domain}/{path...}", s.handleExplorerRead)
		mux.HandleFunc("GET /api/v1/explorer/list/{protocol}/{domain}", s.handleExplorerList)
		mux.HandleFunc("GET /api/v1/explorer/list/{protocol}/{domain}/{path...}", s.handleExplorerList)
	}

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

// pathURI reassembles the record URI from the route wildcards.
func pathURI(r *http.Request) string {
	raw := r.PathValue("protocol") + "://" + r.PathValue("domain")
	if p := r.PathValue("path"); p != "" {
		raw += "/" + p
	}
	return raw
}

// writeReceive writes the transaction envelope: {accepted, record?} on
// success, {accepted: false, error} on failure.
func writeReceive(w http.ResponseWriter, rec *store.Record, err error) {
	if err != nil {
		code := api.CodeOf(err)
		writeJSON(w, api.StatusFor(code), map[string]any{
			"accepted": false,
			"error":    err.Error(),
			"code":     code,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": true,
		"record":   wireRecord(rec),
	})
}

// wireRecord re-encodes a decoded record for the wire so byte leaves stay
// tagged.
func wireRecord(rec *store.Record) map[string]any {
	return map[string]any{"ts": rec.TS, "data": binjson.Encode(rec.Data)}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tx []json.RawMessage `json:"tx"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeReceive(w, nil, api.Errorf(api.CodeValidationFailed, "invalid request body: %v", err))
		return
	}
	if len(body.Tx) != 2 {
		writeReceive(w, nil, api.E(api.CodeValidationFailed, "tx must be a [uri, value] pair"))
		return
	}

	var uri string
	if err := json.Unmarshal(body.Tx[0], &uri); err != nil {
		writeReceive(w, nil, api.E(api.CodeInvalidURI, "tx uri must be a string"))
		return
	}
	var value any
	if err := json.Unmarshal(body.Tx[1], &value); err != nil {
		writeReceive(w, nil, api.Errorf(api.CodeValidationFailed, "tx value is not valid JSON: %v", err))
		return
	}

	rec, err := s.backend.Receive(r.Context(), store.Transaction{URI: uri, Value: value})
	writeReceive(w, rec, err)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeReceive(w, nil, api.Errorf(api.CodeValidationFailed, "invalid request body: %v", err))
		return
	}

	rec, err := s.backend.Receive(r.Context(), store.Transaction{URI: pathURI(r), Value: body.Value})
	writeReceive(w, rec, err)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	rec, err := s.backend.Read(r.Context(), pathURI(r))
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wireRecord(rec))
}

func (s *Server) handleReadMulti(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URIs []string `json:"uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteError(w, api.CodeValidationFailed, "invalid request body")
		return
	}

	res, err := s.backend.ReadMulti(r.Context(), body.URIs)
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	results := make([]map[string]any, 0, len(res.Results))
	for _, entry := range res.Results {
		m := map[string]any{"uri": entry.URI}
		if entry.Record != nil {
			m["record"] = wireRecord(entry.Record)
		}
		if entry.Error != "" {
			m["error"] = entry.Error
		}
		results = append(results, m)
	}
	api.WriteSuccess(w, map[string]any{
		"results": results,
		"total":   res.Total,
		"found":   res.Found,
	})
}

// defaultListLimit applies when the query string does not set one.
const defaultListLimit = 100

// listOptions parses the shared paging query parameters.
func listOptions(r *http.Request) (store.ListOptions, error) {
	q := r.URL.Query()
	opts := store.ListOptions{
		Page:      1,
		Limit:     defaultListLimit,
		Pattern:   q.Get("pattern"),
		SortBy:    store.SortBy(q.Get("sortBy")),
		SortOrder: store.SortOrder(q.Get("sortOrder")),
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, api.E(api.CodeValidationFailed, "page must be a positive integer")
		}
		opts.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, api.E(api.CodeValidationFailed, "limit must be a non-negative integer")
		}
		opts.Limit = n
	}
	return opts, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	page, err := s.backend.List(r.Context(), pathURI(r), opts)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Delete(r.Context(), pathURI(r)); err != nil {
		api.WriteErr(w, err)
		return
	}
	api.WriteSuccess(w, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Health(r.Context()))
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	keys, err := s.backend.Schema(r.Context())
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	api.WriteSuccess(w, map[string]any{"schema": keys})
}

func (s *Server) handleExplorerRead(w http.ResponseWriter, r *http.Request) {
	rec, err := s.explorer.Fetch(r.Context(), pathURI(r))
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wireRecord(rec))
}

func (s *Server) handleExplorerList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	page, err := s.explorer.Browse(r.Context(), pathURI(r), opts)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
