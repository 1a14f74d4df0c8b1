// Package wsapi exposes a store.Backend over a multiplexed WebSocket: one
// connection carries many in-flight requests, correlated by frame ID. The
// package also provides a reconnecting client that implements
// store.Backend, so a remote node composes like a local one.
package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/binjson"
	"github.com/alcovelabs/alcove/pkg/store"
)

// Frame is one request on the socket.
type Frame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Frame with the same ID. Code carries the error
// taxonomy so clients can classify failures without string matching.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    api.Code        `json:"code,omitempty"`
}

// Frame types understood by the server.
const (
	TypeReceive   = "receive"
	TypeRead      = "read"
	TypeReadMulti = "readMulti"
	TypeList      = "list"
	TypeDelete    = "delete"
	TypeHealth    = "health"
	TypeSchema    = "schema"
)

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins restricts the upgrade handshake to the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server upgrades HTTP requests and serves backend operations over the
// socket. Frames are handled concurrently; responses may arrive in any
// order.
type Server struct {
	backend store.Backend
	logger  *slog.Logger
	origins []string
}

// NewServer builds a Server over backend.
func NewServer(backend store.Backend, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		logger:  slog.Default().With("component", "wsapi"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the upgrade endpoint.
func (s *Server) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || api.OriginAllowed(origin, s.origins)
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("upgrade failed", "error", err)
			return
		}
		// Blocks for the connection's lifetime; returning would cancel
		// the request context the frame handlers run under.
		s.serveConn(r.Context(), conn)
	})
}

// syncConn serialises writes; gorilla connections allow one writer at a
// time.
type syncConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *syncConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	sc := &syncConn{conn: conn}

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		go func() {
			resp := s.handleFrame(ctx, frame)
			if err := sc.writeJSON(resp); err != nil {
				s.logger.Debug("write failed", "frame_id", frame.ID, "error", err)
			}
		}()
	}
}

func (s *Server) handleFrame(ctx context.Context, frame Frame) Response {
	data, err := s.dispatch(ctx, frame)
	if err != nil {
		return Response{ID: frame.ID, Success: false, Error: err.Error(), Code: api.CodeOf(err)}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{ID: frame.ID, Success: false, Error: "response not encodable"}
	}
	return Response{ID: frame.ID, Success: true, Data: raw}
}

func (s *Server) dispatch(ctx context.Context, frame Frame) (any, error) {
	switch frame.Type {
	case TypeReceive:
		var p struct {
			Tx []json.RawMessage `json:"tx"`
		}
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if len(p.Tx) != 2 {
			return nil, api.E(api.CodeValidationFailed, "tx must be a [uri, value] pair")
		}
		var uri string
		if err := json.Unmarshal(p.Tx[0], &uri); err != nil {
			return nil, api.E(api.CodeInvalidURI, "tx uri must be a string")
		}
		var value any
		if err := json.Unmarshal(p.Tx[1], &value); err != nil {
			return nil, api.Errorf(api.CodeValidationFailed, "tx value is not valid JSON: %v", err)
		}
		rec, err := s.backend.Receive(ctx, store.Transaction{URI: uri, Value: value})
		if err != nil {
			return nil, err
		}
		return map[string]any{"record": wireRecord(rec)}, nil

	case TypeRead:
		var p struct {
			URI string `json:"uri"`
		}
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		rec, err := s.backend.Read(ctx, p.URI)
		if err != nil {
			return nil, err
		}
		return wireRecord(rec), nil

	case TypeReadMulti:
		var p struct {
			URIs []string `json:"uris"`
		}
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		res, err := s.backend.ReadMulti(ctx, p.URIs)
		if err != nil {
			return nil, err
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
		return map[string]any{"results": results, "total": res.Total, "found": res.Found}, nil

	case TypeList:
		var p struct {
			Prefix    string `json:"prefix"`
			Page      int    `json:"page"`
			Limit     int    `json:"limit"`
			Pattern   string `json:"pattern"`
			SortBy    string `json:"sortBy"`
			SortOrder string `json:"sortOrder"`
		}
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if p.Page == 0 {
			p.Page = 1
		}
		return s.backend.List(ctx, p.Prefix, store.ListOptions{
			Page:      p.Page,
			Limit:     p.Limit,
			Pattern:   p.Pattern,
			SortBy:    store.SortBy(p.SortBy),
			SortOrder: store.SortOrder(p.SortOrder),
		})

	case TypeDelete:
		var p struct {
			URI string `json:"uri"`
		}
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.backend.Delete(ctx, p.URI); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil

	case TypeHealth:
		return s.backend.Health(ctx), nil

	case TypeSchema:
		keys, err := s.backend.Schema(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"schema": keys}, nil

	default:
		return nil, api.Errorf(api.CodeValidationFailed, "unknown frame type %q", frame.Type)
	}
}

func unmarshalPayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return api.E(api.CodeValidationFailed, "missing payload")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return api.Errorf(api.CodeValidationFailed, "invalid payload: %v", err)
	}
	return nil
}

func wireRecord(rec *store.Record) map[string]any {
	return map[string]any{"ts": rec.TS, "data": binjson.Encode(rec.Data)}
}
