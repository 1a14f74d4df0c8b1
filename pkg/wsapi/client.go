package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/binjson"
	"github.com/alcovelabs/alcove/pkg/store"
)

const (
	initialBackoff   = 250 * time.Millisecond
	handshakeTimeout = 10 * time.Second
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout bounds how long a single request waits for its
// response frame.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithMaxRetries caps reconnection attempts after a socket drop.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithMaxBackoff caps the delay between reconnection attempts.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.maxBackoff = d }
}

// WithClientLogger overrides the default logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client is a store.Backend served by a remote node over one multiplexed
// WebSocket. Requests carry fresh IDs; responses are matched by ID and may
// arrive in any order. A dropped socket fails all pending requests and
// triggers bounded-retry exponential backoff; calls made while
// disconnected redial on demand.
type Client struct {
	url            string
	requestTimeout time.Duration
	maxRetries     int
	maxBackoff     time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Response
	closed  bool
}

var _ store.Backend = (*Client)(nil)

// NewClient builds a client for the ws:// or wss:// endpoint. No
// connection is made until the first call or an explicit Connect.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:            url,
		requestTimeout: 30 * time.Second,
		maxRetries:     5,
		maxBackoff:     30 * time.Second,
		logger:         slog.Default().With("component", "wsclient"),
		pending:        make(map[string]chan Response),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the endpoint if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return api.E(api.CodeBackendUnavailable, "client closed")
	}
	if c.conn != nil {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return api.Wrap(api.CodeBackendUnavailable, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return nil
}

// Close shuts the client down. Pending requests fail; subsequent calls
// return a backend error.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.failPending("client closed")
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			break
		}
		c.deliver(resp)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	c.failPending("connection closed")
	if !closed {
		go c.redial()
	}
}

// redial retries the connection with exponential backoff up to the retry
// cap. Giving up is not fatal: the next call dials again.
func (c *Client) redial() {
	delay := initialBackoff
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		time.Sleep(delay)
		err := c.Connect(context.Background())
		if err == nil {
			c.logger.Info("reconnected", "attempt", attempt)
			return
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

func (c *Client) deliver(resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) failPending(reason string) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Response)
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- Response{ID: id, Success: false, Code: api.CodeBackendUnavailable, Error: reason}
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "payload not encodable: %v", err)
	}
	id := uuid.NewString()
	ch := make(chan Response, 1)

	c.mu.Lock()
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	err = c.conn.WriteJSON(Frame{ID: id, Type: typ, Payload: raw})
	c.mu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.Success {
			code := resp.Code
			if code == "" {
				code = api.CodeBackendUnavailable
			}
			return nil, api.E(code, resp.Error)
		}
		return resp.Data, nil
	case <-timer.C:
		c.forget(id)
		return nil, api.E(api.CodeRequestTimeout, "request timed out")
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) Receive(ctx context.Context, tx store.Transaction) (*store.Record, error) {
	data, err := c.call(ctx, TypeReceive, map[string]any{
		"tx": []any{tx.URI, binjson.Encode(tx.Value)},
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Record json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}
	return decodeWireRecord(body.Record)
}

func (c *Client) Read(ctx context.Context, uri string) (*store.Record, error) {
	data, err := c.call(ctx, TypeRead, map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	return decodeWireRecord(data)
}

func (c *Client) ReadMulti(ctx context.Context, uris []string) (*store.MultiRead, error) {
	data, err := c.call(ctx, TypeReadMulti, map[string]any{"uris": uris})
	if err != nil {
		return nil, err
	}
	var body struct {
		Results []struct {
			URI    string          `json:"uri"`
			Record json.RawMessage `json:"record"`
			Error  string          `json:"error"`
		} `json:"results"`
		Total int `json:"total"`
		Found int `json:"found"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}

	out := &store.MultiRead{Total: body.Total, Found: body.Found}
	for _, r := range body.Results {
		entry := store.MultiReadEntry{URI: r.URI, Error: r.Error}
		if len(r.Record) > 0 {
			rec, err := decodeWireRecord(r.Record)
			if err != nil {
				return nil, err
			}
			entry.Record = rec
		}
		out.Results = append(out.Results, entry)
	}
	return out, nil
}

func (c *Client) List(ctx context.Context, prefix string, opts store.ListOptions) (*store.ListPage, error) {
	data, err := c.call(ctx, TypeList, map[string]any{
		"prefix":    prefix,
		"page":      opts.Page,
		"limit":     opts.Limit,
		"pattern":   opts.Pattern,
		"sortBy":    string(opts.SortBy),
		"sortOrder": string(opts.SortOrder),
	})
	if err != nil {
		return nil, err
	}
	var page store.ListPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}
	return &page, nil
}

func (c *Client) Delete(ctx context.Context, uri string) error {
	_, err := c.call(ctx, TypeDelete, map[string]any{"uri": uri})
	return err
}

func (c *Client) Health(ctx context.Context) store.Health {
	data, err := c.call(ctx, TypeHealth, map[string]any{})
	if err != nil {
		return store.Health{Status: store.HealthDegraded, Message: err.Error()}
	}
	var h store.Health
	if err := json.Unmarshal(data, &h); err != nil {
		return store.Health{Status: store.HealthDegraded, Message: err.Error()}
	}
	return h
}

func (c *Client) Schema(ctx context.Context) ([]string, error) {
	data, err := c.call(ctx, TypeSchema, map[string]any{})
	if err != nil {
		return nil, err
	}
	var body struct {
		Schema []string `json:"schema"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}
	return body.Schema, nil
}

func (c *Client) Cleanup(context.Context) error {
	return c.Close()
}

func decodeWireRecord(raw json.RawMessage) (*store.Record, error) {
	if len(raw) == 0 {
		return nil, api.E(api.CodeBackendUnavailable, "missing record in response")
	}
	var w struct {
		TS   int64 `json:"ts"`
		Data any   `json:"data"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}
	return &store.Record{TS: w.TS, Data: binjson.Decode(w.Data)}, nil
}
