// Package nodeclient provides a store.Backend served by a remote node's
// HTTP API. It is the request/response sibling of wsapi.Client: the same
// operations, one HTTP round trip per call instead of a multiplexed
// socket.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/binjson"
	"github.com/alcovelabs/alcove/pkg/store"
)

const apiPrefix = "/api/v1"

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client, for custom
// transports or timeouts.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is a store.Backend served by a remote node's HTTP API. Error
// envelopes carry the taxonomy code, so failures classify the same way
// they would against a local node.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

var _ store.Backend = (*Client)(nil)

// NewClient builds a client for the node's base URL, e.g.
// "http://localhost:8420".
func NewClient(base string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimSuffix(base, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default().With("component", "nodeclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Receive submits the transaction and returns the stored record.
func (c *Client) Receive(ctx context.Context, tx store.Transaction) (*store.Record, error) {
	body := map[string]any{"tx": []any{tx.URI, binjson.Encode(tx.Value)}}
	var resp struct {
		Accepted bool        `json:"accepted"`
		Record   *wireRecord `json:"record"`
	}
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/receive", body, &resp); err != nil {
		return nil, err
	}
	if resp.Record == nil {
		return nil, api.E(api.CodeBackendUnavailable, "node accepted the transaction without a record")
	}
	return resp.Record.record(), nil
}

// Read returns the record at uri.
func (c *Client) Read(ctx context.Context, uri string) (*store.Record, error) {
	path, err := uriPath(uri)
	if err != nil {
		return nil, err
	}
	var rec wireRecord
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/read/"+path, nil, &rec); err != nil {
		return nil, err
	}
	return rec.record(), nil
}

// ReadMulti reads up to store.MaxReadMulti URIs in one round trip.
func (c *Client) ReadMulti(ctx context.Context, uris []string) (*store.MultiRead, error) {
	var resp struct {
		Results []struct {
			URI    string      `json:"uri"`
			Record *wireRecord `json:"record"`
			Error  string      `json:"error"`
		} `json:"results"`
		Total int `json:"total"`
		Found int `json:"found"`
	}
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/readMulti", map[string]any{"uris": uris}, &resp); err != nil {
		return nil, err
	}

	out := &store.MultiRead{
		Results: make([]store.MultiReadEntry, 0, len(resp.Results)),
		Total:   resp.Total,
		Found:   resp.Found,
	}
	for _, r := range resp.Results {
		entry := store.MultiReadEntry{URI: r.URI, Error: r.Error}
		if r.Record != nil {
			entry.Record = r.Record.record()
		}
		out.Results = append(out.Results, entry)
	}
	return out, nil
}

// List pages through records under prefix. Page and limit are always sent
// explicitly so the remote applies the caller's options rather than the
// HTTP defaults.
func (c *Client) List(ctx context.Context, prefix string, opts store.ListOptions) (*store.ListPage, error) {
	path, err := uriPath(prefix)
	if err != nil {
		return nil, err
	}

	page := opts.Page
	if page < 1 {
		page = 1
	}
	limit := opts.Limit
	if limit < 0 {
		limit = 0
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if opts.Pattern != "" {
		q.Set("pattern", opts.Pattern)
	}
	if opts.SortBy != "" {
		q.Set("sortBy", string(opts.SortBy))
	}
	if opts.SortOrder != "" {
		q.Set("sortOrder", string(opts.SortOrder))
	}

	var out store.ListPage
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/list/"+path+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes the record at uri.
func (c *Client) Delete(ctx context.Context, uri string) error {
	path, err := uriPath(uri)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, apiPrefix+"/delete/"+path, nil, nil)
}

// Health reports the remote node's health, or degraded when it cannot be
// reached.
func (c *Client) Health(ctx context.Context) store.Health {
	var h store.Health
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/health", nil, &h); err != nil {
		return store.Health{Status: store.HealthDegraded, Message: err.Error()}
	}
	return h
}

// Schema lists the program keys the remote node accepts.
func (c *Client) Schema(ctx context.Context) ([]string, error) {
	var resp struct {
		Schema []string `json:"schema"`
	}
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/schema", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Schema, nil
}

// Cleanup releases pooled connections. The remote node is unaffected.
func (c *Client) Cleanup(ctx context.Context) error {
	c.http.CloseIdleConnections()
	return nil
}

// do runs one request and decodes the response into out. Error envelopes
// are rebuilt into taxonomy errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return api.Wrap(api.CodeValidationFailed, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return api.Wrap(api.CodeBackendUnavailable, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("node request failed", "method", method, "path", path, "error", err)
		return wrapTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return api.Wrap(api.CodeBackendUnavailable, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return remoteError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return api.Errorf(api.CodeBackendUnavailable, "malformed response from node: %v", err)
	}
	return nil
}

func wrapTransport(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return api.Wrap(api.CodeRequestTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.Wrap(api.CodeRequestTimeout, err)
	}
	return api.Wrap(api.CodeBackendUnavailable, err)
}

// remoteError rebuilds the taxonomy error carried by an error envelope.
// Envelopes without a code fall back to a status-derived one.
func remoteError(status int, raw []byte) error {
	var envelope struct {
		Error string   `json:"error"`
		Code  api.Code `json:"code"`
	}
	_ = json.Unmarshal(raw, &envelope)

	code := envelope.Code
	if code == "" {
		code = codeForStatus(status)
	}
	msg := envelope.Error
	if msg == "" {
		msg = fmt.Sprintf("node returned status %d", status)
	}
	return api.E(code, msg)
}

func codeForStatus(status int) api.Code {
	switch status {
	case http.StatusBadRequest:
		return api.CodeValidationFailed
	case http.StatusUnauthorized:
		return api.CodeUnauthorized
	case http.StatusForbidden:
		return api.CodeOriginNotAllowed
	case http.StatusNotFound:
		return api.CodeNotFound
	case http.StatusGatewayTimeout:
		return api.CodeRequestTimeout
	default:
		return api.CodeBackendUnavailable
	}
}

// uriPath converts a record URI into the path segments the API names it
// by: protocol/domain/path, each segment escaped.
func uriPath(raw string) (string, error) {
	protocol, rest, ok := strings.Cut(raw, "://")
	if !ok || protocol == "" || rest == "" {
		return "", api.Errorf(api.CodeInvalidURI, "invalid uri %q", raw)
	}
	parts := strings.Split(rest, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return protocol + "/" + strings.Join(parts, "/"), nil
}

// wireRecord is the {ts, data} form records travel in. Data arrives
// binjson-tagged and is decoded back to native values.
type wireRecord struct {
	TS   int64 `json:"ts"`
	Data any   `json:"data"`
}

func (w wireRecord) record() *store.Record {
	return &store.Record{TS: w.TS, Data: binjson.Decode(w.Data)}
}
