// Package rest is a poll backend speaking JSON over HTTP.
//
// Endpoints, relative to the base URL:
//
//	GET    /tasks         -> {"tasks": [record...]}
//	POST   /tasks/batch   {"tasks": [record...]} -> {"ids": {"<local id>": "<remote id>"}}
//	PUT    /tasks/{id}    record
//	DELETE /tasks/{id}
//
// Records use the wire format of task.Wire. For batch creates, the id field
// of each record carries the local id.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// DefaultTimeout bounds each HTTP request.
const DefaultTimeout = 30 * time.Second

// Config holds configuration for a Client.
type Config struct {
	// BaseURL is the API root, such as https://tasks.example.com/api.
	BaseURL string

	// Token is sent as a bearer token. It takes precedence over basic auth.
	Token string

	// Username and Password are sent as basic auth when Token is empty.
	Username string
	Password string

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the underlying client, mostly for tests.
	HTTPClient *http.Client

	// Logger for skipped records
	Logger *log.Logger
}

// Client is a transport.Poller backed by an HTTP API.
type Client struct {
	base     *url.URL
	http     *http.Client
	username string
	password string
	logger   *log.Logger
}

var _ transport.Poller = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
	}
	hc.Timeout = timeout

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[rest] ", log.LstdFlags)
	}

	c := &Client{
		base:   base,
		http:   hc,
		logger: logger,
	}
	if cfg.Token == "" {
		c.username = cfg.Username
		c.password = cfg.Password
	}
	return c, nil
}

type recordList struct {
	Tasks []json.RawMessage `json:"tasks"`
}

type batchRequest struct {
	Tasks []task.Wire `json:"tasks"`
}

type batchResponse struct {
	IDs map[string]string `json:"ids"`
}

// FetchAll implements transport.Fetcher.
func (c *Client) FetchAll(ctx context.Context) ([]transport.RemoteRecord, error) {
	var list recordList
	if err := c.do(ctx, http.MethodGet, "tasks", nil, &list); err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}

	records := make([]transport.RemoteRecord, 0, len(list.Tasks))
	for i, raw := range list.Tasks {
		r, err := transport.DecodeRecord(raw)
		if err != nil {
			c.logger.Printf("WARNING: Skipping record %d: %v", i, err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// CreateMany implements transport.Writer.
func (c *Client) CreateMany(ctx context.Context, records []transport.RemoteRecord) (map[string]string, error) {
	req := batchRequest{Tasks: make([]task.Wire, 0, len(records))}
	for _, r := range records {
		w := r.Wire()
		w.ID = r.LocalID
		req.Tasks = append(req.Tasks, w)
	}

	var resp batchResponse
	if err := c.do(ctx, http.MethodPost, "tasks/batch", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create tasks: %w", err)
	}

	ids := make(map[string]string, len(resp.IDs))
	for _, r := range records {
		if id := resp.IDs[r.LocalID]; id != "" {
			ids[r.LocalID] = id
		}
	}
	if len(ids) < len(records) {
		return ids, fmt.Errorf("%w: server created %d of %d tasks", transport.ErrTransport, len(ids), len(records))
	}
	return ids, nil
}

// Update implements transport.Writer.
func (c *Client) Update(ctx context.Context, remoteID string, record transport.RemoteRecord) error {
	record.RemoteID = remoteID
	if err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(remoteID), record.Wire(), nil); err != nil {
		return fmt.Errorf("failed to update task %s: %w", remoteID, err)
	}
	return nil
}

// Delete implements transport.Writer. A missing record is not an error.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	err := c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(remoteID), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete task %s: %w", remoteID, err)
	}
	return nil
}

// do sends one request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+"/"+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid response body: %v", transport.ErrTransport, err)
	}
	return nil
}

// statusError maps non-2xx responses onto transport errors.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(msg))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %d %s", transport.ErrAuthentication, resp.StatusCode, detail)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w: %s", transport.ErrTransport, transport.ErrNotFound, detail)
	default:
		return fmt.Errorf("%w: %d %s", transport.ErrTransport, resp.StatusCode, detail)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, transport.ErrNotFound)
}
