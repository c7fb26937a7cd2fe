// Package backend is the HTTP client for the network-management backend that
// performs scans, stores node history, and runs traffic tests and VM
// provisioning. Calls map one to one onto the backend's REST endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/pkg/models"
)

const maxBodyBytes = 16 << 20

// Observer is told about every completed backend call.
type Observer func(op string, elapsed time.Duration, err error)

// Client talks to the backend over HTTP+JSON. It never retries and sets no
// timeout of its own: callers bound calls through their context.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	userAgent  string
	observe    Observer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithObserver registers a callback run after every call.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend url %q: missing host", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
		userAgent:  "subnetgrid",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// DiscoverNetworks lists the subnets visible to the backend host.
func (c *Client) DiscoverNetworks(ctx context.Context) (*DiscoverResponse, error) {
	var out DiscoverResponse
	if err := c.do(ctx, "discover networks", http.MethodGet, "/api/networks/discover", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Scan sweeps host octets StartIP..EndIP of req.Subnet.
func (c *Client) Scan(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	var out ScanResponse
	if err := c.do(ctx, "scan", http.MethodPost, "/api/scan", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NodeDetail fetches the stored node row and its recent history.
func (c *Client) NodeDetail(ctx context.Context, ip string) (*NodeDetail, error) {
	var out NodeDetail
	if err := c.do(ctx, "node detail", http.MethodGet, "/api/node/"+url.PathEscape(ip), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateNode replaces the notes of a node.
func (c *Client) UpdateNode(ctx context.Context, req UpdateNodeRequest) error {
	return c.do(ctx, "update node", http.MethodPut, "/api/node/update", req, nil)
}

// Reserve places an administrative hold on an address.
func (c *Client) Reserve(ctx context.Context, req ReserveRequest) error {
	return c.do(ctx, "reserve", http.MethodPost, "/api/reserve", req, nil)
}

// Release removes the hold on an address.
func (c *Client) Release(ctx context.Context, ip string) error {
	return c.do(ctx, "release", http.MethodPost, "/api/release/"+url.PathEscape(ip), nil, nil)
}

// ClearNetwork irreversibly deletes all history and reservations for subnet.
func (c *Client) ClearNetwork(ctx context.Context, subnet string) (*ClearResult, error) {
	var out ClearResult
	if err := c.do(ctx, "clear network", http.MethodDelete, "/api/network/clear/"+url.PathEscape(subnet), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetStatus marks all non-reserved addresses of subnet as down.
func (c *Client) ResetStatus(ctx context.Context, subnet string) (*ResetResult, error) {
	var out ResetResult
	if err := c.do(ctx, "reset status", http.MethodPost, "/api/network/reset-status/"+url.PathEscape(subnet), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartTest submits a traffic test.
func (c *Client) StartTest(ctx context.Context, req StartTestRequest) (*TestInfo, error) {
	var out TestInfo
	if err := c.do(ctx, "start traffic test", http.MethodPost, "/api/traffic/start", req, &out); err != nil {
		return nil, err
	}
	if out.TestID == "" {
		return nil, &TransportError{Op: "start traffic test", Err: errors.New("response has no test_id")}
	}
	return &out, nil
}

// TestStatus polls the status of a traffic test.
func (c *Client) TestStatus(ctx context.Context, testID string) (*TestInfo, error) {
	var out TestInfo
	if err := c.do(ctx, "traffic test status", http.MethodGet, "/api/traffic/status/"+url.PathEscape(testID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TestResults fetches the parsed result payload of a traffic test.
func (c *Client) TestResults(ctx context.Context, testID string) (*TestResults, error) {
	var out TestResults
	if err := c.do(ctx, "traffic test results", http.MethodGet, "/api/traffic/results/"+url.PathEscape(testID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveTests lists the backend's running and recently finished tests.
func (c *Client) ActiveTests(ctx context.Context) (*ActiveTests, error) {
	var out ActiveTests
	if err := c.do(ctx, "active traffic tests", http.MethodGet, "/api/traffic/active", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckVM probes whether ip runs the agents a traffic test needs.
func (c *Client) CheckVM(ctx context.Context, ip string) (*models.Readiness, error) {
	var out models.Readiness
	body := map[string]string{"ip": ip}
	if err := c.do(ctx, "check vm", http.MethodPost, "/api/traffic/vm/check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HypervisorStatus reports connectivity to the VM host.
func (c *Client) HypervisorStatus(ctx context.Context) (*models.HypervisorStatus, error) {
	var out models.HypervisorStatus
	if err := c.do(ctx, "hypervisor status", http.MethodGet, "/api/proxmox/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Templates lists VM templates available for cloning.
func (c *Client) Templates(ctx context.Context) (*TemplateList, error) {
	var out TemplateList
	if err := c.do(ctx, "vm templates", http.MethodGet, "/api/proxmox/templates", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NextVMID returns the next free VM id on the hypervisor.
func (c *Client) NextVMID(ctx context.Context) (int, error) {
	var out nextIDResponse
	if err := c.do(ctx, "next vmid", http.MethodGet, "/api/proxmox/nextid", nil, &out); err != nil {
		return 0, err
	}
	return out.NextVMID, nil
}

// CreateVM provisions a VM bound to req.IPAddress.
func (c *Client) CreateVM(ctx context.Context, req models.VMRequest) (*models.VMCreated, error) {
	var out models.VMCreated
	if err := c.do(ctx, "create vm", http.MethodPost, "/api/proxmox/create-vm", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.observe != nil {
			c.observe(op, time.Since(start), err)
		}
	}()

	var body io.Reader
	if in != nil {
		buf, mErr := json.Marshal(in)
		if mErr != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("encode request: %w", mErr)}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("backend call",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", requestID),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Detail:     parseDetail(raw),
			Method:     method,
			Path:       path,
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// parseDetail extracts the detail field of an error body. String details are
// returned unquoted; structured details (validation lists) as raw JSON. A
// body without a detail field is returned trimmed.
func parseDetail(raw []byte) string {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil && len(eb.Detail) > 0 && string(eb.Detail) != "null" {
		var s string
		if err := json.Unmarshal(eb.Detail, &s); err == nil {
			return s
		}
		return string(eb.Detail)
	}
	return strings.TrimSpace(string(raw))
}
