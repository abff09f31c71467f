package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/loykin/erpsync/internal/erp"
)

// Client talks to an erpsync daemon over its management API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // optional
	TLS      *TLSClientConfig
	Insecure bool // skip TLS verification
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new erpsync API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	var resp map[string]any
	return c.doJSON(ctx, http.MethodGet, c.baseURL+"/healthz", nil, &resp) == nil
}

// RequestSync asks the daemon to sync one domain. priority 0 uses the
// daemon's configured default.
func (c *Client) RequestSync(ctx context.Context, d erp.Domain, priority int) error {
	u := c.baseURL + "/sync/" + url.PathEscape(string(d))
	if priority > 0 {
		u += "?priority=" + strconv.Itoa(priority)
	}
	return c.doJSON(ctx, http.MethodPost, u, nil, nil)
}

// Status returns orchestrator and pool state.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/status", nil, &st)
	return st, err
}

// EnterFastPath raises the fast-path reference count by one.
func (c *Client) EnterFastPath(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/fastpath", nil, nil)
}

// ExitFastPath lowers the fast-path reference count by one.
func (c *Client) ExitFastPath(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, c.baseURL+"/fastpath", nil, nil)
}

// Checkpoints lists every domain's sync checkpoint.
func (c *Client) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	var cps []Checkpoint
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/checkpoints", nil, &cps)
	return cps, err
}

// ResetCheckpoint forces a domain's next sync to start from scratch.
func (c *Client) ResetCheckpoint(ctx context.Context, d erp.Domain) error {
	u := c.baseURL + "/checkpoints/" + url.PathEscape(string(d)) + "/reset"
	return c.doJSON(ctx, http.MethodPost, u, nil, nil)
}

// EnqueueOrder submits an order job and returns its id.
func (c *Client) EnqueueOrder(ctx context.Context, o erp.Order) (string, error) {
	body, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}
	var resp IDResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/orders", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// OrderStatus returns one job's state.
func (c *Client) OrderStatus(ctx context.Context, id string) (OrderJob, error) {
	var job OrderJob
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/orders/"+url.PathEscape(id), nil, &job)
	return job, err
}

// RetryOrder clones a failed job into a new one and returns the new id.
func (c *Client) RetryOrder(ctx context.Context, id string) (string, error) {
	var resp IDResponse
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/orders/"+url.PathEscape(id)+"/retry", nil, &resp)
	return resp.ID, err
}

// CancelOrder removes a job that has not been dispatched yet.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, c.baseURL+"/orders/"+url.PathEscape(id), nil, nil)
}

// doJSON performs a request and decodes the JSON response into out when the
// status is 2xx, or returns the API error otherwise.
func (c *Client) doJSON(ctx context.Context, method, u string, body []byte, out any) error {
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// setupClientTLS configures TLS settings for the HTTP client.
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}
