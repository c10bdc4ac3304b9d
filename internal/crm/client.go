// Package crm is a REST client for the CRM's v2 API. It implements the record
// and field-metadata contracts used by the migration engine.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kuhlman-labs/crm-field-migrator/internal/config"
)

const (
	ProductionBaseURL = "https://api.neoncrm.com/v2/"
	TrialBaseURL      = "https://trial.neoncrm.com/v2/"

	DefaultAPIVersion = "2.10"
	DefaultPageSize   = 200
)

// Client talks to the CRM API with basic auth (org ID and API key)
type Client struct {
	baseURL    string
	orgID      string
	apiKey     string
	apiVersion string
	pageSize   int
	httpClient *http.Client
	retryer    *Retryer
	logger     *slog.Logger
}

// ClientConfig configures a Client
type ClientConfig struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	APIVersion  string
	PageSize    int
	Timeout     time.Duration
	MinInterval time.Duration
	Retry       RetryConfig
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// ConfigFromSettings converts loaded settings into a ClientConfig
func ConfigFromSettings(cfg config.CRMConfig, logger *slog.Logger) ClientConfig {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ProductionBaseURL
		if cfg.Environment == "trial" {
			baseURL = TrialBaseURL
		}
	}
	return ClientConfig{
		BaseURL:     baseURL,
		OrgID:       cfg.OrgID,
		APIKey:      cfg.APIKey,
		APIVersion:  cfg.APIVersion,
		PageSize:    cfg.PageSize,
		Timeout:     cfg.Timeout(),
		MinInterval: time.Duration(cfg.RateLimitMS) * time.Millisecond,
		Retry: RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialBackoff:  time.Duration(cfg.Retry.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:      time.Duration(cfg.Retry.MaxBackoffMS) * time.Millisecond,
			BackoffMultiple: 2.0,
		},
		Logger: logger,
	}
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.OrgID == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("org ID and API key are required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = ProductionBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		orgID:      cfg.OrgID,
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		pageSize:   cfg.PageSize,
		httpClient: cfg.HTTPClient,
		retryer:    NewRetryer(cfg.Retry, NewRateLimiter(cfg.MinInterval, cfg.Logger), cfg.Logger),
		logger:     cfg.Logger,
	}, nil
}

// do sends one request with retries and decodes a JSON response into out (if non-nil)
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	endpoint := c.baseURL + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return c.retryer.Do(ctx, method+" "+path, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.SetBasicAuth(c.orgID, c.apiKey)
		req.Header.Set("NEON-API-VERSION", c.apiVersion)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		c.logger.Debug("CRM request",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"duration", time.Since(start))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return newAPIError(resp, data, method, path)
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
		return nil
	})
}
