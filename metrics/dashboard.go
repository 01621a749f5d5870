package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DashboardConfig configures the plotting dashboard client.
type DashboardConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultDashboardConfig returns default configuration for the dashboard
func DefaultDashboardConfig(baseURL string) DashboardConfig {
	return DashboardConfig{
		BaseURL:       baseURL,
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// DashboardResponse is the reply to a batch upload.
type DashboardResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	BatchID      string `json:"batch_id,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
}

// DashboardClient posts plots to a plotting sidecar over HTTP.
type DashboardClient struct {
	config     DashboardConfig
	httpClient *http.Client
}

// NewDashboardClient creates a client for config.BaseURL.
func NewDashboardClient(config DashboardConfig) *DashboardClient {
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &DashboardClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// CheckHealth checks if the dashboard is available
func (d *DashboardClient) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Publish sends plots in one batch request, retrying on failure.
func (d *DashboardClient) Publish(ctx context.Context, plots []PlotData) (*DashboardResponse, error) {
	if len(plots) == 0 {
		return nil, fmt.Errorf("no plots to publish")
	}
	body, err := json.Marshal(map[string]any{"plots": plots, "batch": true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plot data: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < d.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.config.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err := d.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to publish plots after %d attempts: %w", d.config.RetryAttempts, lastErr)
}

func (d *DashboardClient) post(ctx context.Context, body []byte) (*DashboardResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.BaseURL+"/api/batch-plot", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-qat-training")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var out DashboardResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &out, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, out.Message)
	}
	return &out, nil
}
