// internal/remote/client.go
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/models"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

const (
	metadataPath = "/api/v1/minecraft/conversation-script/metadata"
	scriptPath   = "/api/v1/minecraft/conversation-script"

	DefaultUserAgent       = "VillagerBridge/0.1.0"
	DefaultMetadataTimeout = 10 * time.Second
	DefaultFetchTimeout    = 30 * time.Second

	// responses larger than this are rejected unread
	maxResponseBytes = 4 << 20
)

// ClientConfig configures Client
type ClientConfig struct {
	BaseURL         string
	APIToken        string
	UserAgent       string
	MetadataTimeout time.Duration
	FetchTimeout    time.Duration
	HTTPClient      *http.Client
}

// Client talks to the script authority over HTTP.
type Client struct {
	baseURL         string
	apiToken        string
	userAgent       string
	metadataTimeout time.Duration
	fetchTimeout    time.Duration
	client          *http.Client
	metrics         *utils.MetricsCollector
	logger          *utils.Logger
}

// NewClient validates cfg and fills defaults
func NewClient(cfg ClientConfig, metrics *utils.MetricsCollector) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, apperrors.NewValidationError("remote base URL is required", nil)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, apperrors.NewValidationError("invalid remote base URL", err)
	}
	if _, err := loadSchemas(); err != nil {
		return nil, apperrors.NewContractError("failed to compile payload schemas", err)
	}

	c := &Client{
		baseURL:         base,
		apiToken:        cfg.APIToken,
		userAgent:       cfg.UserAgent,
		metadataTimeout: cfg.MetadataTimeout,
		fetchTimeout:    cfg.FetchTimeout,
		client:          cfg.HTTPClient,
		metrics:         metrics,
		logger:          utils.GetLogger(),
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.metadataTimeout <= 0 {
		c.metadataTimeout = DefaultMetadataTimeout
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultFetchTimeout
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.metrics == nil {
		c.metrics = utils.GetMetricsCollector()
	}
	return c, nil
}

// Metadata fetches the version projection for groupKey. A 404 means the
// authority has no script and yields nil, nil.
func (c *Client) Metadata(ctx context.Context, groupKey string) (*models.ScriptMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.metadataTimeout)
	defer cancel()

	c.metrics.IncrementCounter(utils.MetricUpdateChecks)

	endpoint := c.baseURL + metadataPath + "?groupHash=" + url.QueryEscape(groupKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewRemoteError("failed to build metadata request", err)
	}
	c.setHeaders(httpReq)

	status, body, err := c.do(httpReq)
	if err != nil {
		c.metrics.IncrementCounter(utils.MetricUpdateCheckErrors)
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		c.metrics.IncrementCounter(utils.MetricUpdateCheckErrors)
		return nil, apperrors.NewRemoteError(fmt.Sprintf("metadata request failed with status %d", status), nil)
	}

	if err := validatePayload(metadataSchemaName, body); err != nil {
		c.metrics.IncrementCounter(utils.MetricUpdateCheckErrors)
		return nil, apperrors.NewRemoteError("malformed metadata payload", err)
	}
	var meta models.ScriptMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		c.metrics.IncrementCounter(utils.MetricUpdateCheckErrors)
		return nil, apperrors.NewRemoteError("failed to decode metadata", err)
	}
	if meta.GroupKey == "" {
		meta.GroupKey = groupKey
	}
	return &meta, nil
}

// FetchScript asks the authority for a script for req.GroupKey.
func (c *Client) FetchScript(ctx context.Context, req FetchRequest) (*models.ConversationScript, error) {
	if req.GroupKey == "" {
		return nil, apperrors.NewValidationError("group key is required", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	c.metrics.IncrementCounter(utils.MetricFetches)
	defer func() { c.metrics.RecordDuration(utils.MetricFetchLatency, time.Since(start)) }()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewValidationError("failed to encode fetch request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+scriptPath, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewRemoteError("failed to build script request", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(httpReq)
	if err != nil {
		c.metrics.IncrementCounter(utils.MetricFetchErrors)
		return nil, err
	}
	if status != http.StatusOK {
		c.metrics.IncrementCounter(utils.MetricFetchErrors)
		c.logger.Warn("script request rejected", map[string]interface{}{
			"group_key": req.GroupKey,
			"status":    status,
			"body":      truncate(string(body), 256),
		})
		return nil, apperrors.NewRemoteError(fmt.Sprintf("script request failed with status %d", status), nil)
	}

	if err := validatePayload(scriptSchemaName, body); err != nil {
		c.metrics.IncrementCounter(utils.MetricFetchErrors)
		return nil, apperrors.NewRemoteError("malformed script payload", err)
	}
	var script models.ConversationScript
	if err := json.Unmarshal(body, &script); err != nil {
		c.metrics.IncrementCounter(utils.MetricFetchErrors)
		return nil, apperrors.NewRemoteError("failed to decode script", err)
	}

	c.logger.Info("script downloaded", map[string]interface{}{
		"group_key": req.GroupKey,
		"script_id": script.ScriptID,
		"version":   script.Version,
		"lines":     script.TotalLines(),
		"topic":     script.Topic,
		"force_new": req.ForceNew,
	})
	return &script, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() == context.DeadlineExceeded {
			return 0, nil, apperrors.NewTimeoutError("remote request timed out", err)
		}
		return 0, nil, apperrors.NewRemoteError("remote request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return resp.StatusCode, nil, apperrors.NewRemoteError("failed to read response", err)
	}
	if len(body) > maxResponseBytes {
		return resp.StatusCode, nil, apperrors.NewRemoteError("response too large", nil)
	}
	return resp.StatusCode, body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
