package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

// DefaultAgentTimeout bounds a single agent call including retries
const DefaultAgentTimeout = 2 * time.Second

// PortfolioState is the portfolio snapshot sent with each request
type PortfolioState struct {
	Cash             float64 `json:"cash"`
	PositionQty      float64 `json:"position_qty"`
	PositionAvgPrice float64 `json:"position_avg_price"`
	Equity           float64 `json:"equity"`
}

// ActionRequest is the body of POST /v1/act
type ActionRequest struct {
	APIVersion     string         `json:"api_version"`
	FeatureVersion string         `json:"feature_version"`
	RunID          string         `json:"run_id"`
	Timestamp      string         `json:"timestamp"`
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	Observation    []float64      `json:"observation"`
	PortfolioState PortfolioState `json:"portfolio_state"`
}

// ActionResponse is the agent's decision
type ActionResponse struct {
	ActionType   string   `json:"action_type"`
	Size         float64  `json:"size"`
	Confidence   *float64 `json:"confidence,omitempty"`
	ModelVersion string   `json:"model_version,omitempty"`
	LatencyMs    *int64   `json:"latency_ms,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// Validate checks the action type, size and confidence range
func (r ActionResponse) Validate() error {
	if _, ok := types.ParseActionType(r.ActionType); !ok {
		return fmt.Errorf("invalid action_type %q", r.ActionType)
	}
	if !types.IsFinite(r.Size) || r.Size < 0 {
		return fmt.Errorf("invalid size %v", r.Size)
	}
	if r.Confidence != nil {
		c := *r.Confidence
		if !types.IsFinite(c) || c < 0 || c > 1 {
			return fmt.Errorf("invalid confidence %v", c)
		}
	}
	return nil
}

// Action converts the response into an engine action. Unknown types hold.
func (r ActionResponse) Action() types.Action {
	t, ok := types.ParseActionType(r.ActionType)
	if !ok || t == types.ActionHold {
		return types.HoldAction()
	}
	return types.Action{Type: t, Size: r.Size}
}

// ActionBatchItem is one observation in a batch request
type ActionBatchItem struct {
	Timestamp      string         `json:"timestamp"`
	Observation    []float64      `json:"observation"`
	PortfolioState PortfolioState `json:"portfolio_state"`
}

// ActionBatchRequest is the body of POST /v1/act_batch
type ActionBatchRequest struct {
	APIVersion     string            `json:"api_version"`
	FeatureVersion string            `json:"feature_version"`
	RunID          string            `json:"run_id"`
	Symbol         string            `json:"symbol"`
	Timeframe      string            `json:"timeframe"`
	Items          []ActionBatchItem `json:"items"`
}

// ActionBatchResponse holds one response per request item, in order
type ActionBatchResponse struct {
	Items []ActionResponse `json:"items"`
}

// CallInfo describes how a call went
type CallInfo struct {
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Status   int           `json:"status,omitempty"`
}

// AgentClient asks a remote policy for actions
type AgentClient interface {
	Act(ctx context.Context, req ActionRequest) (ActionResponse, CallInfo, error)
	ActBatch(ctx context.Context, req ActionBatchRequest) (ActionBatchResponse, CallInfo, error)
	URL() string
}

// HTTPAgentClient talks JSON over HTTP to an agent service
type HTTPAgentClient struct {
	logger     *zap.Logger
	baseURL    string
	timeout    time.Duration
	retries    int
	httpClient *http.Client
}

var _ AgentClient = (*HTTPAgentClient)(nil)

// NewHTTPAgentClient creates a client. retries is the number of extra
// attempts after a 5xx or transport error.
func NewHTTPAgentClient(logger *zap.Logger, baseURL string, timeout time.Duration, retries int) *HTTPAgentClient {
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPAgentClient{
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		retries:    retries,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// URL returns the agent base URL
func (c *HTTPAgentClient) URL() string {
	return c.baseURL
}

// Act requests a single action
func (c *HTTPAgentClient) Act(ctx context.Context, req ActionRequest) (ActionResponse, CallInfo, error) {
	var resp ActionResponse
	info, err := c.post(ctx, "/v1/act", req, &resp, func() error {
		return resp.Validate()
	})
	if err != nil {
		return ActionResponse{}, info, err
	}
	return resp, info, nil
}

// ActBatch requests one action per item. An empty batch makes no call.
func (c *HTTPAgentClient) ActBatch(ctx context.Context, req ActionBatchRequest) (ActionBatchResponse, CallInfo, error) {
	if len(req.Items) == 0 {
		return ActionBatchResponse{}, CallInfo{}, nil
	}

	var resp ActionBatchResponse
	info, err := c.post(ctx, "/v1/act_batch", req, &resp, func() error {
		if len(resp.Items) != len(req.Items) {
			return fmt.Errorf("batch size mismatch: expected %d, got %d", len(req.Items), len(resp.Items))
		}
		for i, item := range resp.Items {
			if err := item.Validate(); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return ActionBatchResponse{}, info, err
	}
	return resp, info, nil
}

// post sends body and decodes a 200 reply into out. Transport errors and
// 5xx replies are retried; anything else ends the call.
func (c *HTTPAgentClient) post(ctx context.Context, path string, body, out any, validate func() error) (CallInfo, error) {
	start := time.Now()
	info := CallInfo{}

	payload, err := json.Marshal(body)
	if err != nil {
		return info, fmt.Errorf("agent: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + path
	var lastErr error
	for info.Attempts <= c.retries {
		info.Attempts++

		status, respBody, err := c.do(ctx, url, payload)
		info.Status = status
		if err != nil {
			lastErr = fmt.Errorf("agent request failed: %w", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if status == http.StatusOK {
			if err := json.Unmarshal(respBody, out); err != nil {
				lastErr = fmt.Errorf("agent: decode response: %w", err)
			} else if err := validate(); err != nil {
				lastErr = fmt.Errorf("agent: invalid response: %w", err)
			} else {
				lastErr = nil
			}
			break
		}

		lastErr = fmt.Errorf("agent http error: status %d", status)
		if status < 500 || info.Attempts > c.retries {
			break
		}
		c.logger.Debug("Agent call failed, retrying",
			zap.String("url", url),
			zap.Int("status", status),
			zap.Int("attempt", info.Attempts),
		)
	}

	info.Duration = time.Since(start)
	return info, lastErr
}

func (c *HTTPAgentClient) do(ctx context.Context, url string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
