package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

// StageAgent is the audit stage of agent calls
const StageAgent = "agent"

// AgentConfig identifies the run to the agent and sets the fallback
type AgentConfig struct {
	RunID          string
	Symbol         string
	Timeframe      string
	APIVersion     string
	FeatureVersion string
	FallbackAction types.ActionType
	Features       FeatureConfig
}

// AgentStrategy delegates each decision to a remote agent. Failed calls
// fall back to a fixed action and are recorded in its audit trail.
type AgentStrategy struct {
	ctx      context.Context
	logger   *zap.Logger
	client   AgentClient
	config   AgentConfig
	features *FeatureBuilder

	mu     sync.Mutex
	events []types.AuditEvent
}

var (
	_ backtester.Strategy     = (*AgentStrategy)(nil)
	_ backtester.AuditDrainer = (*AgentStrategy)(nil)
)

// NewAgentStrategy creates an agent-backed strategy. ctx bounds every call.
func NewAgentStrategy(ctx context.Context, logger *zap.Logger, client AgentClient, config AgentConfig) *AgentStrategy {
	if config.APIVersion == "" {
		config.APIVersion = "v1"
	}
	if config.FeatureVersion == "" {
		config.FeatureVersion = "v1"
	}
	if config.FallbackAction == "" {
		config.FallbackAction = types.ActionHold
	}
	if config.Features.ReturnMode == "" && config.Features.Len() == 1 {
		config.Features = DefaultFeatureConfig()
	}
	return &AgentStrategy{
		ctx:      ctx,
		logger:   logger,
		client:   client,
		config:   config,
		features: NewFeatureBuilder(config.Features),
	}
}

func (s *AgentStrategy) Name() string { return "agent_remote" }

// OnBar builds the observation, asks the agent and converts its answer
func (s *AgentStrategy) OnBar(bar types.Bar, portfolio backtester.PortfolioView) types.Action {
	observation := s.features.Update(bar)
	state := PortfolioState{
		Cash:             portfolio.Cash(),
		PositionQty:      portfolio.PositionQty(),
		PositionAvgPrice: portfolio.AvgPrice(),
		Equity:           portfolio.Equity(bar.Close),
	}

	req := ActionRequest{
		APIVersion:     s.config.APIVersion,
		FeatureVersion: s.config.FeatureVersion,
		RunID:          s.config.RunID,
		Timestamp:      time.Unix(bar.Timestamp, 0).UTC().Format(time.RFC3339),
		Symbol:         s.config.Symbol,
		Timeframe:      s.config.Timeframe,
		Observation:    observation,
		PortfolioState: state,
	}

	resp, info, err := s.client.Act(s.ctx, req)
	usedFallback := err != nil
	if usedFallback {
		s.logger.Warn("Agent call failed, using fallback",
			zap.Int64("timestamp", bar.Timestamp),
			zap.Int("attempts", info.Attempts),
			zap.Error(err),
		)
		s.record(bar.Timestamp, "error", err.Error(), map[string]any{
			"url":      s.client.URL(),
			"attempts": info.Attempts,
			"status":   info.Status,
		})
		resp = ActionResponse{ActionType: string(s.config.FallbackAction)}
	}

	details := map[string]any{
		"url":                  s.client.URL(),
		"attempts":             info.Attempts,
		"duration_ms":          info.Duration.Milliseconds(),
		"status":               info.Status,
		"used_fallback":        usedFallback,
		"response_action_type": resp.ActionType,
		"response_size":        resp.Size,
		"observation_len":      len(observation),
		"portfolio_state": map[string]any{
			"cash":               state.Cash,
			"position_qty":       state.PositionQty,
			"position_avg_price": state.PositionAvgPrice,
			"equity":             state.Equity,
		},
	}
	if resp.Confidence != nil {
		details["confidence"] = *resp.Confidence
	}
	if resp.ModelVersion != "" {
		details["model_version"] = resp.ModelVersion
	}
	s.record(bar.Timestamp, "call", "", details)
	if usedFallback {
		s.record(bar.Timestamp, "fallback", "", map[string]any{
			"url":             s.client.URL(),
			"fallback_action": string(s.config.FallbackAction),
		})
	}

	return resp.Action()
}

// DrainAuditEvents returns and clears the recorded agent events
func (s *AgentStrategy) DrainAuditEvents() []types.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}

func (s *AgentStrategy) record(ts int64, action, errMsg string, details map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, types.AuditEvent{
		RunID:     s.config.RunID,
		Timestamp: ts,
		Stage:     StageAgent,
		Symbol:    s.config.Symbol,
		Action:    action,
		Error:     errMsg,
		Details:   details,
	})
}
