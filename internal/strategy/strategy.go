// Package strategy provides the baseline strategies, the remote agent
// strategy and the factory that picks one from configuration.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

// Modes accepted by New
const (
	ModeBaseline = "baseline"
	ModeHold     = "hold"
	ModeRemote   = "remote"
)

// Config selects and parameterises a strategy
type Config struct {
	Mode     string
	Baseline string
	Size     float64
	SMAShort int
	SMALong  int

	AgentURL     string
	AgentTimeout time.Duration
	AgentRetries int
	Agent        AgentConfig
}

// Factory builds a fresh strategy instance
type Factory func(cfg Config) (backtester.Strategy, error)

// Registry maps baseline names to factories
type Registry struct {
	logger    *zap.Logger
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry with the built-in baselines
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
	}

	r.Register("buy_and_hold", func(cfg Config) (backtester.Strategy, error) {
		size := cfg.Size
		if size <= 0 {
			size = 1
		}
		return NewBuyAndHold(size), nil
	})
	r.Register("sma", func(cfg Config) (backtester.Strategy, error) {
		return NewSimpleSMA(cfg.SMAShort, cfg.SMALong)
	})
	r.Register("hold", func(Config) (backtester.Strategy, error) {
		return Hold{}, nil
	})

	return r
}

// Register adds or replaces a factory
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds the named strategy
func (r *Registry) Create(name string, cfg Config) (backtester.Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(cfg)
}

// List returns the registered names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the strategy described by cfg. Remote mode creates an HTTP
// agent client bound to ctx.
func (r *Registry) New(ctx context.Context, cfg Config) (backtester.Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeBaseline:
		name := cfg.Baseline
		if name == "" {
			name = "buy_and_hold"
		}
		return r.Create(name, cfg)
	case ModeHold:
		return Hold{}, nil
	case ModeRemote:
		if cfg.AgentURL == "" {
			return nil, fmt.Errorf("remote strategy requires an agent url")
		}
		client := NewHTTPAgentClient(r.logger, cfg.AgentURL, cfg.AgentTimeout, cfg.AgentRetries)
		return NewAgentStrategy(ctx, r.logger, client, cfg.Agent), nil
	default:
		return nil, fmt.Errorf("unknown strategy mode %q", cfg.Mode)
	}
}

// BuyAndHold buys a fixed size on the first bar and then holds
type BuyAndHold struct {
	size   float64
	bought bool
}

// NewBuyAndHold creates the strategy
func NewBuyAndHold(size float64) *BuyAndHold {
	return &BuyAndHold{size: size}
}

func (s *BuyAndHold) Name() string { return "buy_and_hold" }

func (s *BuyAndHold) OnBar(types.Bar, backtester.PortfolioView) types.Action {
	if s.bought {
		return types.HoldAction()
	}
	s.bought = true
	return types.Action{Type: types.ActionBuy, Size: s.size}
}

// SimpleSMA goes long one unit on a short-over-long crossover and exits
// the whole position when the short average drops below the long one.
type SimpleSMA struct {
	short  int
	long   int
	closes []float64
}

// NewSimpleSMA creates the strategy. short must be below long.
func NewSimpleSMA(short, long int) (*SimpleSMA, error) {
	if short <= 0 || long <= 0 {
		return nil, fmt.Errorf("sma windows must be positive: short=%d long=%d", short, long)
	}
	if short >= long {
		return nil, fmt.Errorf("sma short window %d must be below long window %d", short, long)
	}
	return &SimpleSMA{
		short:  short,
		long:   long,
		closes: make([]float64, 0, long),
	}, nil
}

func (s *SimpleSMA) Name() string { return "simple_sma" }

func (s *SimpleSMA) OnBar(bar types.Bar, portfolio backtester.PortfolioView) types.Action {
	if len(s.closes) == s.long {
		copy(s.closes, s.closes[1:])
		s.closes = s.closes[:s.long-1]
	}
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) < s.long {
		return types.HoldAction()
	}

	shortMA := mean(s.closes[s.long-s.short:])
	longMA := mean(s.closes)
	position := portfolio.PositionQty()

	switch {
	case shortMA > longMA && position <= 0:
		return types.Action{Type: types.ActionBuy, Size: 1}
	case shortMA < longMA && position > 0:
		return types.Action{Type: types.ActionSell, Size: position}
	default:
		return types.HoldAction()
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Hold never trades
type Hold struct{}

func (Hold) Name() string { return "hold" }

func (Hold) OnBar(types.Bar, backtester.PortfolioView) types.Action {
	return types.HoldAction()
}
