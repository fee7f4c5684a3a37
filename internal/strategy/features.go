package strategy

import (
	"fmt"
	"math"
	"strings"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// ReturnMode selects how bar-to-bar returns are computed
type ReturnMode string

const (
	ReturnLog ReturnMode = "log"
	ReturnPct ReturnMode = "pct"
)

// ParseReturnMode accepts log or pct in any case. Empty means pct.
func ParseReturnMode(s string) (ReturnMode, error) {
	switch ReturnMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReturnPct:
		return ReturnPct, nil
	case ReturnLog:
		return ReturnLog, nil
	default:
		return "", fmt.Errorf("unknown return mode %q", s)
	}
}

// FeatureConfig describes the observation vector
type FeatureConfig struct {
	ReturnMode        ReturnMode
	SMAWindows        []int
	VolatilityWindows []int
	RSI               bool
}

// DefaultFeatureConfig returns the feature set used when none is configured
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		ReturnMode:        ReturnPct,
		SMAWindows:        []int{5, 20},
		VolatilityWindows: []int{20},
	}
}

// Len is the number of values in each observation
func (c FeatureConfig) Len() int {
	n := 1 + len(c.SMAWindows) + len(c.VolatilityWindows)
	if c.RSI {
		n++
	}
	return n
}

// FeatureBuilder turns a bar stream into fixed-length observations:
// last return, close/SMA-1 per window, rolling return volatility per
// window and optionally a 14 period RSI. Values not yet warmed up are 0.
type FeatureBuilder struct {
	config    FeatureConfig
	prevClose float64
	hasPrev   bool
	smas      []*rollingWindow
	vols      []*rollingWindow
	rsi       *rollingRSI
}

// NewFeatureBuilder creates a builder
func NewFeatureBuilder(config FeatureConfig) *FeatureBuilder {
	if config.ReturnMode == "" {
		config.ReturnMode = ReturnPct
	}
	b := &FeatureBuilder{config: config}
	for _, w := range config.SMAWindows {
		b.smas = append(b.smas, newRollingWindow(w))
	}
	for _, w := range config.VolatilityWindows {
		b.vols = append(b.vols, newRollingWindow(w))
	}
	if config.RSI {
		b.rsi = newRollingRSI(14, config.ReturnMode)
	}
	return b
}

// Update folds a bar in and returns its observation
func (b *FeatureBuilder) Update(bar types.Bar) []float64 {
	values := make([]float64, 0, b.config.Len())

	ret, hasRet := 0.0, false
	if b.hasPrev && b.prevClose > 0 {
		ret = periodReturn(b.config.ReturnMode, b.prevClose, bar.Close)
		hasRet = types.IsFinite(ret)
		if !hasRet {
			ret = 0
		}
	}
	b.prevClose = bar.Close
	b.hasPrev = true
	values = append(values, ret)

	for _, sma := range b.smas {
		ratio := 0.0
		if mean, ok := sma.push(bar.Close); ok && mean > 0 {
			ratio = bar.Close/mean - 1
		}
		values = append(values, ratio)
	}

	for _, vol := range b.vols {
		if !hasRet {
			values = append(values, 0)
			continue
		}
		std, _ := vol.pushStd(ret)
		values = append(values, std)
	}

	if b.rsi != nil {
		rsi, _ := b.rsi.update(bar.Close)
		values = append(values, rsi)
	}

	return values
}

func periodReturn(mode ReturnMode, prev, cur float64) float64 {
	if mode == ReturnLog {
		return math.Log(cur / prev)
	}
	return cur/prev - 1
}

// rollingWindow keeps a fixed-size ring of values with running sums
type rollingWindow struct {
	size  int
	buf   []float64
	next  int
	count int
	sum   float64
	sumSq float64
}

func newRollingWindow(size int) *rollingWindow {
	if size < 0 {
		size = 0
	}
	return &rollingWindow{size: size, buf: make([]float64, size)}
}

func (w *rollingWindow) add(v float64) bool {
	if w.size == 0 {
		return false
	}
	if w.count == w.size {
		old := w.buf[w.next]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.count++
	}
	w.buf[w.next] = v
	w.next = (w.next + 1) % w.size
	w.sum += v
	w.sumSq += v * v
	return w.count == w.size
}

// push adds v and returns the mean once the window is full
func (w *rollingWindow) push(v float64) (float64, bool) {
	if !w.add(v) {
		return 0, false
	}
	return w.sum / float64(w.size), true
}

// pushStd adds v and returns the population standard deviation once full
func (w *rollingWindow) pushStd(v float64) (float64, bool) {
	if !w.add(v) {
		return 0, false
	}
	n := float64(w.size)
	mean := w.sum / n
	variance := w.sumSq/n - mean*mean
	return math.Sqrt(math.Max(variance, 0)), true
}

type rollingRSI struct {
	gains     *rollingWindow
	losses    *rollingWindow
	mode      ReturnMode
	prevClose float64
	hasPrev   bool
}

func newRollingRSI(period int, mode ReturnMode) *rollingRSI {
	return &rollingRSI{
		gains:  newRollingWindow(period),
		losses: newRollingWindow(period),
		mode:   mode,
	}
}

func (r *rollingRSI) update(close float64) (float64, bool) {
	prev, hasPrev := r.prevClose, r.hasPrev
	r.prevClose, r.hasPrev = close, true
	if !hasPrev || prev <= 0 || !types.IsFinite(prev) || !types.IsFinite(close) {
		return 0, false
	}

	diff := periodReturn(r.mode, prev, close)
	gain, loss := 0.0, 0.0
	if diff > 0 {
		gain = diff
	} else {
		loss = -diff
	}
	_, full := r.gains.push(gain)
	r.losses.push(loss)
	if !full {
		return 0, false
	}

	if r.gains.sum+r.losses.sum == 0 {
		return 50, true
	}
	rs := r.gains.sum / math.Max(r.losses.sum, 1e-9)
	return 100 - 100/(1+rs), true
}
