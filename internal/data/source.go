package data

import (
	"context"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// Sleeper waits for d or until ctx is done. It returns false when ctx ended
// the wait.
type Sleeper func(ctx context.Context, d time.Duration) bool

// SleepContext is the default Sleeper backed by a timer
func SleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// VectorSource replays an in-memory slice once
type VectorSource struct {
	bars []types.Bar
	next int
}

// NewVectorSource creates a source over bars. The slice is not copied.
func NewVectorSource(bars []types.Bar) *VectorSource {
	return &VectorSource{bars: bars}
}

// NextBar returns the next bar or false when exhausted
func (s *VectorSource) NextBar(ctx context.Context) (types.Bar, bool) {
	if ctx.Err() != nil || s.next >= len(s.bars) {
		return types.Bar{}, false
	}
	bar := s.bars[s.next]
	s.next++
	return bar, true
}

// Remaining returns how many bars have not been read yet
func (s *VectorSource) Remaining() int {
	return len(s.bars) - s.next
}

// PacedSource replays historical bars in compressed real time. With
// replayScale 60 a one minute timeframe yields a bar per second.
type PacedSource struct {
	inner    *VectorSource
	interval time.Duration
	sleep    Sleeper
	started  bool
}

// NewPacedSource paces bars at stepSeconds/replayScale. replayScale <= 0
// disables pacing.
func NewPacedSource(bars []types.Bar, stepSeconds int64, replayScale float64) *PacedSource {
	var interval time.Duration
	if replayScale > 0 && stepSeconds > 0 {
		interval = time.Duration(float64(stepSeconds) / replayScale * float64(time.Second))
	}
	return &PacedSource{
		inner:    NewVectorSource(bars),
		interval: interval,
		sleep:    SleepContext,
	}
}

// WithSleeper replaces the sleep function, mainly for tests
func (s *PacedSource) WithSleeper(sleep Sleeper) *PacedSource {
	s.sleep = sleep
	return s
}

// Interval returns the pause between bars
func (s *PacedSource) Interval() time.Duration {
	return s.interval
}

// NextBar waits one interval before every bar except the first
func (s *PacedSource) NextBar(ctx context.Context) (types.Bar, bool) {
	if s.inner.Remaining() == 0 {
		return types.Bar{}, false
	}
	if s.started && s.interval > 0 {
		if !s.sleep(ctx, s.interval) {
			return types.Bar{}, false
		}
	}
	s.started = true
	return s.inner.NextBar(ctx)
}
