package data

import (
	"fmt"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// millisThreshold separates epoch milliseconds from epoch seconds
const millisThreshold = 1_000_000_000_000

// AggregationReport counts what the aggregator dropped. The Has flags are
// false until the matching timestamp has been observed.
type AggregationReport struct {
	OutOfOrderEvents   uint64 `json:"out_of_order_events"`
	InvalidEvents      uint64 `json:"invalid_events"`
	LastEventTimestamp int64  `json:"last_event_timestamp"`
	HasLastEvent       bool   `json:"has_last_event"`
	LastBarTimestamp   int64  `json:"last_bar_timestamp"`
	HasLastBar         bool   `json:"has_last_bar"`
}

// BarAggregator folds realtime ticks and trades into fixed-width bars.
// Events older than the last accepted one are dropped, never merged into a
// bar that was already emitted.
type BarAggregator struct {
	symbol      string
	step        int64
	working     types.Bar
	haveWorking bool
	lastEventTS int64
	haveEvent   bool
	report      AggregationReport
}

// NewBarAggregator creates an aggregator for buckets of stepSeconds
func NewBarAggregator(symbol string, stepSeconds int64) (*BarAggregator, error) {
	if stepSeconds <= 0 {
		return nil, fmt.Errorf("step_seconds must be > 0, got %d", stepSeconds)
	}
	return &BarAggregator{symbol: symbol, step: stepSeconds}, nil
}

// NormalizeEpochSeconds converts millisecond timestamps to seconds
func NormalizeEpochSeconds(ts int64) int64 {
	if ts >= millisThreshold {
		return ts / 1000
	}
	return ts
}

// bucketStart floors ts to the step using Euclidean modulo so negative
// timestamps land in the bucket below them.
func bucketStart(ts, step int64) int64 {
	m := ts % step
	if m < 0 {
		m += step
	}
	return ts - m
}

// Ingest folds an event in and returns the previous bar when the event
// opens a new bucket.
func (a *BarAggregator) Ingest(event types.MarketEvent) (types.Bar, bool) {
	ts := NormalizeEpochSeconds(event.Timestamp)
	price := event.Price

	if !types.IsFinite(price) || price <= 0 {
		a.report.InvalidEvents++
		return types.Bar{}, false
	}
	if a.haveEvent && ts < a.lastEventTS {
		a.report.OutOfOrderEvents++
		return types.Bar{}, false
	}
	a.lastEventTS = ts
	a.haveEvent = true
	a.report.LastEventTimestamp = ts
	a.report.HasLastEvent = true

	qty := event.Quantity
	if !types.IsFinite(qty) || qty < 0 {
		qty = 0
	}

	bucket := bucketStart(ts, a.step)

	if a.haveWorking && a.working.Timestamp == bucket {
		if price > a.working.High {
			a.working.High = price
		}
		if price < a.working.Low {
			a.working.Low = price
		}
		a.working.Close = price
		a.working.Volume += qty
		return types.Bar{}, false
	}

	finished, ok := a.working, a.haveWorking
	if ok {
		a.report.LastBarTimestamp = finished.Timestamp
		a.report.HasLastBar = true
	}
	a.working = types.Bar{
		Symbol:    a.symbol,
		Timestamp: bucket,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    qty,
	}
	a.haveWorking = true
	return finished, ok
}

// Flush emits the open bucket, if any. Out-of-order tracking survives.
func (a *BarAggregator) Flush() (types.Bar, bool) {
	if !a.haveWorking {
		return types.Bar{}, false
	}
	bar := a.working
	a.working = types.Bar{}
	a.haveWorking = false
	a.report.LastBarTimestamp = bar.Timestamp
	a.report.HasLastBar = true
	return bar, true
}

// Pending returns the bar currently being built
func (a *BarAggregator) Pending() (types.Bar, bool) {
	return a.working, a.haveWorking
}

// Report returns a copy of the counters
func (a *BarAggregator) Report() AggregationReport {
	return a.report
}
