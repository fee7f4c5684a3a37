package data

import (
	"fmt"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

// QualityReport summarises problems found in a bar series. First* fields
// hold the timestamp of the first occurrence and are only meaningful when
// the matching counter is non-zero.
type QualityReport struct {
	Rows              int   `json:"rows"`
	Duplicates        int   `json:"duplicates"`
	Gaps              int   `json:"gaps"`
	OutOfOrder        int   `json:"out_of_order"`
	InvalidClose      int   `json:"invalid_close"`
	FirstTimestamp    int64 `json:"first_timestamp,omitempty"`
	LastTimestamp     int64 `json:"last_timestamp,omitempty"`
	FirstGap          int64 `json:"first_gap,omitempty"`
	FirstDuplicate    int64 `json:"first_duplicate,omitempty"`
	FirstOutOfOrder   int64 `json:"first_out_of_order,omitempty"`
	FirstInvalidClose int64 `json:"first_invalid_close,omitempty"`
	MaxGapSeconds     int64 `json:"max_gap_seconds,omitempty"`
}

// Clean reports whether no issue was found
func (r QualityReport) Clean() bool {
	return r.Duplicates == 0 && r.Gaps == 0 && r.OutOfOrder == 0 && r.InvalidClose == 0
}

// Fields renders the report as zap fields for load logs
func (r QualityReport) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("rows", r.Rows),
		zap.Int("duplicates", r.Duplicates),
		zap.Int("gaps", r.Gaps),
		zap.Int("out_of_order", r.OutOfOrder),
		zap.Int("invalid_close", r.InvalidClose),
		zap.Int64("max_gap_seconds", r.MaxGapSeconds),
	}
}

// CheckQuality scans bars in the order given. expectedStep <= 0 is treated
// as one second, so any jump larger than a second counts as a gap.
func CheckQuality(bars []types.Bar, expectedStep int64) QualityReport {
	report := QualityReport{Rows: len(bars)}
	if len(bars) == 0 {
		return report
	}

	step := expectedStep
	if step < 1 {
		step = 1
	}
	report.FirstTimestamp = bars[0].Timestamp
	report.LastTimestamp = bars[len(bars)-1].Timestamp

	for i, bar := range bars {
		if !bar.Usable() {
			if report.InvalidClose == 0 {
				report.FirstInvalidClose = bar.Timestamp
			}
			report.InvalidClose++
		}
		if i == 0 {
			continue
		}

		prev := bars[i-1].Timestamp
		switch {
		case bar.Timestamp == prev:
			if report.Duplicates == 0 {
				report.FirstDuplicate = bar.Timestamp
			}
			report.Duplicates++
		case bar.Timestamp < prev:
			if report.OutOfOrder == 0 {
				report.FirstOutOfOrder = bar.Timestamp
			}
			report.OutOfOrder++
		default:
			if diff := bar.Timestamp - prev; diff > step {
				if report.Gaps == 0 {
					report.FirstGap = bar.Timestamp
				}
				report.Gaps++
				if diff > report.MaxGapSeconds {
					report.MaxGapSeconds = diff
				}
			}
		}
	}

	return report
}

// Resample folds time-ordered bars into buckets of stepSeconds: first open,
// highest high, lowest low, last close and summed volume.
func Resample(bars []types.Bar, stepSeconds int64) ([]types.Bar, error) {
	if stepSeconds <= 0 {
		return nil, fmt.Errorf("resample step must be > 0, got %d", stepSeconds)
	}
	if len(bars) == 0 {
		return nil, nil
	}

	out := make([]types.Bar, 0, len(bars))
	var (
		current types.Bar
		active  bool
	)

	for _, bar := range bars {
		bucket := bucketStart(bar.Timestamp, stepSeconds)
		if active && current.Timestamp == bucket {
			if bar.High > current.High {
				current.High = bar.High
			}
			if bar.Low < current.Low {
				current.Low = bar.Low
			}
			current.Close = bar.Close
			current.Volume += bar.Volume
			continue
		}

		if active {
			out = append(out, current)
		}
		current = bar
		current.Timestamp = bucket
		active = true
	}
	out = append(out, current)

	return out, nil
}

// CleanBars drops bars with an unusable close and bars that do not advance
// time, keeping the first bar seen for each timestamp.
func CleanBars(bars []types.Bar) []types.Bar {
	cleaned := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		if !bar.Usable() {
			continue
		}
		if n := len(cleaned); n > 0 && bar.Timestamp <= cleaned[n-1].Timestamp {
			continue
		}
		cleaned = append(cleaned, bar)
	}
	return cleaned
}
