package data

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

var _ BarRepository = (*ParquetStore)(nil)

// CandleRecord is the Parquet schema for one bar. Timestamp is epoch seconds.
type CandleRecord struct {
	Timestamp int64   `parquet:"timestamp"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// ParquetStore keeps one file per series at <DataDir>/<SYMBOL>/<timeframe>.parquet
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a ParquetStore rooted at dataDir
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

func (s *ParquetStore) path(symbol, timeframe string) string {
	return filepath.Join(s.DataDir, strings.ToUpper(symbol), timeframe+".parquet")
}

// WriteBars merges bars into the series file. Incoming bars replace stored
// bars with the same timestamp.
func (s *ParquetStore) WriteBars(_ context.Context, symbol, timeframe string, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	records := make([]CandleRecord, 0, len(bars))
	for _, b := range bars {
		records = append(records, CandleRecord{
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	path := s.path(symbol, timeframe)
	existing, _ := parquet.ReadFile[CandleRecord](path)
	merged := mergeCandleRecords(existing, records)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, merged); err != nil {
		return fmt.Errorf("writing bars for %s/%s: %w", symbol, timeframe, err)
	}
	return nil
}

// LoadOHLCV reads the series file for q.Symbol and q.Timeframe
func (s *ParquetStore) LoadOHLCV(_ context.Context, q OHLCVQuery) ([]types.Bar, QualityReport, error) {
	records, err := parquet.ReadFile[CandleRecord](s.path(q.Symbol, q.Timeframe))
	if err != nil {
		return nil, QualityReport{}, fmt.Errorf("reading bars for %s/%s: %w", q.Symbol, q.Timeframe, err)
	}

	bars := make([]types.Bar, 0, len(records))
	for _, r := range records {
		bars = append(bars, types.Bar{
			Symbol:    q.Symbol,
			Timestamp: r.Timestamp,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return bars, CheckQuality(bars, q.ExpectedStep), nil
}

func mergeCandleRecords(existing, incoming []CandleRecord) []CandleRecord {
	seen := make(map[int64]CandleRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]CandleRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
