// Package data loads, checks and streams OHLCV bars for the simulation engine.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

// OHLCVQuery identifies a bar series. ExpectedStep feeds the gap check.
type OHLCVQuery struct {
	Exchange     string
	Market       string
	Symbol       string
	Timeframe    string
	ExpectedStep int64
}

func (q OHLCVQuery) cacheKey() string {
	return strings.Join([]string{q.Exchange, q.Market, q.Symbol, q.Timeframe}, "|")
}

// BarRepository loads historical bars together with their quality report
type BarRepository interface {
	LoadOHLCV(ctx context.Context, q OHLCVQuery) ([]types.Bar, QualityReport, error)
}

var _ BarRepository = (*FileStore)(nil)

// SeriesMetadata describes a stored series
type SeriesMetadata struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// FileStore keeps bar series as JSON files under
// <dir>/<exchange>/<market>/<SYMBOL>_<timeframe>.json
type FileStore struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Bar
	metadata map[string]*SeriesMetadata
}

// NewFileStore creates a file store rooted at dataDir
func NewFileStore(logger *zap.Logger, dataDir string) (*FileStore, error) {
	store := &FileStore{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.Bar),
		metadata: make(map[string]*SeriesMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

func (s *FileStore) path(q OHLCVQuery) string {
	name := fmt.Sprintf("%s_%s.json", strings.ToUpper(q.Symbol), q.Timeframe)
	return filepath.Join(s.dataDir, q.Exchange, q.Market, name)
}

// LoadOHLCV reads a series. The quality report reflects the file as stored;
// the returned bars are sorted by timestamp.
func (s *FileStore) LoadOHLCV(ctx context.Context, q OHLCVQuery) ([]types.Bar, QualityReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, QualityReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := q.cacheKey()
	if cached, ok := s.cache[key]; ok {
		return cloneBars(cached), CheckQuality(cached, q.ExpectedStep), nil
	}

	raw, err := os.ReadFile(s.path(q))
	if err != nil {
		return nil, QualityReport{}, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, QualityReport{}, fmt.Errorf("failed to parse data: %w", err)
	}
	for i := range bars {
		if bars[i].Symbol == "" {
			bars[i].Symbol = q.Symbol
		}
	}

	report := CheckQuality(bars, q.ExpectedStep)
	if !report.Clean() {
		s.logger.Warn("Data quality issues", append(report.Fields(), zap.String("symbol", q.Symbol))...)
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp < bars[j].Timestamp
	})

	s.cache[key] = bars
	return cloneBars(bars), report, nil
}

// SaveOHLCV writes a series and refreshes the cache and metadata
func (s *FileStore) SaveOHLCV(q OHLCVQuery, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(q)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create series directory: %w", err)
	}

	raw, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[q.cacheKey()] = cloneBars(bars)

	if len(bars) > 0 {
		s.metadata[q.cacheKey()] = &SeriesMetadata{
			Symbol:    q.Symbol,
			Timeframe: q.Timeframe,
			StartDate: time.Unix(bars[0].Timestamp, 0).UTC(),
			EndDate:   time.Unix(bars[len(bars)-1].Timestamp, 0).UTC(),
			BarCount:  len(bars),
		}
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}
	return nil
}

// Series returns metadata for every saved series
func (s *FileStore) Series() []SeriesMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SeriesMetadata, 0, len(s.metadata))
	for _, m := range s.metadata {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

func (s *FileStore) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SeriesMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

func (s *FileStore) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0644)
}

// ClearCache drops every cached series
func (s *FileStore) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

func cloneBars(bars []types.Bar) []types.Bar {
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	return out
}
