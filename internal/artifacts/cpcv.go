package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/cpcv"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// File names inside a cpcv output directory
const (
	CPCVFoldsFile   = "folds.csv"
	CPCVResultsFile = "fold_results.csv"
)

var (
	cpcvFoldsHeader   = []string{"fold_id", "set", "segment_id", "start_idx", "end_idx", "start_ts", "end_ts", "start_utc", "end_utc", "test_groups"}
	cpcvResultsHeader = []string{"fold_id", "segment_id", "test_groups", "start_ts", "end_ts", "bars", "trades", "win_rate", "net_profit", "sharpe", "max_drawdown"}
)

// FoldResult is the backtest of one test segment of a fold
type FoldResult struct {
	FoldID     int           `json:"fold_id"`
	SegmentID  int           `json:"segment_id"`
	TestGroups []int         `json:"test_groups"`
	StartTs    int64         `json:"start_ts"`
	EndTs      int64         `json:"end_ts"`
	Summary    types.Summary `json:"summary"`
}

// WriteCPCVFoldsCSV writes one row per train and test segment of every
// fold, creating the parent directory if needed
func WriteCPCVFoldsCSV(path string, result *cpcv.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifacts: create %s: %w", filepath.Dir(path), err)
	}

	var rows [][]string
	for _, fold := range result.Folds {
		groups := joinInts(fold.TestGroups)
		for _, set := range []struct {
			name string
			segs []cpcv.Segment
		}{{"train", fold.Train}, {"test", fold.Test}} {
			for i, seg := range set.segs {
				rows = append(rows, []string{
					strconv.Itoa(fold.ID),
					set.name,
					strconv.Itoa(i),
					strconv.Itoa(seg.StartIdx),
					strconv.Itoa(seg.EndIdx),
					strconv.FormatInt(seg.StartTs, 10),
					strconv.FormatInt(seg.EndTs, 10),
					utc(seg.StartTs),
					utc(seg.EndTs),
					groups,
				})
			}
		}
	}
	return writeCSV(path, cpcvFoldsHeader, rows)
}

// WriteCPCVResultsCSV writes one row per evaluated test segment
func WriteCPCVResultsCSV(path string, results []FoldResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifacts: create %s: %w", filepath.Dir(path), err)
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			strconv.Itoa(r.FoldID),
			strconv.Itoa(r.SegmentID),
			joinInts(r.TestGroups),
			strconv.FormatInt(r.StartTs, 10),
			strconv.FormatInt(r.EndTs, 10),
			strconv.Itoa(r.Summary.BarsProcessed),
			strconv.Itoa(r.Summary.Trades),
			formatNumber(r.Summary.WinRate),
			formatNumber(r.Summary.NetProfit),
			formatNumber(r.Summary.Sharpe),
			formatNumber(r.Summary.MaxDrawdown),
		})
	}
	return writeCSV(path, cpcvResultsHeader, rows)
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "|")
}

func utc(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
