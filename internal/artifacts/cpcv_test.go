package artifacts_test

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Marcux777/kairos-alloy-sub000/internal/artifacts"
	"github.com/Marcux777/kairos-alloy-sub000/internal/cpcv"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return records
}

func TestWriteCPCVFoldsCSV(t *testing.T) {
	result := &cpcv.Result{
		TotalBars: 12,
		Folds: []cpcv.Fold{{
			ID:         3,
			TestGroups: []int{0, 2},
			Train:      []cpcv.Segment{{StartIdx: 5, EndIdx: 6, StartTs: 300, EndTs: 360}},
			Test: []cpcv.Segment{
				{StartIdx: 0, EndIdx: 3, StartTs: 0, EndTs: 180},
				{StartIdx: 8, EndIdx: 11, StartTs: 480, EndTs: 660},
			},
		}},
	}
	path := filepath.Join(t.TempDir(), "cpcv", "nested", artifacts.CPCVFoldsFile)
	if err := artifacts.WriteCPCVFoldsCSV(path, result); err != nil {
		t.Fatalf("WriteCPCVFoldsCSV failed: %v", err)
	}

	records := readCSV(t, path)
	if len(records) != 4 {
		t.Fatalf("Row count incorrect: expected 4, got %d", len(records))
	}
	if records[0][0] != "fold_id" || records[0][9] != "test_groups" {
		t.Errorf("Header incorrect: got %v", records[0])
	}
	expected := []string{"3", "train", "0", "5", "6", "300", "360", "1970-01-01T00:05:00Z", "1970-01-01T00:06:00Z", "0|2"}
	if !reflect.DeepEqual(records[1], expected) {
		t.Errorf("Train row incorrect: expected %v, got %v", expected, records[1])
	}
	if records[3][1] != "test" || records[3][2] != "1" || records[3][3] != "8" {
		t.Errorf("Second test row incorrect: got %v", records[3])
	}
}

func TestWriteCPCVResultsCSV(t *testing.T) {
	results := []artifacts.FoldResult{{
		FoldID:     1,
		SegmentID:  0,
		TestGroups: []int{1},
		StartTs:    240,
		EndTs:      420,
		Summary:    types.Summary{BarsProcessed: 4, Trades: 1, NetProfit: 2.5, Sharpe: 0.75},
	}}
	path := filepath.Join(t.TempDir(), artifacts.CPCVResultsFile)
	if err := artifacts.WriteCPCVResultsCSV(path, results); err != nil {
		t.Fatalf("WriteCPCVResultsCSV failed: %v", err)
	}

	records := readCSV(t, path)
	if len(records) != 2 {
		t.Fatalf("Row count incorrect: expected 2, got %d", len(records))
	}
	expected := []string{"1", "0", "1", "240", "420", "4", "1", "0", "2.5", "0.75", "0"}
	if !reflect.DeepEqual(records[1], expected) {
		t.Errorf("Result row incorrect: expected %v, got %v", expected, records[1])
	}
}
