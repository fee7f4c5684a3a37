package artifacts_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/Marcux777/kairos-alloy-sub000/internal/artifacts"
	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

type snapshot struct {
	Run struct {
		Symbol string `toml:"symbol"`
	} `toml:"run"`
	Costs struct {
		FeeBps float64 `toml:"fee_bps"`
	} `toml:"costs"`
}

func sampleResults() *backtester.Results {
	trades := []types.Trade{
		{Timestamp: 120, Symbol: "BTCUSD", Side: types.SideBuy, Quantity: 1, Price: 100.5, Fee: 0.1, Slippage: 0.05, StrategyID: "simple_sma", Reason: "signal"},
		{Timestamp: 240, Symbol: "BTCUSD", Side: types.SideSell, Quantity: 1, Price: 110, Fee: 0.11, StrategyID: "simple_sma", Reason: "exit, crossover"},
	}
	equity := []types.EquityPoint{
		{Timestamp: 60, Equity: 1000, Cash: 1000},
		{Timestamp: 120, Equity: 999.9, Cash: 899.35, PositionQty: 1, UnrealizedPnL: 0.5},
		{Timestamp: 180, Equity: 995, Cash: 899.35, PositionQty: 1, UnrealizedPnL: -4.4},
		{Timestamp: 240, Equity: 1009.24, Cash: 1009.24, RealizedPnL: 9.24},
	}

	state := backtester.NewMetricsState(types.MetricsConfig{})
	for _, p := range equity {
		state.RecordEquity(p)
	}
	for _, t := range trades {
		state.RecordTrade(t)
	}

	return &backtester.Results{
		RunID:   "run-1",
		Summary: state.Summary(),
		Trades:  trades,
		Equity:  equity,
		AuditEvents: []types.AuditEvent{
			{RunID: "run-1", Timestamp: 240, Stage: "strategy", Action: "decision"},
			{RunID: "run-1", Timestamp: 120, Stage: "risk", Action: "allow"},
			{RunID: "run-1", Timestamp: 120, Stage: "execution", Action: "fill"},
		},
	}
}

func writeSample(t *testing.T, html bool) (string, *backtester.Results, []string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run-1")
	results := sampleResults()

	var snap snapshot
	snap.Run.Symbol = "BTCUSD"
	snap.Costs.FeeBps = 10

	w := artifacts.NewWriter(zap.NewNop(), html)
	paths, err := w.WriteRun(dir, artifacts.RunMeta{RunID: "run-1", Symbol: "BTCUSD", Timeframe: "1m"}, results, snap)
	if err != nil {
		t.Fatalf("WriteRun failed: %v", err)
	}
	return dir, results, paths
}

func TestWriteRunProducesAllFiles(t *testing.T) {
	dir, _, paths := writeSample(t, true)

	want := []string{
		artifacts.ConfigFile, artifacts.TradesFile, artifacts.EquityFile,
		artifacts.SummaryFile, artifacts.LogsFile, artifacts.DashboardFile,
	}
	if len(paths) != len(want) {
		t.Fatalf("Written files incorrect: expected %d, got %d (%v)", len(want), len(paths), paths)
	}
	for _, name := range want {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Missing %s: %v", name, err)
		}
	}
}

func TestWriteRunWithoutHTML(t *testing.T) {
	dir, _, _ := writeSample(t, false)
	if _, err := os.Stat(filepath.Join(dir, artifacts.DashboardFile)); !os.IsNotExist(err) {
		t.Errorf("Dashboard should not be written, stat err %v", err)
	}
}

func TestTradesAndEquityRoundTrip(t *testing.T) {
	dir, results, _ := writeSample(t, false)

	trades, err := artifacts.ReadTradesCSV(filepath.Join(dir, artifacts.TradesFile))
	if err != nil {
		t.Fatalf("ReadTradesCSV failed: %v", err)
	}
	if len(trades) != len(results.Trades) {
		t.Fatalf("Trades incorrect: expected %d, got %d", len(results.Trades), len(trades))
	}
	for i := range trades {
		if trades[i] != results.Trades[i] {
			t.Errorf("Trade %d incorrect: expected %+v, got %+v", i, results.Trades[i], trades[i])
		}
	}

	equity, err := artifacts.ReadEquityCSV(filepath.Join(dir, artifacts.EquityFile))
	if err != nil {
		t.Fatalf("ReadEquityCSV failed: %v", err)
	}
	for i := range equity {
		if equity[i] != results.Equity[i] {
			t.Errorf("Equity %d incorrect: expected %+v, got %+v", i, results.Equity[i], equity[i])
		}
	}

	raw, _ := os.ReadFile(filepath.Join(dir, artifacts.TradesFile))
	header := strings.SplitN(string(raw), "\n", 2)[0]
	if header != "timestamp_utc,symbol,side,qty,price,fee,slippage,strategy_id,reason" {
		t.Errorf("Trades header incorrect: got %s", header)
	}
}

func TestSummaryDocument(t *testing.T) {
	dir, results, _ := writeSample(t, false)

	doc, err := artifacts.ReadSummaryJSON(filepath.Join(dir, artifacts.SummaryFile))
	if err != nil {
		t.Fatalf("ReadSummaryJSON failed: %v", err)
	}
	if doc.Meta.RunID != "run-1" || doc.Meta.Timeframe != "1m" {
		t.Errorf("Meta incorrect: got %+v", doc.Meta)
	}
	if doc.Meta.Start != 60 || doc.Meta.End != 240 {
		t.Errorf("Meta range incorrect: expected 60-240, got %d-%d", doc.Meta.Start, doc.Meta.End)
	}
	if doc.Summary != results.Summary {
		t.Errorf("Summary incorrect: expected %+v, got %+v", results.Summary, doc.Summary)
	}
	run, ok := doc.ConfigSnapshot["run"].(map[string]any)
	if !ok || run["symbol"] != "BTCUSD" {
		t.Errorf("Config snapshot incorrect: got %v", doc.ConfigSnapshot)
	}

	var flat map[string]any
	raw, _ := os.ReadFile(filepath.Join(dir, artifacts.SummaryFile))
	if err := json.Unmarshal(raw, &flat); err != nil {
		t.Fatalf("Decode summary failed: %v", err)
	}
	if flat["trades"] != float64(2) {
		t.Errorf("Top-level trades incorrect: expected 2, got %v", flat["trades"])
	}
}

func TestConfigSnapshotIsTOML(t *testing.T) {
	dir, _, _ := writeSample(t, false)

	var snap snapshot
	if _, err := toml.DecodeFile(filepath.Join(dir, artifacts.ConfigFile), &snap); err != nil {
		t.Fatalf("Decode snapshot failed: %v", err)
	}
	if snap.Costs.FeeBps != 10 {
		t.Errorf("Fee incorrect: expected 10, got %v", snap.Costs.FeeBps)
	}
}

func TestAuditLogIsSortedJSONL(t *testing.T) {
	dir, _, _ := writeSample(t, false)

	f, err := os.Open(filepath.Join(dir, artifacts.LogsFile))
	if err != nil {
		t.Fatalf("Open logs failed: %v", err)
	}
	defer f.Close()

	var got []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e types.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Line is not JSON: %v", err)
		}
		got = append(got, e.Stage)
	}

	want := []string{"execution", "risk", "strategy"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Audit order incorrect: expected %v, got %v", want, got)
	}
}

func TestDashboardContainsRun(t *testing.T) {
	dir, _, _ := writeSample(t, true)

	raw, err := os.ReadFile(filepath.Join(dir, artifacts.DashboardFile))
	if err != nil {
		t.Fatalf("Read dashboard failed: %v", err)
	}
	html := string(raw)
	for _, want := range []string{"run-1", "<polyline", "exit, crossover"} {
		if !strings.Contains(html, want) {
			t.Errorf("Dashboard missing %q", want)
		}
	}
}

func TestRegenerateRecomputesSummary(t *testing.T) {
	dir, results, _ := writeSample(t, false)

	// Corrupt the stored summary; regeneration must restore it from the CSVs
	stale := artifacts.SummaryDocument{Meta: artifacts.RunMeta{RunID: "run-1", Timeframe: "1m"}}
	if err := artifacts.WriteSummaryJSON(filepath.Join(dir, artifacts.SummaryFile), stale); err != nil {
		t.Fatalf("WriteSummaryJSON failed: %v", err)
	}

	doc, err := artifacts.Regenerate(dir, types.MetricsConfig{}, true)
	if err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	if doc.Summary != results.Summary {
		t.Errorf("Summary incorrect: expected %+v, got %+v", results.Summary, doc.Summary)
	}
	if doc.Meta.Timeframe != "1m" || doc.Meta.Symbol != "BTCUSD" {
		t.Errorf("Meta incorrect: got %+v", doc.Meta)
	}
	if _, err := os.Stat(filepath.Join(dir, artifacts.DashboardFile)); err != nil {
		t.Errorf("Dashboard not regenerated: %v", err)
	}
}

func TestRegenerateWithoutSummary(t *testing.T) {
	dir, results, _ := writeSample(t, false)
	os.Remove(filepath.Join(dir, artifacts.SummaryFile))

	doc, err := artifacts.Regenerate(dir, types.MetricsConfig{}, false)
	if err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	if doc.Meta.RunID != "run-1" {
		t.Errorf("Run ID incorrect: expected run-1, got %s", doc.Meta.RunID)
	}
	if doc.Summary.Trades != results.Summary.Trades {
		t.Errorf("Trades incorrect: expected %d, got %d", results.Summary.Trades, doc.Summary.Trades)
	}
}

func TestReadTradesRejectsBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	os.WriteFile(path, []byte("ts,symbol,side,qty,price,fee,slippage,strategy_id,reason\n"), 0o644)

	if _, err := artifacts.ReadTradesCSV(path); err == nil {
		t.Error("Expected header error")
	}
}
