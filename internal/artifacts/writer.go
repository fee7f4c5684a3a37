// Package artifacts writes and reads the files a completed run leaves
// behind and mirrors them to S3-compatible storage.
package artifacts

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// File names inside a run directory
const (
	TradesFile    = "trades.csv"
	EquityFile    = "equity.csv"
	SummaryFile   = "summary.json"
	LogsFile      = "logs.jsonl"
	ConfigFile    = "config_snapshot.toml"
	DashboardFile = "dashboard.html"
)

var (
	tradesHeader = []string{"timestamp_utc", "symbol", "side", "qty", "price", "fee", "slippage", "strategy_id", "reason"}
	equityHeader = []string{"timestamp_utc", "equity", "cash", "position_qty", "unrealized_pnl", "realized_pnl"}
)

// RunMeta identifies a run in summary.json and the dashboard
type RunMeta struct {
	RunID     string `json:"run_id"`
	Mode      string `json:"mode,omitempty"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
}

// SummaryDocument is the content of summary.json
type SummaryDocument struct {
	Meta           RunMeta        `json:"meta"`
	ConfigSnapshot map[string]any `json:"config_snapshot,omitempty"`
	types.Summary
}

// Writer renders run artifacts into a directory
type Writer struct {
	logger *zap.Logger
	html   bool
}

// NewWriter creates a writer. html enables dashboard.html.
func NewWriter(logger *zap.Logger, html bool) *Writer {
	return &Writer{logger: logger, html: html}
}

// WriteRun writes every artifact of results into runDir and returns the
// written paths. snapshot is the effective configuration, encoded as TOML.
func (w *Writer) WriteRun(runDir string, meta RunMeta, results *backtester.Results, snapshot any) ([]string, error) {
	if results == nil {
		return nil, fmt.Errorf("artifacts: no results to write")
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create dir %s: %w", runDir, err)
	}

	if len(results.Equity) > 0 {
		meta.Start = results.Equity[0].Timestamp
		meta.End = results.Equity[len(results.Equity)-1].Timestamp
	}

	var written []string
	write := func(name string, fn func(path string) error) error {
		path := filepath.Join(runDir, name)
		if err := fn(path); err != nil {
			return err
		}
		written = append(written, path)
		return nil
	}

	var snapshotMap map[string]any
	if snapshot != nil {
		raw, err := encodeTOML(snapshot)
		if err != nil {
			return nil, err
		}
		if _, err := toml.Decode(string(raw), &snapshotMap); err != nil {
			return nil, fmt.Errorf("artifacts: decode config snapshot: %w", err)
		}
		if err := write(ConfigFile, func(path string) error {
			return writeFile(path, raw)
		}); err != nil {
			return written, err
		}
	}

	steps := []struct {
		name string
		fn   func(path string) error
	}{
		{TradesFile, func(p string) error { return WriteTradesCSV(p, results.Trades) }},
		{EquityFile, func(p string) error { return WriteEquityCSV(p, results.Equity) }},
		{SummaryFile, func(p string) error {
			return WriteSummaryJSON(p, SummaryDocument{Meta: meta, ConfigSnapshot: snapshotMap, Summary: results.Summary})
		}},
		{LogsFile, func(p string) error { return WriteAuditJSONL(p, results.AuditEvents) }},
	}
	if w.html {
		steps = append(steps, struct {
			name string
			fn   func(path string) error
		}{DashboardFile, func(p string) error {
			return WriteDashboardHTML(p, meta, results.Summary, results.Trades, results.Equity)
		}})
	}

	for _, step := range steps {
		if err := write(step.name, step.fn); err != nil {
			return written, err
		}
	}

	w.logger.Info("Artifacts written",
		zap.String("run_id", meta.RunID),
		zap.String("dir", runDir),
		zap.Int("files", len(written)),
	)
	return written, nil
}

// WriteTradesCSV writes one row per fill
func WriteTradesCSV(path string, trades []types.Trade) error {
	rows := make([][]string, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []string{
			strconv.FormatInt(t.Timestamp, 10),
			t.Symbol,
			string(t.Side),
			formatNumber(t.Quantity),
			formatNumber(t.Price),
			formatNumber(t.Fee),
			formatNumber(t.Slippage),
			t.StrategyID,
			t.Reason,
		})
	}
	return writeCSV(path, tradesHeader, rows)
}

// WriteEquityCSV writes one row per equity point
func WriteEquityCSV(path string, points []types.EquityPoint) error {
	rows := make([][]string, 0, len(points))
	for _, p := range points {
		rows = append(rows, []string{
			strconv.FormatInt(p.Timestamp, 10),
			formatNumber(p.Equity),
			formatNumber(p.Cash),
			formatNumber(p.PositionQty),
			formatNumber(p.UnrealizedPnL),
			formatNumber(p.RealizedPnL),
		})
	}
	return writeCSV(path, equityHeader, rows)
}

// WriteSummaryJSON writes the indented summary document
func WriteSummaryJSON(path string, doc SummaryDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: encode summary: %w", err)
	}
	return writeFile(path, raw)
}

// WriteAuditJSONL writes one JSON object per line, sorted by
// (timestamp, stage, action)
func WriteAuditJSONL(path string, events []types.AuditEvent) error {
	sorted := make([]types.AuditEvent, len(events))
	copy(sorted, events)
	backtester.SortAuditEvents(sorted)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range sorted {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("artifacts: encode audit event: %w", err)
		}
	}
	return writeFile(path, buf.Bytes())
}

func encodeTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("artifacts: encode config snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("artifacts: create %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	cw := csv.NewWriter(bw)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("artifacts: write %s header: %w", filepath.Base(path), err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("artifacts: write %s: %w", filepath.Base(path), err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("artifacts: flush %s: %w", filepath.Base(path), err)
	}
	return f.Sync()
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("artifacts: write %s: %w", path, err)
	}
	return nil
}

// formatNumber renders the shortest decimal text of v
func formatNumber(v float64) string {
	if !types.IsFinite(v) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return decimal.NewFromFloat(v).String()
}
