package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// ReadTradesCSV parses a trades.csv written by WriteTradesCSV
func ReadTradesCSV(path string) ([]types.Trade, error) {
	rows, err := readCSV(path, tradesHeader)
	if err != nil {
		return nil, err
	}
	trades := make([]types.Trade, 0, len(rows))
	for i, row := range rows {
		var p rowParser
		t := types.Trade{
			Timestamp:  p.int(row[0]),
			Symbol:     row[1],
			Side:       types.Side(row[2]),
			Quantity:   p.float(row[3]),
			Price:      p.float(row[4]),
			Fee:        p.float(row[5]),
			Slippage:   p.float(row[6]),
			StrategyID: row[7],
			Reason:     row[8],
		}
		if p.err != nil {
			return nil, fmt.Errorf("artifacts: %s line %d: %w", filepath.Base(path), i+2, p.err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// ReadEquityCSV parses an equity.csv written by WriteEquityCSV
func ReadEquityCSV(path string) ([]types.EquityPoint, error) {
	rows, err := readCSV(path, equityHeader)
	if err != nil {
		return nil, err
	}
	points := make([]types.EquityPoint, 0, len(rows))
	for i, row := range rows {
		var p rowParser
		pt := types.EquityPoint{
			Timestamp:     p.int(row[0]),
			Equity:        p.float(row[1]),
			Cash:          p.float(row[2]),
			PositionQty:   p.float(row[3]),
			UnrealizedPnL: p.float(row[4]),
			RealizedPnL:   p.float(row[5]),
		}
		if p.err != nil {
			return nil, fmt.Errorf("artifacts: %s line %d: %w", filepath.Base(path), i+2, p.err)
		}
		points = append(points, pt)
	}
	return points, nil
}

// ReadSummaryJSON loads summary.json
func ReadSummaryJSON(path string) (SummaryDocument, error) {
	var doc SummaryDocument
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("artifacts: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("artifacts: decode %s: %w", path, err)
	}
	return doc, nil
}

// Regenerate recomputes summary.json from the trades and equity CSVs of
// runDir. Meta and config snapshot of an existing summary are kept. When
// html is set the dashboard is rendered again.
func Regenerate(runDir string, metrics types.MetricsConfig, html bool) (SummaryDocument, error) {
	trades, err := ReadTradesCSV(filepath.Join(runDir, TradesFile))
	if err != nil {
		return SummaryDocument{}, err
	}
	equity, err := ReadEquityCSV(filepath.Join(runDir, EquityFile))
	if err != nil {
		return SummaryDocument{}, err
	}

	state := backtester.NewMetricsState(metrics)
	for _, p := range equity {
		state.RecordEquity(p)
	}
	for _, t := range trades {
		state.RecordTrade(t)
	}

	summaryPath := filepath.Join(runDir, SummaryFile)
	doc, err := ReadSummaryJSON(summaryPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return SummaryDocument{}, err
	}
	if doc.Meta.RunID == "" {
		doc.Meta.RunID = filepath.Base(runDir)
	}
	if len(equity) > 0 {
		doc.Meta.Start = equity[0].Timestamp
		doc.Meta.End = equity[len(equity)-1].Timestamp
	}
	if len(trades) > 0 && doc.Meta.Symbol == "" {
		doc.Meta.Symbol = trades[0].Symbol
	}
	doc.Summary = state.Summary()

	if err := WriteSummaryJSON(summaryPath, doc); err != nil {
		return doc, err
	}
	if html {
		if err := WriteDashboardHTML(filepath.Join(runDir, DashboardFile), doc.Meta, doc.Summary, trades, equity); err != nil {
			return doc, err
		}
	}
	return doc, nil
}

func readCSV(path string, header []string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	got, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("artifacts: %s is empty", filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s header: %w", filepath.Base(path), err)
	}
	for i, name := range header {
		if got[i] != name {
			return nil, fmt.Errorf("artifacts: %s column %d: expected %q, got %q", filepath.Base(path), i, name, got[i])
		}
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

// rowParser keeps the first conversion error of a row
type rowParser struct {
	err error
}

func (p *rowParser) float(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *rowParser) int(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}
