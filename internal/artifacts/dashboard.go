package artifacts

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

const (
	chartWidth  = 800
	chartHeight = 240
)

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"f4":   func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) },
	"num":  formatNumber,
	"time": func(ts int64) string { return time.Unix(ts, 0).UTC().Format(time.RFC3339) },
}).Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>Kairos Alloy Dashboard</title>
  <style>
    body { font-family: ui-sans-serif, system-ui; padding: 24px; }
    table { border-collapse: collapse; }
    th, td { border: 1px solid #ddd; padding: 6px 10px; }
    th { background: #f6f6f6; text-align: left; }
    code { background: #f2f2f2; padding: 2px 6px; border-radius: 4px; }
    svg { border: 1px solid #ddd; }
  </style>
</head>
<body>
  <h1>Kairos Alloy Dashboard</h1>
  <p>
    <strong>run_id:</strong> <code>{{.Meta.RunID}}</code>
    <strong>symbol:</strong> <code>{{.Meta.Symbol}}</code>
    <strong>timeframe:</strong> <code>{{.Meta.Timeframe}}</code>
  </p>
  <p>
    <strong>start:</strong> <code>{{time .Meta.Start}}</code>
    <strong>end:</strong> <code>{{time .Meta.End}}</code>
  </p>

  <h2>Metrics</h2>
  <table>
    <tr><th>bars_processed</th><td>{{.Summary.BarsProcessed}}</td></tr>
    <tr><th>trades</th><td>{{.Summary.Trades}}</td></tr>
    <tr><th>win_rate</th><td>{{f4 .Summary.WinRate}}</td></tr>
    <tr><th>net_profit</th><td>{{f4 .Summary.NetProfit}}</td></tr>
    <tr><th>sharpe</th><td>{{f4 .Summary.Sharpe}}</td></tr>
    <tr><th>max_drawdown</th><td>{{f4 .Summary.MaxDrawdown}}</td></tr>
  </table>

  <h2>Equity</h2>
  {{if .Points}}
  <svg width="{{.Width}}" height="{{.Height}}" viewBox="0 0 {{.Width}} {{.Height}}">
    <polyline fill="none" stroke="#2563eb" stroke-width="1.5" points="{{.Points}}"/>
  </svg>
  <p>min <code>{{num .MinEquity}}</code> max <code>{{num .MaxEquity}}</code></p>
  {{else}}
  <p>No equity points.</p>
  {{end}}

  <h2>Trades ({{len .Trades}})</h2>
  <table>
    <tr><th>time</th><th>side</th><th>qty</th><th>price</th><th>fee</th><th>slippage</th><th>reason</th></tr>
    {{range .Trades}}
    <tr><td>{{time .Timestamp}}</td><td>{{.Side}}</td><td>{{num .Quantity}}</td><td>{{num .Price}}</td><td>{{num .Fee}}</td><td>{{num .Slippage}}</td><td>{{.Reason}}</td></tr>
    {{end}}
  </table>
</body>
</html>
`))

type dashboardData struct {
	Meta      RunMeta
	Summary   types.Summary
	Trades    []types.Trade
	Points    string
	MinEquity float64
	MaxEquity float64
	Width     int
	Height    int
}

// WriteDashboardHTML renders a standalone page with the summary, an SVG
// equity curve and the trade list
func WriteDashboardHTML(path string, meta RunMeta, summary types.Summary, trades []types.Trade, equity []types.EquityPoint) error {
	data := dashboardData{
		Meta:    meta,
		Summary: summary,
		Trades:  trades,
		Width:   chartWidth,
		Height:  chartHeight,
	}
	data.Points, data.MinEquity, data.MaxEquity = equityPolyline(equity, chartWidth, chartHeight)

	var buf bytes.Buffer
	if err := dashboardTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("artifacts: render dashboard: %w", err)
	}
	return writeFile(path, buf.Bytes())
}

// equityPolyline scales the curve into a width x height box, y growing down
func equityPolyline(equity []types.EquityPoint, width, height float64) (string, float64, float64) {
	if len(equity) == 0 {
		return "", 0, 0
	}
	lo, hi := equity[0].Equity, equity[0].Equity
	for _, p := range equity[1:] {
		if p.Equity < lo {
			lo = p.Equity
		}
		if p.Equity > hi {
			hi = p.Equity
		}
	}

	span := hi - lo
	step := 0.0
	if len(equity) > 1 {
		step = width / float64(len(equity)-1)
	}

	var sb strings.Builder
	for i, p := range equity {
		y := height / 2
		if span > 0 {
			y = height - (p.Equity-lo)/span*height
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatFloat(float64(i)*step, 'f', 1, 64))
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatFloat(y, 'f', 1, 64))
	}
	return sb.String(), lo, hi
}
