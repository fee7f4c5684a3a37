package backtester

import (
	"sort"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// Audit stages
const (
	StageEngine = "engine"
	StageOrder  = "order"
	StageTrade  = "trade"
	StageRisk   = "risk"
)

// Order reject reasons
const (
	RejectNonPositiveSize     = "non_positive_size"
	RejectResolvedQtyNotPos   = "resolved_qty_non_positive"
	RejectInsufficientCash    = "insufficient_cash"
	RejectPositionLimit       = "position_limit"
	RejectExposureLimit       = "exposure_limit"
	RejectRefPriceNotPositive = "ref_price_not_positive"
	RejectNoPosition          = "no_position"
	RejectPositionReserved    = "position_reserved"
	RejectSizeNotFinite       = "size_not_finite"
	RejectPctOutOfRange       = "pct_out_of_range"
	RejectEquityNotPositive   = "equity_not_positive"
	RejectPriceNotPositive    = "price_not_positive"
)

// Order cancel reasons
const (
	CancelExpired          = "expired"
	CancelIOCUnfilled      = "ioc_unfilled"
	CancelFOKUnfillable    = "fok_unfillable"
	CancelIOCPartial       = "ioc_partial_cancel"
	CancelInvalidPrice     = "invalid_price"
	CancelInvalidVolume    = "invalid_volume"
	CancelInvalidExecPrice = "invalid_exec_price"
)

// auditLog collects events for one run
type auditLog struct {
	runID  string
	symbol string
	events []types.AuditEvent
}

func newAuditLog(runID, symbol string) *auditLog {
	return &auditLog{runID: runID, symbol: symbol}
}

func (a *auditLog) add(ts int64, stage, action, errMsg string, details map[string]any) {
	a.events = append(a.events, types.AuditEvent{
		RunID:     a.runID,
		Timestamp: ts,
		Stage:     stage,
		Symbol:    a.symbol,
		Action:    action,
		Error:     errMsg,
		Details:   details,
	})
}

func (a *auditLog) append(events ...types.AuditEvent) {
	a.events = append(a.events, events...)
}

// sorted returns the events ordered by (timestamp, stage, action)
func (a *auditLog) sorted() []types.AuditEvent {
	out := make([]types.AuditEvent, len(a.events))
	copy(out, a.events)
	SortAuditEvents(out)
	return out
}

// SortAuditEvents orders events by (timestamp, stage, action). The sort is
// stable so events sharing a key keep their emission order.
func SortAuditEvents(events []types.AuditEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		return a.Action < b.Action
	})
}
