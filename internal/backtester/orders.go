package backtester

import (
	"math"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

const qtyEpsilon = 1e-12

// pendingOrder is an order waiting in the simulated book.
// expiresBar 0 means the order never expires.
type pendingOrder struct {
	id           uint64
	side         types.Side
	remainingQty float64
	kind         OrderKind
	limitPrice   float64
	stopPrice    float64
	submittedBar uint64
	readyBar     uint64
	expiresBar   uint64
	tif          TimeInForce
}

func (o *pendingOrder) details() map[string]any {
	return map[string]any{
		"order_id":      o.id,
		"side":          string(o.side),
		"kind":          string(o.kind),
		"remaining_qty": o.remainingQty,
	}
}

func (o *pendingOrder) expiresValue() any {
	if o.expiresBar == 0 {
		return nil
	}
	return o.expiresBar
}

// barLiquidity returns the quantity this bar can absorb across all orders
func (r *Runner) barLiquidity(bar types.Bar) float64 {
	if r.cfg.Execution.Model != ExecutionComplete {
		return math.Inf(1)
	}
	if bar.Volume <= 0 || !types.IsFinite(bar.Volume) {
		return 0
	}
	pct := r.cfg.Execution.MaxFillPctOfVolume
	if pct <= 0 || !types.IsFinite(pct) {
		return 0
	}
	return bar.Volume * math.Min(pct, 1)
}

// rawFillPrice returns the pre-impact fill price and why it was chosen,
// or false when the order is not triggered on this bar. A bar that gaps
// through the trigger fills at the open, otherwise at the trigger itself.
func rawFillPrice(bar types.Bar, o *pendingOrder) (float64, string, bool) {
	switch o.kind {
	case OrderMarket:
		return bar.Open, "open", true

	case OrderLimit:
		if o.side == types.SideBuy {
			if bar.Low > o.limitPrice {
				return 0, "", false
			}
			if bar.Open <= o.limitPrice {
				return bar.Open, "open<=limit", true
			}
			return o.limitPrice, "touch_limit", true
		}
		if bar.High < o.limitPrice {
			return 0, "", false
		}
		if bar.Open >= o.limitPrice {
			return bar.Open, "open>=limit", true
		}
		return o.limitPrice, "touch_limit", true

	case OrderStop:
		if o.side == types.SideBuy {
			if bar.High < o.stopPrice {
				return 0, "", false
			}
			if bar.Open >= o.stopPrice {
				return bar.Open, "open>=stop", true
			}
			return o.stopPrice, "touch_stop", true
		}
		if bar.Low > o.stopPrice {
			return 0, "", false
		}
		if bar.Open <= o.stopPrice {
			return bar.Open, "open<=stop", true
		}
		return o.stopPrice, "touch_stop", true
	}
	return 0, "", false
}

// processOpenOrders walks the book FIFO and fills what this bar allows.
// It returns the fills booked on the bar.
func (r *Runner) processOpenOrders(bar types.Bar) []types.TradeSample {
	if len(r.openOrders) == 0 {
		return nil
	}

	liquidity := r.barLiquidity(bar)
	infinite := math.IsInf(liquidity, 1)
	feeRate := r.cfg.FeeBps / 10_000
	impact := r.cfg.Execution.ImpactBps() / 10_000

	var fills []types.TradeSample
	next := make([]*pendingOrder, 0, len(r.openOrders))

	for _, o := range r.openOrders {
		if o.expiresBar != 0 && r.barIndex > o.expiresBar {
			d := o.details()
			d["submitted_bar_index"] = o.submittedBar
			d["ready_bar_index"] = o.readyBar
			d["expires_bar_index"] = o.expiresBar
			r.audit.add(bar.Timestamp, StageOrder, "cancel", CancelExpired, d)
			continue
		}

		if r.barIndex < o.readyBar {
			next = append(next, o)
			continue
		}
		firstActive := r.barIndex == o.readyBar

		raw, priceReason, triggered := rawFillPrice(bar, o)
		if !triggered {
			if firstActive && (o.tif == TIFImmediateOrCancel || o.tif == TIFFillOrKill) {
				reason := CancelIOCUnfilled
				if o.tif == TIFFillOrKill {
					reason = CancelFOKUnfillable
				}
				d := o.details()
				d["reason"] = "not_triggered"
				r.audit.add(bar.Timestamp, StageOrder, "cancel", reason, d)
				continue
			}
			next = append(next, o)
			continue
		}

		if raw <= 0 || !types.IsFinite(raw) {
			d := o.details()
			d["raw_price"] = raw
			r.audit.add(bar.Timestamp, StageOrder, "cancel", CancelInvalidPrice, d)
			continue
		}

		if r.cfg.Execution.Model == ExecutionComplete && (bar.Volume <= 0 || !types.IsFinite(bar.Volume)) {
			d := o.details()
			d["bar_volume"] = bar.Volume
			r.audit.add(bar.Timestamp, StageOrder, "cancel", CancelInvalidVolume, d)
			continue
		}

		exec := raw * (1 + impact)
		if o.side == types.SideSell {
			exec = raw * (1 - impact)
		}
		if exec <= 0 || !types.IsFinite(exec) {
			d := o.details()
			d["raw_price"] = raw
			d["exec_price"] = exec
			r.audit.add(bar.Timestamp, StageOrder, "cancel", CancelInvalidExecPrice, d)
			continue
		}

		desired := o.remainingQty
		if !infinite {
			desired = math.Min(desired, math.Max(liquidity, 0))
		}

		maxByCash := math.Inf(1)
		if o.side == types.SideBuy {
			maxByCash = 0
			denom := exec * (1 + feeRate)
			if cash := r.portfolio.Cash(); cash > 0 && types.IsFinite(cash) && denom > 0 {
				maxByCash = cash / denom
			}
		}

		if o.tif == TIFFillOrKill && firstActive {
			short := desired+qtyEpsilon < o.remainingQty
			if o.side == types.SideBuy && maxByCash+qtyEpsilon < o.remainingQty {
				short = true
			}
			if short {
				d := o.details()
				d["max_qty_by_liquidity"] = desired
				if o.side == types.SideBuy {
					d["max_qty_by_cash"] = maxByCash
				}
				d["price_reason"] = priceReason
				r.audit.add(bar.Timestamp, StageOrder, "cancel", CancelFOKUnfillable, d)
				continue
			}
		}

		fillQty := desired
		if o.side == types.SideBuy && types.IsFinite(fillQty) {
			fillQty = math.Max(math.Min(fillQty, maxByCash), 0)
		}

		if fillQty <= 0 || !types.IsFinite(fillQty) {
			if o.tif == TIFImmediateOrCancel && firstActive {
				d := o.details()
				d["reason"] = "no_fill_qty"
				r.audit.add(bar.Timestamp, StageOrder, "cancel", CancelIOCUnfilled, d)
				continue
			}
			next = append(next, o)
			continue
		}

		fee := exec * fillQty * feeRate
		slippage := math.Abs(exec-raw) * fillQty

		r.portfolio.ApplyFill(o.side, fillQty, exec, fee)
		r.metrics.RecordTrade(types.Trade{
			Timestamp:  bar.Timestamp,
			Symbol:     r.cfg.Symbol,
			Side:       o.side,
			Quantity:   fillQty,
			Price:      exec,
			Fee:        fee,
			Slippage:   slippage,
			StrategyID: r.strategy.Name(),
			Reason:     "strategy",
		})
		fills = append(fills, types.TradeSample{Side: o.side, Quantity: fillQty, Price: exec})

		r.audit.add(bar.Timestamp, StageTrade, string(o.side), "", map[string]any{
			"qty":          fillQty,
			"price":        exec,
			"fee":          fee,
			"slippage":     slippage,
			"raw_price":    raw,
			"price_reason": priceReason,
			"order_id":     o.id,
			"kind":         string(o.kind),
			"strategy_id":  r.strategy.Name(),
			"tif":          string(o.tif),
		})

		r.logger.Debug("Order filled",
			zap.Uint64("order_id", o.id),
			zap.String("side", string(o.side)),
			zap.Float64("qty", fillQty),
			zap.Float64("price", exec),
		)

		if !infinite {
			liquidity = math.Max(liquidity-fillQty, 0)
		}

		partial := fillQty+qtyEpsilon < o.remainingQty
		o.remainingQty = math.Max(o.remainingQty-fillQty, 0)

		if o.tif == TIFImmediateOrCancel && firstActive {
			if o.remainingQty > 0 {
				r.audit.add(bar.Timestamp, StageOrder, "cancel", CancelIOCPartial, o.details())
			}
			continue
		}

		if partial {
			d := o.details()
			d["filled_qty"] = fillQty
			r.audit.add(bar.Timestamp, StageOrder, "partial_fill", "", d)
		}
		if o.remainingQty > 0 {
			next = append(next, o)
		}
	}

	r.openOrders = next
	return fills
}

func (r *Runner) reservedSellQty() float64 {
	var reserved float64
	for _, o := range r.openOrders {
		if o.side == types.SideSell {
			reserved += o.remainingQty
		}
	}
	return reserved
}

func (r *Runner) reject(bar types.Bar, reason string, action types.Action) {
	r.audit.add(bar.Timestamp, StageOrder, "reject", reason, map[string]any{
		"strategy_id":    r.strategy.Name(),
		"action_type":    string(action.Type),
		"requested_size": action.Size,
		"size_mode":      string(r.cfg.SizeMode),
	})
}

// resolveQuantity turns a strategy size into a quantity. On failure it
// returns a reject reason.
func (r *Runner) resolveQuantity(bar types.Bar, action types.Action) (float64, string) {
	if !types.IsFinite(action.Size) {
		return 0, RejectSizeNotFinite
	}
	if r.cfg.SizeMode != types.SizeModePctEquity {
		return action.Size, ""
	}

	if action.Size < 0 || action.Size > 1 {
		return 0, RejectPctOutOfRange
	}
	equity := r.portfolio.Equity(bar.Close)
	if equity <= 0 || !types.IsFinite(equity) {
		return 0, RejectEquityNotPositive
	}

	switch action.Type {
	case types.ActionBuy:
		if bar.Close <= 0 || !types.IsFinite(bar.Close) {
			return 0, RejectPriceNotPositive
		}
		return equity * action.Size / bar.Close, ""
	case types.ActionSell:
		return r.portfolio.PositionQty() * action.Size, ""
	}
	return 0, ""
}

func (r *Runner) refPrice(bar types.Bar) float64 {
	if r.cfg.Execution.PriceReference == PriceRefOpen {
		return bar.Open
	}
	return bar.Close
}

// scheduleOrder validates a strategy action against the risk gate and, if
// accepted, queues it for a later bar.
func (r *Runner) scheduleOrder(bar types.Bar, action types.Action) {
	var (
		side     types.Side
		kind     OrderKind
		qty      float64
		reserved float64
	)

	switch action.Type {
	case types.ActionBuy:
		side = types.SideBuy
		kind = r.cfg.Execution.BuyKind
		if action.Size <= 0 {
			r.reject(bar, RejectNonPositiveSize, action)
			return
		}
		resolved, reason := r.resolveQuantity(bar, action)
		if reason != "" {
			r.reject(bar, reason, action)
			return
		}
		if resolved <= 0 {
			r.reject(bar, RejectResolvedQtyNotPos, action)
			return
		}
		if cash := r.portfolio.Cash(); cash <= 0 || !types.IsFinite(cash) {
			r.reject(bar, RejectInsufficientCash, action)
			return
		}
		if reason := r.risk.CheckBuy(r.portfolio.PositionQty(), resolved, r.portfolio.Equity(bar.Close), bar.Close); reason != "" {
			r.reject(bar, reason, action)
			return
		}
		qty = resolved

	case types.ActionSell:
		side = types.SideSell
		kind = r.cfg.Execution.SellKind
		if action.Size <= 0 {
			r.reject(bar, RejectNonPositiveSize, action)
			return
		}
		position := r.portfolio.PositionQty()
		if position <= 0 {
			r.reject(bar, RejectNoPosition, action)
			return
		}
		resolved, reason := r.resolveQuantity(bar, action)
		if reason != "" {
			r.reject(bar, reason, action)
			return
		}
		if resolved <= 0 {
			r.reject(bar, RejectResolvedQtyNotPos, action)
			return
		}
		reserved = r.reservedSellQty()
		available := r.risk.AvailableToSell(position, reserved)
		if available <= 0 {
			r.reject(bar, RejectPositionReserved, action)
			return
		}
		qty = math.Min(resolved, available)

	default:
		return
	}

	ref := r.refPrice(bar)
	if ref <= 0 || !types.IsFinite(ref) {
		r.reject(bar, RejectRefPriceNotPositive, action)
		return
	}

	order := &pendingOrder{
		id:           r.nextOrderID,
		side:         side,
		remainingQty: qty,
		kind:         kind,
		tif:          r.cfg.Execution.TIF,
	}

	limitOff := r.cfg.Execution.LimitOffsetBps / 10_000
	stopOff := r.cfg.Execution.StopOffsetBps / 10_000
	switch {
	case kind == OrderLimit && side == types.SideBuy:
		order.limitPrice = ref * (1 - limitOff)
	case kind == OrderLimit && side == types.SideSell:
		order.limitPrice = ref * (1 + limitOff)
	case kind == OrderStop && side == types.SideBuy:
		order.stopPrice = ref * (1 + stopOff)
	case kind == OrderStop && side == types.SideSell:
		order.stopPrice = ref * (1 - stopOff)
	}

	latency := r.cfg.Execution.LatencyBars
	if latency < 1 {
		latency = 1
	}
	order.submittedBar = r.barIndex
	order.readyBar = r.barIndex + latency
	if n := r.cfg.Execution.ExpireAfterBars; n > 0 {
		order.expiresBar = order.readyBar + n - 1
	}

	if r.cfg.Execution.Model == ExecutionSimple {
		r.openOrders = r.openOrders[:0]
	}
	r.nextOrderID++
	r.openOrders = append(r.openOrders, order)

	details := map[string]any{
		"order_id":            order.id,
		"side":                string(side),
		"requested_size":      action.Size,
		"resolved_qty":        qty,
		"size_mode":           string(r.cfg.SizeMode),
		"kind":                string(kind),
		"tif":                 string(order.tif),
		"ref_price":           ref,
		"latency_bars":        latency,
		"submitted_bar_index": order.submittedBar,
		"ready_bar_index":     order.readyBar,
		"expires_bar_index":   order.expiresValue(),
		"strategy_id":         r.strategy.Name(),
	}
	if kind == OrderLimit {
		details["limit_price"] = order.limitPrice
	}
	if kind == OrderStop {
		details["stop_price"] = order.stopPrice
	}
	if side == types.SideSell {
		details["reserved_sell_qty"] = reserved
	}
	r.audit.add(bar.Timestamp, StageOrder, "submit", "", details)
}
