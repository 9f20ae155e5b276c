package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"flowbot/internal/decision"
	"flowbot/internal/exec"
	"flowbot/internal/position"
	"flowbot/internal/risk"
	"flowbot/internal/telemetry"
	"flowbot/internal/trigger"
	"flowbot/internal/venue"

	"go.uber.org/zap"
)

// entryCandidate is an approved entry deferred to the end of the cycle so
// capital goes to the strongest signals first.
type entryCandidate struct {
	symbol   string
	side     venue.Side
	score    float64
	price    float64
	fraction float64
	addition bool
	stage    int
}

// cycleState accumulates per-cycle facts that gate the entry phase.
type cycleState struct {
	cycle         int
	protectionGap bool
	heldCount     int
	candidates    []entryCandidate
}

// runCycle executes one full evaluation pass: refresh the account guard,
// walk every symbol through sampling, supervision, decision and exits,
// then fund the best deferred entries. A panic in one symbol is contained
// to that symbol.
func (a *App) runCycle(ctx context.Context) {
	a.cycleMu.Lock()
	a.cycleN++
	cycle := a.cycleN
	a.cycleMu.Unlock()
	a.metrics.Cycles.Inc()

	if a.cfg.Cycle.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Cycle.Budget)
		defer cancel()
	}

	acct, err := a.accounts.Account(ctx)
	if err != nil {
		a.log.Warn("account refresh failed, skipping cycle", zap.Int("cycle", cycle), zap.Error(err))
		return
	}
	lossFraction := a.guard.Refresh(acct.Equity)

	st := &cycleState{cycle: cycle}
	for _, symbol := range a.cfg.Symbols {
		if ctx.Err() != nil {
			a.log.Warn("cycle budget exhausted", zap.Int("cycle", cycle), zap.String("symbol", symbol))
			return
		}
		a.runSymbol(ctx, st, symbol)
	}

	a.runEntries(ctx, st)

	a.log.Debug("cycle complete",
		zap.Int("cycle", cycle),
		zap.Float64("equity", acct.Equity),
		zap.Float64("daily_loss_fraction", lossFraction),
		zap.Int("held", st.heldCount),
		zap.Int("entry_candidates", len(st.candidates)),
	)
}

func (a *App) runSymbol(ctx context.Context, st *cycleState, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("symbol evaluation panicked", zap.String("symbol", symbol), zap.Any("panic", r))
		}
	}()

	sample, err := a.data.Sample(ctx, symbol)
	if err != nil {
		a.recordDecision(st.cycle, symbol, decision.Decision{Action: decision.ActionHold, Reason: "data_unavailable"})
		a.log.Warn("sample failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	a.agg.Ingest(sample)

	pos, held, err := a.accounts.Position(ctx, symbol)
	if err != nil {
		a.log.Warn("position fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	orders, err := a.accounts.OpenOrders(ctx, symbol)
	if err != nil {
		a.log.Warn("open orders fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	if held {
		st.heldCount++
		a.superviseProtection(ctx, st, pos, orders)
	} else {
		a.sweepOrphans(ctx, symbol, orders)
	}

	ind, err := a.data.Indicators(ctx, symbol)
	if err != nil {
		a.recordDecision(st.cycle, symbol, decision.Decision{Action: decision.ActionHold, Reason: "data_unavailable"})
		return
	}
	snap, err := a.agg.Snapshot(symbol)
	if err != nil {
		a.recordDecision(st.cycle, symbol, decision.Decision{Action: decision.ActionHold, Reason: "data_unavailable"})
		return
	}

	var posRef *venue.Position
	if held {
		posRef = &pos
	}
	dec, err := a.engine.Evaluate(symbol, st.cycle, ind, snap, posRef)
	if err != nil {
		a.log.Debug("evaluation degraded to hold", zap.String("symbol", symbol), zap.Error(err))
	}
	a.recordDecision(st.cycle, symbol, dec)

	gateRes := a.gate.Check(trigger.Request{
		Symbol:      symbol,
		TriggerType: "scheduled",
		TriggerID:   fmt.Sprintf("cycle-%d-%s", st.cycle, symbol),
		Action:      dec.Action,
		Side:        dec.Side,
		Scores:      dec.Scores,
		Scheduled:   true,
		HasPosition: held,
		Snapshot:    snap,
	})
	if !gateRes.Pass {
		if dec.Action != decision.ActionHold {
			a.metrics.TriggersSuppressed.Inc()
			a.log.Debug("trigger suppressed",
				zap.String("symbol", symbol), zap.String("reason", gateRes.Reason), zap.String("pool", gateRes.Pool))
		}
		return
	}

	switch dec.Action {
	case decision.ActionClose:
		a.runClose(ctx, st, symbol, pos, sample, dec)
	case decision.ActionOpen:
		st.candidates = append(st.candidates, entryCandidate{
			symbol: symbol,
			side:   dec.Side,
			score:  dec.Score,
			price:  a.markFor(symbol, sample),
		})
	default:
		if held {
			a.maybeQueueAddition(st, symbol, pos, sample)
		}
	}
}

func (a *App) superviseProtection(ctx context.Context, st *cycleState, pos venue.Position, orders []venue.OpenOrder) {
	outcome, err := a.supervisor.Check(ctx, pos, orders)
	switch outcome {
	case position.OutcomeUnprotected:
		st.protectionGap = true
		a.lifecycle.ForceState(pos.Symbol, position.StateOpenUnprotected)
		a.log.Error("position unprotected", zap.String("symbol", pos.Symbol), zap.Error(err))
	case position.OutcomeRepaired:
		a.lifecycle.ForceState(pos.Symbol, position.StateOpenProtected)
	case position.OutcomeProtected:
		if a.lifecycle.State(pos.Symbol) == position.StateOpenUnprotected {
			a.lifecycle.ForceState(pos.Symbol, position.StateOpenProtected)
		}
	case position.OutcomeFlattened:
		a.lifecycle.ForceState(pos.Symbol, position.StateFlat)
		st.heldCount--
	}
}

func (a *App) runClose(ctx context.Context, st *cycleState, symbol string, pos venue.Position, sample venue.Sample, dec decision.Decision) {
	mark := a.markFor(symbol, sample)
	intent, err := risk.Validate(a.riskConfig(), risk.Intent{
		Symbol:   symbol,
		Action:   decision.ActionClose,
		Side:     pos.Side.Opposite(),
		Fraction: 1.0,
		Price:    sample.Price,
		Score:    dec.Score,
		Reason:   dec.Reason,
	}, mark)
	if err != nil {
		a.log.Warn("close rejected by risk gate", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	prior := a.lifecycle.State(symbol)
	if _, err := a.lifecycle.Apply(symbol, position.EventCloseSubmitted); err != nil {
		a.log.Error("close blocked by lifecycle", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	a.metrics.DecisionsClose.Inc()
	res := a.router.Close(ctx, exec.CloseRequest{
		Symbol:   symbol,
		Fraction: intent.Fraction,
		Price:    intent.Price,
		Intent:   fmt.Sprintf("c%d-%s-close", st.cycle, symbol),
	})
	a.recordExecution(symbol, "CLOSE", string(pos.Side), res)
	switch res.Status {
	case exec.StatusSuccess, exec.StatusNoop:
		a.lifecycle.Apply(symbol, position.EventFlattened)
		st.heldCount--
		if res.Status == exec.StatusSuccess {
			a.guard.RecordTradeResult(closedPnL(pos, res))
		}
	case exec.StatusPartial, exec.StatusPending:
		a.log.Warn("close incomplete", zap.String("symbol", symbol), zap.String("status", string(res.Status)))
	default:
		// A failed close leaves the position exactly as it was.
		a.lifecycle.ForceState(symbol, prior)
		a.log.Error("close failed", zap.String("symbol", symbol), zap.Error(res.Err))
	}
}

func (a *App) maybeQueueAddition(st *cycleState, symbol string, pos venue.Position, sample venue.Sample) {
	mark := a.markFor(symbol, sample)
	add, ok := a.dca.Next(pos, mark, a.lifecycle.DCAStage(symbol))
	if !ok {
		return
	}
	st.candidates = append(st.candidates, entryCandidate{
		symbol:   symbol,
		side:     pos.Side,
		score:    0,
		price:    mark,
		fraction: add.Fraction,
		addition: true,
		stage:    add.NextStage,
	})
}

// runEntries funds the deferred candidates strongest first. Entries stop
// cycle-wide while paused, while any position lacks protection, or while
// an account breaker is open.
func (a *App) runEntries(ctx context.Context, st *cycleState) {
	if len(st.candidates) == 0 {
		return
	}
	if a.isPaused() {
		a.log.Info("entries skipped: paused", zap.Int("candidates", len(st.candidates)))
		return
	}
	if st.protectionGap {
		a.log.Warn("entries skipped: unprotected position outstanding", zap.Int("candidates", len(st.candidates)))
		return
	}
	if err := a.guard.CheckEntry(); err != nil {
		a.metrics.CircuitActivations.Inc()
		a.log.Warn("entries skipped: account breaker open", zap.Error(err))
		return
	}

	sort.SliceStable(st.candidates, func(i, j int) bool {
		return st.candidates[i].score > st.candidates[j].score
	})
	slots := a.cfg.Cycle.MaxActiveSymbols - st.heldCount
	for _, cand := range st.candidates {
		if ctx.Err() != nil {
			return
		}
		if cand.addition {
			a.runAddition(ctx, st.cycle, cand)
			continue
		}
		if slots <= 0 {
			a.log.Debug("entry skipped: no free slots", zap.String("symbol", cand.symbol))
			continue
		}
		if a.runOpen(ctx, st.cycle, cand) {
			slots--
		}
	}
}

func (a *App) runOpen(ctx context.Context, cycle int, cand entryCandidate) bool {
	rcfg := a.riskConfig()
	intent, err := risk.Validate(rcfg, risk.Intent{
		Symbol:   cand.symbol,
		Action:   decision.ActionOpen,
		Side:     cand.side,
		Leverage: a.cfg.Execution.Leverage,
		Fraction: rcfg.MaxSymbolFraction,
		Price:    cand.price,
		Score:    cand.score,
	}, cand.price)
	if err != nil {
		a.log.Warn("open rejected by risk gate", zap.String("symbol", cand.symbol), zap.Error(err))
		return false
	}
	if _, err := a.lifecycle.Apply(cand.symbol, position.EventOpenSubmitted); err != nil {
		a.log.Error("open blocked by lifecycle", zap.String("symbol", cand.symbol), zap.Error(err))
		return false
	}
	a.metrics.DecisionsOpen.Inc()
	res := a.router.Open(ctx, exec.OpenRequest{
		Symbol:   cand.symbol,
		Side:     cand.side,
		Fraction: intent.Fraction,
		Leverage: intent.Leverage,
		Price:    intent.Price,
		Intent:   fmt.Sprintf("c%d-%s-open", cycle, cand.symbol),
	})
	a.recordExecution(cand.symbol, "OPEN", string(cand.side), res)
	return a.applyOpenResult(cand.symbol, res)
}

func (a *App) runAddition(ctx context.Context, cycle int, cand entryCandidate) {
	intent, err := risk.Validate(a.riskConfig(), risk.Intent{
		Symbol:   cand.symbol,
		Action:   decision.ActionOpen,
		Side:     cand.side,
		Leverage: a.cfg.Execution.Leverage,
		Fraction: cand.fraction,
		Price:    cand.price,
	}, cand.price)
	if err != nil {
		a.log.Warn("addition rejected by risk gate", zap.String("symbol", cand.symbol), zap.Error(err))
		return
	}
	if _, err := a.lifecycle.Apply(cand.symbol, position.EventAddSubmitted); err != nil {
		a.log.Error("addition blocked by lifecycle", zap.String("symbol", cand.symbol), zap.Error(err))
		return
	}
	res := a.router.Open(ctx, exec.OpenRequest{
		Symbol:   cand.symbol,
		Side:     cand.side,
		Fraction: intent.Fraction,
		Leverage: intent.Leverage,
		Price:    intent.Price,
		Intent:   fmt.Sprintf("c%d-%s-add", cycle, cand.symbol),
	})
	a.recordExecution(cand.symbol, "ADD", string(cand.side), res)
	if a.applyOpenResult(cand.symbol, res) {
		a.lifecycle.SetDCAStage(cand.symbol, cand.stage)
	}
}

func (a *App) applyOpenResult(symbol string, res exec.Result) bool {
	switch {
	case res.RolledBack:
		a.lifecycle.Apply(symbol, position.EventFlattened)
		return false
	case res.Status == exec.StatusError && res.FilledQty <= 0:
		a.lifecycle.Apply(symbol, position.EventFlattened)
		return false
	case res.Status == exec.StatusPending && res.FilledQty <= 0:
		// Entry resting on the book: OPENING until it fills or the
		// order is cancelled. The slot is spoken for.
		return true
	case res.ProtectionComplete:
		a.lifecycle.Apply(symbol, position.EventProtected)
		return true
	default:
		a.lifecycle.Apply(symbol, position.EventUnprotected)
		return true
	}
}

// markStaleAfter bounds how old a streamed mark may be before pricing
// falls back to the polled sample. A dead stream must not keep steering
// the deviation check.
const markStaleAfter = 5 * time.Second

func (a *App) markFor(symbol string, sample venue.Sample) float64 {
	if a.marks != nil {
		if mark, ok := a.marks.Mark(symbol); ok && mark.Price > 0 && time.Since(mark.UpdatedAt) <= markStaleAfter {
			return mark.Price
		}
	}
	if sample.MarkPrice > 0 {
		return sample.MarkPrice
	}
	return sample.Price
}

func closedPnL(pos venue.Position, res exec.Result) float64 {
	diff := res.AvgPrice - pos.EntryPrice
	if pos.Side == venue.SideShort {
		diff = -diff
	}
	return diff * res.FilledQty
}

func (a *App) recordDecision(cycle int, symbol string, dec decision.Decision) {
	if dec.Action == decision.ActionHold {
		a.metrics.DecisionsHold.Inc()
	}
	if a.telemetry == nil {
		return
	}
	a.telemetry.EnqueueDecision(telemetry.DecisionRecord{
		Time:       time.Now().UTC(),
		Cycle:      uint64(cycle),
		Symbol:     symbol,
		Regime:     string(dec.Regime),
		Action:     string(dec.Action),
		Side:       string(dec.Side),
		Score:      dec.Score,
		LongScore:  dec.Scores.Long,
		ShortScore: dec.Scores.Short,
		Reason:     dec.Reason,
	})
}

func (a *App) recordExecution(symbol, action, side string, res exec.Result) {
	if a.telemetry == nil {
		return
	}
	rec := telemetry.ExecutionRecord{
		Time:               time.Now().UTC(),
		Symbol:             symbol,
		Action:             action,
		Side:               side,
		Status:             string(res.Status),
		FilledQty:          res.FilledQty,
		AvgPrice:           res.AvgPrice,
		RemainingQty:       res.RemainingQty,
		TPOrderID:          res.TPOrderID,
		SLOrderID:          res.SLOrderID,
		ProtectionComplete: res.ProtectionComplete,
		RolledBack:         res.RolledBack,
		Path:               formatPath(res.Path),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	a.telemetry.EnqueueExecution(rec)
}

func formatPath(steps []exec.Step) string {
	out := ""
	for i, s := range steps {
		if i > 0 {
			out += ","
		}
		out += s.Tag
	}
	return out
}
