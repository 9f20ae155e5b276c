package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flowbot/internal/alerts"
	"flowbot/internal/config"
	"flowbot/internal/exec"
	"flowbot/internal/position"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64              `json:"update_id"`
	Time         time.Time          `json:"time"`
	Action       string             `json:"action"`
	Command      string             `json:"command"`
	UserID       int64              `json:"user_id"`
	Username     string             `json:"username,omitempty"`
	ChatID       int64              `json:"chat_id"`
	PausedBefore bool               `json:"paused_before"`
	PausedAfter  bool               `json:"paused_after"`
	RiskBefore   *config.RiskConfig `json:"risk_before,omitempty"`
	RiskAfter    *config.RiskConfig `json:"risk_after,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "pause",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if !before {
			return "trading paused", nil
		}
		return "trading already paused", nil
	case "resume":
		before := a.isPaused()
		after := a.setPaused(false)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "resume",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if before {
			return "trading resumed", nil
		}
		return "trading already active", nil
	case "flatten":
		return a.handleFlattenCommand(ctx, args, meta)
	case "risk":
		return a.handleRiskCommand(ctx, args, meta)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleFlattenCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /flatten <symbol|all>")
	}
	target := strings.ToUpper(args[0])
	var symbols []string
	if strings.EqualFold(target, "all") {
		symbols = a.cfg.Symbols
	} else {
		found := false
		for _, s := range a.cfg.Symbols {
			if s == target {
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("unknown symbol: %s", target)
		}
		symbols = []string{target}
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   "flatten",
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
	})
	lines := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		res := a.router.ForceFlatten(ctx, symbol)
		switch res.Status {
		case exec.StatusNoop:
			a.lifecycle.ForceState(symbol, position.StateFlat)
			lines = append(lines, fmt.Sprintf("%s: already flat", symbol))
		case exec.StatusSuccess:
			a.lifecycle.ForceState(symbol, position.StateFlat)
			lines = append(lines, fmt.Sprintf("%s: flattened", symbol))
		default:
			lines = append(lines, fmt.Sprintf("%s: flatten failed: %v", symbol, res.Err))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (a *App) handleRiskCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return a.riskStatus(), nil
	}
	switch strings.ToLower(args[0]) {
	case "reset":
		before := a.riskOverrideSnapshot()
		a.clearRiskOverride()
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:   meta.UpdateID,
			Time:       time.Now().UTC(),
			Action:     "risk_reset",
			Command:    meta.Raw,
			UserID:     meta.UserID,
			Username:   meta.Username,
			ChatID:     meta.ChatID,
			RiskBefore: before,
		})
		return "risk override cleared", nil
	case "set":
		overrides, err := parseRiskOverrides(args[1:])
		if err != nil {
			return "", err
		}
		before := a.riskOverrideSnapshot()
		base := a.riskConfig()
		next, err := applyRiskOverrides(base, overrides)
		if err != nil {
			return "", err
		}
		if riskConfigsEqual(next, a.cfg.Risk) {
			a.clearRiskOverride()
		} else {
			a.setRiskOverride(next)
		}
		after := a.riskOverrideSnapshot()
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:   meta.UpdateID,
			Time:       time.Now().UTC(),
			Action:     "risk_set",
			Command:    meta.Raw,
			UserID:     meta.UserID,
			Username:   meta.Username,
			ChatID:     meta.ChatID,
			RiskBefore: before,
			RiskAfter:  after,
		})
		return "risk override updated", nil
	default:
		return "", errors.New("unknown risk command: use /risk show|set|reset")
	}
}

func parseRiskOverrides(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, errors.New("risk set requires key=value pairs")
	}
	out := make(map[string]string)
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid risk setting: %s", arg)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		if key == "" || val == "" {
			return nil, fmt.Errorf("invalid risk setting: %s", arg)
		}
		out[key] = val
	}
	return out, nil
}

func applyRiskOverrides(base config.RiskConfig, overrides map[string]string) (config.RiskConfig, error) {
	next := base
	for key, val := range overrides {
		switch key {
		case "max_leverage":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("max_leverage: %w", err)
			}
			next.MaxLeverage = parsed
		case "max_open_fraction":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("max_open_fraction: %w", err)
			}
			next.MaxOpenFraction = parsed
		case "price_deviation_limit_pct":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("price_deviation_limit_pct: %w", err)
			}
			next.PriceDeviationPct = parsed
		case "max_daily_loss_pct":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("max_daily_loss_pct: %w", err)
			}
			next.MaxDailyLossPct = parsed
		case "max_consecutive_losses":
			parsed, err := strconv.Atoi(val)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("max_consecutive_losses: %w", err)
			}
			next.MaxConsecutiveLoss = parsed
		case "max_symbol_position_fraction":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("max_symbol_position_fraction: %w", err)
			}
			next.MaxSymbolFraction = parsed
		default:
			return config.RiskConfig{}, fmt.Errorf("unknown risk key: %s", key)
		}
	}
	if err := validateRiskOverride(next); err != nil {
		return config.RiskConfig{}, err
	}
	return next, nil
}

func validateRiskOverride(risk config.RiskConfig) error {
	if risk.MaxLeverage < risk.MinLeverage {
		return errors.New("max_leverage must be >= min_leverage")
	}
	if risk.MaxOpenFraction <= 0 || risk.MaxOpenFraction > 1 {
		return errors.New("max_open_fraction must be in (0,1]")
	}
	if risk.PriceDeviationPct <= 0 {
		return errors.New("price_deviation_limit_pct must be > 0")
	}
	if risk.MaxDailyLossPct <= 0 || risk.MaxDailyLossPct >= 1 {
		return errors.New("max_daily_loss_pct must be in (0,1)")
	}
	if risk.MaxConsecutiveLoss < 1 {
		return errors.New("max_consecutive_losses must be >= 1")
	}
	if risk.MaxSymbolFraction <= 0 || risk.MaxSymbolFraction > 1 {
		return errors.New("max_symbol_position_fraction must be in (0,1]")
	}
	return nil
}

func (a *App) operatorStatus(ctx context.Context) string {
	if a.cfg == nil {
		return "status unavailable"
	}
	lines := []string{
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("risk_override_active: %t", a.riskOverrideActive()),
		fmt.Sprintf("breaker_open: %t", a.guard.CheckEntry() != nil),
		fmt.Sprintf("consecutive_losses: %d", a.guard.ConsecutiveLosses()),
	}
	if acct, err := a.accounts.Account(ctx); err == nil {
		lines = append(lines,
			fmt.Sprintf("equity: %.2f", acct.Equity),
			fmt.Sprintf("available: %.2f", acct.Available),
			fmt.Sprintf("unrealized_pnl: %.2f", acct.UnrealizedPL),
		)
	}
	for _, symbol := range a.cfg.Symbols {
		lines = append(lines, fmt.Sprintf("%s: %s", symbol, a.lifecycle.State(symbol)))
	}
	return strings.Join(lines, "\n")
}

func (a *App) riskStatus() string {
	effective := a.riskConfig()
	lines := []string{formatRisk("risk effective", effective)}
	if override := a.riskOverrideSnapshot(); override != nil {
		lines = append(lines, formatRisk("risk override", *override))
	} else {
		lines = append(lines, "risk override: none")
	}
	return strings.Join(lines, "\n")
}

func formatRisk(label string, r config.RiskConfig) string {
	return fmt.Sprintf("%s: max_leverage=%.1f max_open_fraction=%.3f price_deviation_limit_pct=%.2f max_daily_loss_pct=%.3f max_consecutive_losses=%d max_symbol_position_fraction=%.3f",
		label,
		r.MaxLeverage,
		r.MaxOpenFraction,
		r.PriceDeviationPct,
		r.MaxDailyLossPct,
		r.MaxConsecutiveLoss,
		r.MaxSymbolFraction,
	)
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current bot status",
		"/pause - pause new entries",
		"/resume - resume entries",
		"/flatten <symbol|all> - close positions at market",
		"/risk show - show active risk settings",
		"/risk set key=value ... - override risk (keys: max_leverage, max_open_fraction, price_deviation_limit_pct, max_daily_loss_pct, max_consecutive_losses, max_symbol_position_fraction)",
		"/risk reset - clear risk override",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}

func riskConfigsEqual(aCfg config.RiskConfig, bCfg config.RiskConfig) bool {
	return aCfg.MaxLeverage == bCfg.MaxLeverage &&
		aCfg.MaxOpenFraction == bCfg.MaxOpenFraction &&
		aCfg.PriceDeviationPct == bCfg.PriceDeviationPct &&
		aCfg.MaxDailyLossPct == bCfg.MaxDailyLossPct &&
		aCfg.MaxConsecutiveLoss == bCfg.MaxConsecutiveLoss &&
		aCfg.MaxSymbolFraction == bCfg.MaxSymbolFraction
}
