package app

import (
	"context"
	"strings"
	"testing"

	"flowbot/internal/exec"
	"flowbot/internal/position"
)

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/risk set max_leverage=10")
	if !ok || cmd != "risk" || len(args) != 2 {
		t.Fatalf("cmd=%s args=%v ok=%v", cmd, args, ok)
	}
	if _, _, ok := parseOperatorCommand("not a command"); ok {
		t.Fatal("plain text must not parse as a command")
	}
	if _, _, ok := parseOperatorCommand("   "); ok {
		t.Fatal("blank text must not parse as a command")
	}
}

func TestPauseResumeCommands(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), &fakeData{}, &fakeAccounts{}, &fakeRouter{})
	ctx := context.Background()

	resp, err := a.handleOperatorCommand(ctx, "pause", nil, operatorMeta{})
	if err != nil || resp != "trading paused" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
	if !a.isPaused() {
		t.Fatal("app should be paused")
	}
	resp, _ = a.handleOperatorCommand(ctx, "pause", nil, operatorMeta{})
	if resp != "trading already paused" {
		t.Fatalf("resp=%q", resp)
	}
	resp, _ = a.handleOperatorCommand(ctx, "resume", nil, operatorMeta{})
	if resp != "trading resumed" || a.isPaused() {
		t.Fatalf("resp=%q paused=%v", resp, a.isPaused())
	}
}

func TestRiskSetAndReset(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), &fakeData{}, &fakeAccounts{}, &fakeRouter{})
	ctx := context.Background()

	resp, err := a.handleOperatorCommand(ctx, "risk", []string{"set", "max_leverage=10", "max_daily_loss_pct=0.05"}, operatorMeta{})
	if err != nil || resp != "risk override updated" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
	eff := a.riskConfig()
	if eff.MaxLeverage != 10 || eff.MaxDailyLossPct != 0.05 {
		t.Fatalf("effective risk = %+v", eff)
	}
	if !a.riskOverrideActive() {
		t.Fatal("override should be active")
	}

	resp, err = a.handleOperatorCommand(ctx, "risk", []string{"reset"}, operatorMeta{})
	if err != nil || resp != "risk override cleared" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
	if a.riskOverrideActive() {
		t.Fatal("override should be cleared")
	}
	if a.riskConfig().MaxLeverage != 20 {
		t.Fatalf("base config not restored: %+v", a.riskConfig())
	}
}

func TestRiskSetRejectsInvalidValues(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), &fakeData{}, &fakeAccounts{}, &fakeRouter{})
	ctx := context.Background()

	if _, err := a.handleOperatorCommand(ctx, "risk", []string{"set", "max_daily_loss_pct=1.5"}, operatorMeta{}); err == nil {
		t.Fatal("loss pct above 1 must be rejected")
	}
	if _, err := a.handleOperatorCommand(ctx, "risk", []string{"set", "unknown_key=1"}, operatorMeta{}); err == nil {
		t.Fatal("unknown key must be rejected")
	}
	if _, err := a.handleOperatorCommand(ctx, "risk", []string{"set", "max_leverage"}, operatorMeta{}); err == nil {
		t.Fatal("missing value must be rejected")
	}
	if a.riskOverrideActive() {
		t.Fatal("failed set must not leave an override behind")
	}
}

func TestRiskSetMatchingBaseClearsOverride(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), &fakeData{}, &fakeAccounts{}, &fakeRouter{})
	ctx := context.Background()

	if _, err := a.handleOperatorCommand(ctx, "risk", []string{"set", "max_leverage=20"}, operatorMeta{}); err != nil {
		t.Fatal(err)
	}
	if a.riskOverrideActive() {
		t.Fatal("override equal to base config should not be stored")
	}
}

func TestOperatorStatusListsSymbols(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), &fakeData{}, &fakeAccounts{acct: testAccount()}, &fakeRouter{})
	status := a.operatorStatus(context.Background())
	for _, want := range []string{"paused: false", "BTCUSDT: FLAT", "ETHUSDT: FLAT", "equity: 1000.00"} {
		if !strings.Contains(status, want) {
			t.Fatalf("status missing %q:\n%s", want, status)
		}
	}
}

func TestFlattenCommandSingleSymbol(t *testing.T) {
	router := &fakeRouter{}
	a, _ := newTestApp(t, testConfig(), &fakeData{}, &fakeAccounts{}, router)
	a.lifecycle.ForceState("BTCUSDT", position.StateOpenProtected)

	resp, err := a.handleOperatorCommand(context.Background(), "flatten", []string{"btcusdt"}, operatorMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp, "BTCUSDT: flattened") {
		t.Fatalf("unexpected response %q", resp)
	}
	if len(router.flattens) != 1 || router.flattens[0] != "BTCUSDT" {
		t.Fatalf("unexpected flatten calls %v", router.flattens)
	}
	if st := a.lifecycle.State("BTCUSDT"); st != position.StateFlat {
		t.Fatalf("expected FLAT, got %s", st)
	}
}

func TestFlattenCommandAll(t *testing.T) {
	router := &fakeRouter{flattenRes: exec.Result{Status: exec.StatusNoop}}
	a, _ := newTestApp(t, testConfig(), &fakeData{}, &fakeAccounts{}, router)

	resp, err := a.handleOperatorCommand(context.Background(), "flatten", []string{"all"}, operatorMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(router.flattens) != 2 {
		t.Fatalf("expected both symbols flattened, got %v", router.flattens)
	}
	if !strings.Contains(resp, "BTCUSDT: already flat") || !strings.Contains(resp, "ETHUSDT: already flat") {
		t.Fatalf("unexpected response %q", resp)
	}
}

func TestFlattenCommandRejectsUnknownSymbol(t *testing.T) {
	router := &fakeRouter{}
	a, _ := newTestApp(t, testConfig(), &fakeData{}, &fakeAccounts{}, router)
	if _, err := a.handleOperatorCommand(context.Background(), "flatten", []string{"DOGEUSDT"}, operatorMeta{}); err == nil {
		t.Fatal("expected error for unknown symbol")
	}
	if len(router.flattens) != 0 {
		t.Fatalf("no flatten should run, got %v", router.flattens)
	}
}

func TestHelpForUnknownCommand(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), &fakeData{}, &fakeAccounts{}, &fakeRouter{})
	resp, err := a.handleOperatorCommand(context.Background(), "bogus", nil, operatorMeta{})
	if err != nil || !strings.Contains(resp, "/status") {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
}
