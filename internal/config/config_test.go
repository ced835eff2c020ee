package config

import (
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected transport defaults %+v", cfg)
	}
	if cfg.PlacementRatePerSecond != 1 {
		t.Fatalf("expected 1 placement per second, got %v", cfg.PlacementRatePerSecond)
	}
	settings := cfg.Board
	if settings.Pricing.UndoWindow != 300*time.Second || settings.Pricing.Curve != pricing.CurveLinear {
		t.Fatalf("unexpected pricing defaults %+v", settings.Pricing)
	}
	if settings.Moderation.Threshold != 2500 || settings.Moderation.Scope != moderation.ScopeBoard || settings.Moderation.ClearPolicy != moderation.ClearBoth {
		t.Fatalf("unexpected moderation defaults %+v", settings.Moderation)
	}
	if settings.Lifecycle.CycleLength != 7*day || settings.Lifecycle.VoteCycleLength != 30*day {
		t.Fatalf("unexpected lifecycle defaults %+v", settings.Lifecycle)
	}
	if !settings.Lifecycle.Epoch.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected epoch %s", settings.Lifecycle.Epoch)
	}
	if settings.LockWait != 250*time.Millisecond || settings.Lifecycle.TickInterval != time.Minute {
		t.Fatalf("unexpected timing defaults %+v", settings)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PIXELBOARD_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("PIXELBOARD_MODERATION_SCOPE", "region")
	t.Setenv("PIXELBOARD_MODERATION_REPORT_FREEZE_THRESHOLD", "10")
	t.Setenv("PIXELBOARD_PRICING_GROWTH_CURVE", "exponential")
	t.Setenv("PIXELBOARD_CANVAS_UNDO_WINDOW_SECONDS", "120")
	t.Setenv("PIXELBOARD_PRICING_LOWER_PRICE_CAP", "500")
	t.Setenv("PIXELBOARD_PRICING_CAP_TRIGGER_COUNT", "40")
	t.Setenv("PIXELBOARD_PRICING_AD_OVERWRITE_DISCOUNT", "0.3")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthSigningKey != "env-secret" {
		t.Fatalf("expected signing secret from env")
	}
	if cfg.Board.Moderation.Scope != moderation.ScopeRegion || cfg.Board.Moderation.Threshold != 10 {
		t.Fatalf("unexpected moderation settings %+v", cfg.Board.Moderation)
	}
	if cfg.Board.Pricing.Curve != pricing.CurveExponential || cfg.Board.Pricing.UndoWindow != 2*time.Minute {
		t.Fatalf("unexpected pricing settings %+v", cfg.Board.Pricing)
	}
	if cfg.Board.Pricing.LowerPriceCap != 500 || cfg.Board.Pricing.CapTriggerCount != 40 || cfg.Board.Pricing.AdOverwriteDiscount != 0.3 {
		t.Fatalf("unexpected cap settings %+v", cfg.Board.Pricing)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		message string
	}{
		{name: "missing secret", key: "auth.signing_secret", value: "", message: "auth.signing_secret"},
		{name: "unknown scope", key: "moderation.scope", value: "galaxy", message: "moderation.scope"},
		{name: "unknown clear policy", key: "moderation.clear_policy", value: "never", message: "moderation.clear_policy"},
		{name: "bad curve", key: "pricing.growth_curve", value: "cubic", message: "pricing"},
		{name: "bad epoch", key: "lifecycle.epoch", value: "yesterday", message: "lifecycle.epoch"},
		{name: "short vote cycle", key: "lifecycle.vote_cycle_days", value: 3, message: "lifecycle.vote_cycle_days"},
		{name: "zero threshold", key: "moderation.report_freeze_threshold", value: 0, message: "report_freeze_threshold"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
