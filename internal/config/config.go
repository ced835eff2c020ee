package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/board"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
	"github.com/spf13/viper"
)

const (
	envPrefix           = "PIXELBOARD"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "pixelboard.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "app_session"
	defaultIssuer       = "mprlab-auth"
	defaultEpoch        = "2024-01-01T00:00:00Z"
	day                 = 24 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress            string
	AuthSigningKey         string
	AuthCookieName         string
	AuthIssuer             string
	DatabasePath           string
	LogLevel               string
	PlacementRatePerSecond float64
	Board                  board.Settings
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.placement_rate_per_second", 1.0)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)

	defaults := board.DefaultSettings()
	prices := defaults.Pricing
	configViper.SetDefault("canvas.undo_window_seconds", int(prices.UndoWindow/time.Second))
	configViper.SetDefault("pricing.base_price", prices.BasePrice)
	configViper.SetDefault("pricing.growth_curve", string(prices.Curve))
	configViper.SetDefault("pricing.growth_step", prices.GrowthStep)
	configViper.SetDefault("pricing.growth_increment", prices.GrowthIncrement)
	configViper.SetDefault("pricing.growth_rate", prices.GrowthRate)
	configViper.SetDefault("pricing.pixel_increment", prices.PixelIncrement)
	configViper.SetDefault("pricing.price_cap", prices.PriceCap)
	configViper.SetDefault("pricing.lower_price_cap", prices.LowerPriceCap)
	configViper.SetDefault("pricing.cap_trigger_count", prices.CapTriggerCount)
	configViper.SetDefault("pricing.ad_overwrite_discount", prices.AdOverwriteDiscount)
	configViper.SetDefault("pricing.repaint_window_seconds", int(prices.RepaintWindow/time.Second))
	configViper.SetDefault("pricing.repaint_multiplier", prices.RepaintMultiplier)
	configViper.SetDefault("pricing.free_idle_after_seconds", 0)
	configViper.SetDefault("pricing.free_final_window_seconds", 0)
	configViper.SetDefault("pricing.free_max_lifetime_placements", 0)
	configViper.SetDefault("pricing.undo_base_multiplier", prices.UndoBaseMultiplier)
	configViper.SetDefault("pricing.undo_escalation_step", prices.UndoEscalationStep)
	configViper.SetDefault("pricing.undo_late_penalty", prices.UndoLatePenalty)
	configViper.SetDefault("pricing.undo_min_cost", prices.UndoMinCost)
	configViper.SetDefault("pricing.undo_cost_cap", prices.UndoCostCap)
	configViper.SetDefault("pricing.undo_refund_percent", prices.UndoRefundPercent)

	configViper.SetDefault("quote.require_reconfirm", false)
	configViper.SetDefault("quote.reconfirm_delta", 0)

	configViper.SetDefault("moderation.scope", string(defaults.Moderation.Scope))
	configViper.SetDefault("moderation.clear_policy", string(defaults.Moderation.ClearPolicy))
	configViper.SetDefault("moderation.region_size", defaults.Moderation.RegionSize)
	configViper.SetDefault("moderation.report_freeze_threshold", defaults.Moderation.Threshold)

	configViper.SetDefault("engine.lock_wait_ms", int(defaults.LockWait/time.Millisecond))

	lifecycle := defaults.Lifecycle
	configViper.SetDefault("lifecycle.epoch", defaultEpoch)
	configViper.SetDefault("lifecycle.cycle_length_days", int(lifecycle.CycleLength/day))
	configViper.SetDefault("lifecycle.vote_cycle_days", int(lifecycle.VoteCycleLength/day))
	configViper.SetDefault("lifecycle.tick_interval", lifecycle.TickInterval.String())
	configViper.SetDefault("lifecycle.top_contributors", lifecycle.TopContributors)
	configViper.SetDefault("lifecycle.weekly_bonus_amount", lifecycle.WeeklyBonusAmount)
	configViper.SetDefault("lifecycle.weekly_bonus_top_n", lifecycle.WeeklyBonusTopN)
	configViper.SetDefault("lifecycle.vote_reward_amount", lifecycle.VoteRewardAmount)
	configViper.SetDefault("lifecycle.vote_reward_cooldown_periods", lifecycle.VoteRewardCooldownPeriods)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	settings, err := loadBoardSettings(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		AuthSigningKey:         configViper.GetString("auth.signing_secret"),
		AuthCookieName:         configViper.GetString("auth.cookie_name"),
		AuthIssuer:             configViper.GetString("auth.issuer"),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		PlacementRatePerSecond: configViper.GetFloat64("http.placement_rate_per_second"),
		Board:                  settings,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadBoard parses only the board settings, for commands that do not serve HTTP.
func LoadBoard(configViper *viper.Viper) (board.Settings, error) {
	return loadBoardSettings(configViper)
}

func loadBoardSettings(configViper *viper.Viper) (board.Settings, error) {
	settings := board.DefaultSettings()

	curve := pricing.CurveKind(strings.ToLower(strings.TrimSpace(configViper.GetString("pricing.growth_curve"))))
	settings.Pricing = pricing.Config{
		BasePrice:                 configViper.GetInt64("pricing.base_price"),
		Curve:                     curve,
		GrowthStep:                configViper.GetInt64("pricing.growth_step"),
		GrowthIncrement:           configViper.GetInt64("pricing.growth_increment"),
		GrowthRate:                configViper.GetFloat64("pricing.growth_rate"),
		PixelIncrement:            configViper.GetInt64("pricing.pixel_increment"),
		PriceCap:                  configViper.GetInt64("pricing.price_cap"),
		LowerPriceCap:             configViper.GetInt64("pricing.lower_price_cap"),
		CapTriggerCount:           configViper.GetInt64("pricing.cap_trigger_count"),
		AdOverwriteDiscount:       configViper.GetFloat64("pricing.ad_overwrite_discount"),
		RepaintWindow:             seconds(configViper, "pricing.repaint_window_seconds"),
		RepaintMultiplier:         configViper.GetFloat64("pricing.repaint_multiplier"),
		FreeIdleAfter:             seconds(configViper, "pricing.free_idle_after_seconds"),
		FreeFinalWindow:           seconds(configViper, "pricing.free_final_window_seconds"),
		FreeMaxLifetimePlacements: configViper.GetInt64("pricing.free_max_lifetime_placements"),
		UndoWindow:                seconds(configViper, "canvas.undo_window_seconds"),
		UndoBaseMultiplier:        configViper.GetFloat64("pricing.undo_base_multiplier"),
		UndoEscalationStep:        configViper.GetFloat64("pricing.undo_escalation_step"),
		UndoLatePenalty:           configViper.GetFloat64("pricing.undo_late_penalty"),
		UndoMinCost:               configViper.GetInt64("pricing.undo_min_cost"),
		UndoCostCap:               configViper.GetInt64("pricing.undo_cost_cap"),
		UndoRefundPercent:         configViper.GetInt64("pricing.undo_refund_percent"),
	}
	if _, err := pricing.NewPolicy(settings.Pricing); err != nil {
		return board.Settings{}, fmt.Errorf("pricing: %w", err)
	}

	settings.Quote = canvas.QuotePolicy{
		RequireReconfirm: configViper.GetBool("quote.require_reconfirm"),
		ReconfirmDelta:   configViper.GetInt64("quote.reconfirm_delta"),
	}

	scope, err := moderation.ParseScope(configViper.GetString("moderation.scope"))
	if err != nil {
		return board.Settings{}, fmt.Errorf("moderation.scope: %w", err)
	}
	clearPolicy, err := moderation.ParseClearPolicy(configViper.GetString("moderation.clear_policy"))
	if err != nil {
		return board.Settings{}, fmt.Errorf("moderation.clear_policy: %w", err)
	}
	settings.Moderation = board.ModerationSettings{
		Scope:       scope,
		ClearPolicy: clearPolicy,
		RegionSize:  configViper.GetInt("moderation.region_size"),
		Threshold:   configViper.GetInt64("moderation.report_freeze_threshold"),
	}
	if settings.Moderation.Threshold <= 0 {
		return board.Settings{}, fmt.Errorf("moderation.report_freeze_threshold must be positive")
	}

	settings.LockWait = time.Duration(configViper.GetInt64("engine.lock_wait_ms")) * time.Millisecond
	if settings.LockWait <= 0 {
		return board.Settings{}, fmt.Errorf("engine.lock_wait_ms must be positive")
	}

	epoch, err := time.Parse(time.RFC3339, configViper.GetString("lifecycle.epoch"))
	if err != nil {
		return board.Settings{}, fmt.Errorf("lifecycle.epoch: %w", err)
	}
	tickInterval, err := time.ParseDuration(configViper.GetString("lifecycle.tick_interval"))
	if err != nil {
		return board.Settings{}, fmt.Errorf("lifecycle.tick_interval: %w", err)
	}
	settings.Lifecycle = board.LifecycleSettings{
		Epoch:                     epoch.UTC(),
		CycleLength:               time.Duration(configViper.GetInt64("lifecycle.cycle_length_days")) * day,
		VoteCycleLength:           time.Duration(configViper.GetInt64("lifecycle.vote_cycle_days")) * day,
		TickInterval:              tickInterval,
		TopContributors:           configViper.GetInt("lifecycle.top_contributors"),
		WeeklyBonusAmount:         configViper.GetInt64("lifecycle.weekly_bonus_amount"),
		WeeklyBonusTopN:           configViper.GetInt("lifecycle.weekly_bonus_top_n"),
		VoteRewardAmount:          configViper.GetInt64("lifecycle.vote_reward_amount"),
		VoteRewardCooldownPeriods: configViper.GetInt64("lifecycle.vote_reward_cooldown_periods"),
	}
	if settings.Lifecycle.CycleLength <= 0 {
		return board.Settings{}, fmt.Errorf("lifecycle.cycle_length_days must be positive")
	}
	if settings.Lifecycle.VoteCycleLength < settings.Lifecycle.CycleLength {
		return board.Settings{}, fmt.Errorf("lifecycle.vote_cycle_days must cover at least one cycle")
	}
	if tickInterval <= 0 {
		return board.Settings{}, fmt.Errorf("lifecycle.tick_interval must be positive")
	}
	return settings, nil
}

func seconds(configViper *viper.Viper, key string) time.Duration {
	return time.Duration(configViper.GetInt64(key)) * time.Second
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.PlacementRatePerSecond <= 0 {
		return fmt.Errorf("http.placement_rate_per_second must be positive")
	}
	return nil
}
