package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Perpflow   PerpflowConfig   `yaml:"perpflow"`
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Protection ProtectionConfig `yaml:"protection"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type PerpflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// TradingMode selects which credential pair and base endpoint the engine
// connects with. Paper mode targets the exchange testnet.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

type TradingConfig struct {
	Mode           TradingMode   `yaml:"mode"`
	LiveEndpoint   string        `yaml:"live_endpoint"`
	PaperEndpoint  string        `yaml:"paper_endpoint"`
	ProxyURL       string        `yaml:"proxy_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RecvWindow     time.Duration `yaml:"recv_window"`

	// Resolved from the environment at load time, never from YAML.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

type RiskConfig struct {
	MaxLeverage       int     `yaml:"max_leverage"`
	MaxPositionUSD    float64 `yaml:"max_position_usd"`
	DailyLossLimitPct float64 `yaml:"daily_loss_limit_pct"`
	InitialCapital    float64 `yaml:"initial_capital"`
	PerfWindowDays    int     `yaml:"perf_window_days"`
}

type ProtectionConfig struct {
	TrailingPercent    float64       `yaml:"trailing_percent"`
	ATRPeriod          int           `yaml:"atr_period"`
	ATRInterval        string        `yaml:"atr_interval"`
	StopATRMultiple    float64       `yaml:"stop_atr_multiple"`
	TargetStopMultiple float64       `yaml:"target_stop_multiple"`
	SettleAttempts     int           `yaml:"settle_attempts"`
	SettleInterval     time.Duration `yaml:"settle_interval"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	CloudWatch    bool   `yaml:"cloudwatch"`
	Region        string `yaml:"region"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

const (
	defaultLiveEndpoint  = "https://fapi.binance.com"
	defaultPaperEndpoint = "https://testnet.binancefuture.com"

	liveKeyEnv     = "BINANCE_API_KEY"
	liveSecretEnv  = "BINANCE_API_SECRET"
	paperKeyEnv    = "BINANCE_TESTNET_API_KEY"
	paperSecretEnv = "BINANCE_TESTNET_API_SECRET"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Trading: TradingConfig{
			Mode:           ModePaper,
			LiveEndpoint:   defaultLiveEndpoint,
			PaperEndpoint:  defaultPaperEndpoint,
			RequestTimeout: 30 * time.Second,
			RecvWindow:     60 * time.Second,
		},
		Risk: RiskConfig{
			MaxLeverage:       20,
			MaxPositionUSD:    10000,
			DailyLossLimitPct: 5,
			PerfWindowDays:    7,
		},
		Protection: ProtectionConfig{
			TrailingPercent:    2,
			ATRPeriod:          14,
			ATRInterval:        "1h",
			StopATRMultiple:    1.5,
			TargetStopMultiple: 3,
			SettleAttempts:     8,
			SettleInterval:     time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			BurstSize:         20,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.Trading.Mode = TradingMode(strings.ToLower(strings.TrimSpace(string(config.Trading.Mode))))

	if err := resolveCredentials(&config.Trading); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// BaseEndpoint returns the REST base for the configured trading mode.
func (t TradingConfig) BaseEndpoint() string {
	if t.Mode == ModeLive {
		return t.LiveEndpoint
	}
	return t.PaperEndpoint
}

// resolveCredentials reads the credential pair for the active trading mode
// from the environment. Missing credentials are a fatal configuration error:
// the engine has no degraded or anonymous mode.
func resolveCredentials(t *TradingConfig) error {
	keyEnv, secretEnv := paperKeyEnv, paperSecretEnv
	if t.Mode == ModeLive {
		keyEnv, secretEnv = liveKeyEnv, liveSecretEnv
	}

	t.APIKey = strings.TrimSpace(os.Getenv(keyEnv))
	t.APISecret = strings.TrimSpace(os.Getenv(secretEnv))

	if t.APIKey == "" || t.APISecret == "" {
		return fmt.Errorf("missing credentials for %s mode: %s and %s must be set", t.Mode, keyEnv, secretEnv)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Perpflow.Name == "" {
		return fmt.Errorf("perpflow.name is required")
	}

	if cfg.Perpflow.Version == "" {
		return fmt.Errorf("perpflow.version is required")
	}

	switch cfg.Trading.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("trading.mode must be %q or %q, got %q", ModePaper, ModeLive, cfg.Trading.Mode)
	}

	if cfg.Trading.RequestTimeout < 15*time.Second || cfg.Trading.RequestTimeout > 60*time.Second {
		return fmt.Errorf("trading.request_timeout must be between 15s and 60s")
	}

	if cfg.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be greater than 0")
	}
	if cfg.Risk.MaxPositionUSD <= 0 {
		return fmt.Errorf("risk.max_position_usd must be greater than 0")
	}
	if cfg.Risk.DailyLossLimitPct <= 0 || cfg.Risk.DailyLossLimitPct > 100 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be in (0,100]")
	}

	if cfg.Protection.ATRPeriod <= 0 {
		return fmt.Errorf("protection.atr_period must be greater than 0")
	}
	if cfg.Protection.StopATRMultiple <= 0 {
		return fmt.Errorf("protection.stop_atr_multiple must be greater than 0")
	}
	if cfg.Protection.TargetStopMultiple <= 0 {
		return fmt.Errorf("protection.target_stop_multiple must be greater than 0")
	}
	if cfg.Protection.SettleAttempts <= 0 {
		return fmt.Errorf("protection.settle_attempts must be greater than 0")
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be greater than 0")
	}

	return nil
}
