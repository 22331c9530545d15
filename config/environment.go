package config

import (
	"os"
	"strings"
)

const modeEnvVar = "PERPFLOW_MODE"

var modeAliases = map[string]TradingMode{
	"paper":   ModePaper,
	"testnet": ModePaper,
	"demo":    ModePaper,
	"test":    ModePaper,
	"live":    ModeLive,
	"prod":    ModeLive,
	"real":    ModeLive,
}

// ModeFromEnvironment reads the trading mode from PERPFLOW_MODE, normalising
// the common aliases. It returns ok=false when the variable is unset or holds
// an unknown value, in which case the YAML configured mode applies.
func ModeFromEnvironment() (TradingMode, bool) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(modeEnvVar)))
	if raw == "" {
		return "", false
	}
	mode, ok := modeAliases[raw]
	return mode, ok
}

// ApplyEnvironment overrides the configured trading mode from the environment
// and re-resolves credentials when the mode changed. The override exists so a
// deployment can be flipped to paper trading without editing the YAML file.
func ApplyEnvironment(cfg *Config) error {
	mode, ok := ModeFromEnvironment()
	if !ok || mode == cfg.Trading.Mode {
		return nil
	}
	cfg.Trading.Mode = mode
	return resolveCredentials(&cfg.Trading)
}
