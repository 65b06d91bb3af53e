// Package config loads the supervisor's operator-authored config.json
// (§6) through github.com/spf13/viper, grounded on the teacher's
// pkg/config/loader.go pattern (viper.New, SetConfigType, AutomaticEnv,
// environment-key replacer) but simplified to a single JSON file plus
// environment overrides — there is one supervisor instance per agent
// (§1 non-goal (b)), so the teacher's multi-environment YAML cascade
// does not apply here.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/polyagent/supervisor/internal/breaker"
	"github.com/polyagent/supervisor/internal/errkind"
)

// Child describes how to invoke and environment the agent's child process.
type Child struct {
	Binary             string `mapstructure:"binary"`
	Mode               string `mapstructure:"mode"`
	PromptFile         string `mapstructure:"promptFile"`
	AgentDir           string `mapstructure:"agentDir"`
	WalletAddress      string `mapstructure:"walletAddress"`
	TotalCapital       string `mapstructure:"totalCapital"`
	RiskProfile        string `mapstructure:"riskProfile"`
	ResearchTerminals  int    `mapstructure:"researchTerminals"`
	ResearchIntervalMs int    `mapstructure:"researchIntervalMs"`
	SubscriptionTier   string `mapstructure:"subscriptionTier"`
}

// Breakers carries per-dependency circuit breaker configuration, keyed by
// the guard's dependency name constants.
type Breakers struct {
	PolymarketAPI breaker.Config `mapstructure:"polymarketAPI"`
	BaseRPC       breaker.Config `mapstructure:"baseRPC"`
	Backend       breaker.Config `mapstructure:"backend"`
}

// Lifecycle mirrors internal/lifecycle.Config's tunables.
type Lifecycle struct {
	MaxMessages        int           `mapstructure:"maxMessages"`
	ClearCooldownMs     int           `mapstructure:"clearCooldownMs"`
	MaxRuntimeHours     int           `mapstructure:"maxRuntimeHours"`
}

// Watchdog mirrors internal/watchdog.Config's tunables.
type Watchdog struct {
	CheckIntervalMs   int `mapstructure:"checkIntervalMs"`
	HeartbeatStaleMs  int `mapstructure:"heartbeatStaleMs"`
}

// HTTP carries the /health and /metrics server's bind address.
type HTTP struct {
	Addr string `mapstructure:"addr"`
}

// Config is the root of config.json.
type Config struct {
	Child     Child     `mapstructure:"child"`
	Breakers  Breakers  `mapstructure:"breakers"`
	Lifecycle Lifecycle `mapstructure:"lifecycle"`
	Watchdog  Watchdog  `mapstructure:"watchdog"`
	HTTP      HTTP      `mapstructure:"http"`
	RootDir   string    `mapstructure:"rootDir"`
}

func withDefaults(c Config) Config {
	if c.Child.Binary == "" {
		c.Child.Binary = "claude-code"
	}
	if c.Child.Mode == "" {
		c.Child.Mode = "dontAsk"
	}
	if c.Lifecycle.MaxMessages <= 0 {
		c.Lifecycle.MaxMessages = 50
	}
	if c.Lifecycle.ClearCooldownMs <= 0 {
		c.Lifecycle.ClearCooldownMs = 60_000
	}
	if c.Lifecycle.MaxRuntimeHours <= 0 {
		c.Lifecycle.MaxRuntimeHours = 4
	}
	if c.Watchdog.CheckIntervalMs <= 0 {
		c.Watchdog.CheckIntervalMs = 60_000
	}
	if c.Watchdog.HeartbeatStaleMs <= 0 {
		c.Watchdog.HeartbeatStaleMs = 10 * 60_000
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:3333"
	}
	return c
}

// Load reads config.json at path plus any SUPERVISOR_-prefixed environment
// overrides (e.g. SUPERVISOR_CHILD_WALLETADDRESS overrides
// child.walletAddress), mirroring the teacher's env-key replacer.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("SUPERVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errkind.Wrap(fmt.Errorf("reading %s: %w", path, err), errkind.ConfigInvalid, "config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errkind.Wrap(fmt.Errorf("unmarshalling config: %w", err), errkind.ConfigInvalid, "config")
	}

	cfg = withDefaults(cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Child.AgentDir == "" {
		return errkind.New(errkind.ConfigInvalid, "config", "child.agentDir is required")
	}
	if cfg.Child.WalletAddress == "" {
		return errkind.New(errkind.ConfigInvalid, "config", "child.walletAddress is required")
	}
	return nil
}

// MaskedWallet returns the wallet address with its middle characters
// redacted, for /health's config section (§6).
func MaskedWallet(addr string) string {
	if len(addr) <= 10 {
		return strings.Repeat("*", len(addr))
	}
	return addr[:6] + strings.Repeat("*", len(addr)-10) + addr[len(addr)-4:]
}

// ClearCooldown returns Lifecycle.ClearCooldownMs as a time.Duration.
func (l Lifecycle) ClearCooldown() time.Duration {
	return time.Duration(l.ClearCooldownMs) * time.Millisecond
}

// MaxRuntime returns Lifecycle.MaxRuntimeHours as a time.Duration.
func (l Lifecycle) MaxRuntime() time.Duration {
	return time.Duration(l.MaxRuntimeHours) * time.Hour
}

// CheckInterval returns Watchdog.CheckIntervalMs as a time.Duration.
func (w Watchdog) CheckInterval() time.Duration {
	return time.Duration(w.CheckIntervalMs) * time.Millisecond
}

// HeartbeatStale returns Watchdog.HeartbeatStaleMs as a time.Duration.
func (w Watchdog) HeartbeatStale() time.Duration {
	return time.Duration(w.HeartbeatStaleMs) * time.Millisecond
}
