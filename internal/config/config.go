package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all nudge configuration. It is built once by Load and passed
// into the engine at construction; nothing reads the environment after that.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Engine EngineConfig
	Sweeps SweepConfig

	LogLevel    string
	Environment string
}

type ServerConfig struct {
	Bind string
	Port int
}

type StoreConfig struct {
	Path string // resolved at runtime via store.DefaultDBPath() when empty
}

// EngineConfig carries every tunable of the decision core.
type EngineConfig struct {
	HalfLifeSeconds float64
	MaxPerDay       int
	Cooldown        time.Duration
	DecideTimeout   time.Duration

	// ActionBumps maps an engagement action to its score delta.
	ActionBumps map[string]float64

	// Channels is the full set of known delivery channels, used as the
	// default opt-in set for profiles that never stated a preference.
	Channels []string
}

type SweepConfig struct {
	ScoringSpec  string // cron spec for the decay reconciliation sweep
	DecisionSpec string // cron spec for draining due candidates
	BatchSize    int
}

// Default action bump table. Every value can be overridden through
// NUDGE_BUMP_<ACTION> environment variables.
var defaultBumps = map[string]float64{
	"delivered": 0.0,
	"opened":    0.1,
	"clicked":   0.25,
	"converted": 0.5,
	"responded": 0.3,
	"dismissed": -0.2,
}

var defaultChannels = []string{"dashboard", "email", "push", "sms"}

// Load reads configuration from environment variables and a .env file if one
// is present. Existing environment variables are never overridden by .env.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Bind: envString("NUDGE_BIND", "127.0.0.1"),
		},
		Store: StoreConfig{
			Path: os.Getenv("NUDGE_DB_PATH"),
		},
		LogLevel:    strings.ToLower(envString("LOG_LEVEL", "info")),
		Environment: strings.ToLower(envString("ENVIRONMENT", "development")),
		Sweeps: SweepConfig{
			ScoringSpec:  envString("NUDGE_CRON_SCORING", "17 * * * *"),
			DecisionSpec: envString("NUDGE_CRON_DECISION", "*/1 * * * *"),
		},
	}

	var err error
	if cfg.Server.Port, err = envInt("NUDGE_PORT", 37780); err != nil {
		return nil, err
	}
	if cfg.Sweeps.BatchSize, err = envInt("NUDGE_SWEEP_BATCH", 200); err != nil {
		return nil, err
	}

	eng := EngineConfig{
		Channels:    defaultChannels,
		ActionBumps: make(map[string]float64, len(defaultBumps)),
	}
	if eng.HalfLifeSeconds, err = envFloat("NUDGE_HALF_LIFE_SECONDS", 7*24*3600); err != nil {
		return nil, err
	}
	if eng.HalfLifeSeconds <= 0 {
		return nil, fmt.Errorf("NUDGE_HALF_LIFE_SECONDS must be positive")
	}
	if eng.MaxPerDay, err = envInt("NUDGE_MAX_PER_DAY", 10); err != nil {
		return nil, err
	}
	cooldownSecs, err := envInt("NUDGE_COOLDOWN_SECONDS", 1800)
	if err != nil {
		return nil, err
	}
	eng.Cooldown = time.Duration(cooldownSecs) * time.Second
	decideMs, err := envInt("NUDGE_DECIDE_TIMEOUT_MS", 2000)
	if err != nil {
		return nil, err
	}
	eng.DecideTimeout = time.Duration(decideMs) * time.Millisecond

	for action, bump := range defaultBumps {
		key := "NUDGE_BUMP_" + strings.ToUpper(action)
		if eng.ActionBumps[action], err = envFloat(key, bump); err != nil {
			return nil, err
		}
	}

	if raw := os.Getenv("NUDGE_CHANNELS"); raw != "" {
		channels := strings.Split(raw, ",")
		for i := range channels {
			channels[i] = strings.TrimSpace(channels[i])
		}
		sort.Strings(channels)
		eng.Channels = channels
	}

	cfg.Engine = eng
	return cfg, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
