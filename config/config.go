package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/grid"
)

// DefaultJWTSecret signs API tokens when JWT_SECRET is unset.
const DefaultJWTSecret = "default-jwt-secret-change-in-production"

// global config instance
var global *Config

// Config is the process-wide configuration loaded from the environment (.env).
// Strategy parameters live in grid.GridConfig, see LoadGridConfig.
type Config struct {
	// service
	APIServerPort int
	JWTSecret     string
	DBPath        string

	GridConfigFile string

	// logging
	LogLevel string
	LogJSON  bool

	// market data
	StreamURL          string
	EnablePollFallback bool
	PollInterval       time.Duration

	// control loop
	LoopInterval time.Duration
	ErrorBackoff time.Duration
	StaleAfter   time.Duration
	CallTimeout  time.Duration
	OrderPacing  time.Duration

	// notifications
	TelegramBotToken string
	TelegramChatID   int64

	// paper broker
	PaperCapital      decimal.Decimal
	PaperStartPrice   decimal.Decimal
	PaperWalkInterval time.Duration
	PaperVolatility   float64
}

// Init loads the global configuration from environment variables.
func Init() {
	cfg := &Config{
		APIServerPort:      8090,
		DBPath:             "data/gridbot.db",
		LogLevel:           "info",
		EnablePollFallback: true,
		PollInterval:       10 * time.Second,
		LoopInterval:       5 * time.Second,
		ErrorBackoff:       10 * time.Second,
		StaleAfter:         30 * time.Second,
		CallTimeout:        10 * time.Second,
		OrderPacing:        100 * time.Millisecond,
		PaperCapital:       decimal.NewFromInt(100_000_000),
		PaperStartPrice:    decimal.NewFromInt(27_000),
		PaperWalkInterval:  2 * time.Second,
		PaperVolatility:    0.003,
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = strings.TrimSpace(v)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DefaultJWTSecret
	}
	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.APIServerPort = port
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = strings.TrimSpace(v)
	}
	cfg.GridConfigFile = strings.TrimSpace(os.Getenv("GRID_CONFIG_FILE"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	envBool("LOG_JSON", &cfg.LogJSON)

	cfg.StreamURL = strings.TrimSpace(os.Getenv("STREAM_URL"))
	envBool("ENABLE_POLL_FALLBACK", &cfg.EnablePollFallback)
	envDuration("POLL_INTERVAL", &cfg.PollInterval)

	envDuration("LOOP_INTERVAL", &cfg.LoopInterval)
	envDuration("ERROR_BACKOFF", &cfg.ErrorBackoff)
	envDuration("STALE_AFTER", &cfg.StaleAfter)
	envDuration("CALL_TIMEOUT", &cfg.CallTimeout)
	envDuration("ORDER_PACING", &cfg.OrderPacing)

	cfg.TelegramBotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.TelegramChatID = id
		}
	}

	envDecimal("PAPER_CAPITAL", &cfg.PaperCapital)
	envDecimal("PAPER_START_PRICE", &cfg.PaperStartPrice)
	envDuration("PAPER_WALK_INTERVAL", &cfg.PaperWalkInterval)
	if v := os.Getenv("PAPER_VOLATILITY"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 {
			cfg.PaperVolatility = f
		}
	}

	global = cfg
}

// Get returns the global configuration, loading it on first use.
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}

// TelegramEnabled reports whether both bot token and chat are configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// InsecureJWTSecret reports whether API tokens are signed with the built-in secret.
func (c *Config) InsecureJWTSecret() bool {
	return c.JWTSecret == DefaultJWTSecret
}

// LoadGridConfig builds the strategy config: defaults, then the JSON file at
// path (if any), then GRID_* environment overrides. The result is validated.
func LoadGridConfig(path string) (*grid.GridConfig, error) {
	cfg := grid.DefaultGridConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read grid config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse grid config %s: %w", path, err)
		}
	}

	if v := os.Getenv("GRID_SYMBOL"); v != "" {
		cfg.Symbol = strings.ToUpper(strings.TrimSpace(v))
	}
	if v := os.Getenv("GRID_LEVELS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("GRID_LEVELS: %w", err)
		}
		cfg.GridLevels = n
	}
	if v := os.Getenv("GRID_SPACING"); v != "" {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("GRID_SPACING: %w", err)
		}
		cfg.GridSpacingPct = d
	}
	if v := os.Getenv("DNSE_ACCOUNT_NO"); v != "" {
		cfg.AccountID = strings.TrimSpace(v)
	}
	if v := os.Getenv("DNSE_LOAN_PACKAGE_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("DNSE_LOAN_PACKAGE_ID: %w", err)
		}
		cfg.LoanPackageID = &id
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(strings.TrimSpace(v)) == "true"
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d >= 0 {
			*dst = d
		}
	}
}

func envDecimal(key string, dst *decimal.Decimal) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}
