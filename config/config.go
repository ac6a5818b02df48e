package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Global config instance
var global *Config

// Config holds process-wide settings loaded from the environment (.env).
// Per-session trading parameters live on the session itself, not here.
type Config struct {
	// Storage
	DBPath string

	// Logging
	LogLevel string

	// Order lifecycle cadence
	Timeframe     time.Duration // reconciliation boundary, e.g. 15m
	PollInterval  time.Duration // fill/TP polling cadence
	PositionTTL   time.Duration // position snapshot cache TTL
	PriceListTTL  time.Duration // placed-price dedup retention
	LevelFlagTTL  time.Duration // level placement flag expiry
	ClientIdleTTL time.Duration // exchange client eviction threshold

	// Risk defaults
	MaxNotionalUSD float64 // per-side notional cap
	PriceTolerance float64 // duplicate-price tolerance, fraction (0.0003 = 0.03%)

	// Notifications
	TelegramToken  string
	TelegramChatID int64
}

// Init loads global configuration from environment variables.
func Init() {
	cfg := &Config{
		DBPath:         "data/gridops.db",
		LogLevel:       "info",
		Timeframe:      15 * time.Minute,
		PollInterval:   3 * time.Second,
		PositionTTL:    5 * time.Second,
		PriceListTTL:   7 * 24 * time.Hour,
		LevelFlagTTL:   16 * time.Minute,
		ClientIdleTTL:  time.Hour,
		MaxNotionalUSD: 5000,
		PriceTolerance: 0.0003,
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("GRID_TIMEFRAME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Timeframe = d
		}
	}
	if v := os.Getenv("GRID_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("GRID_MAX_NOTIONAL_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.MaxNotionalUSD = f
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramChatID = id
		}
	}

	// Level flags must outlive one reconciliation cycle but not two,
	// so a crashed process cannot lock a level forever.
	cfg.LevelFlagTTL = cfg.Timeframe + cfg.Timeframe/15

	global = cfg
}

// TimeframeInterval renders the timeframe as an exchange kline interval
// string such as 15m, 4h, or 1d. Duration.String would yield 15m0s,
// which the exchanges reject.
func (c *Config) TimeframeInterval() string {
	d := c.Timeframe
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	default:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
}

// Get returns the global configuration, initializing it on first use.
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}
