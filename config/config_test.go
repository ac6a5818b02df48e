package config

import (
	"testing"
	"time"
)

func TestTimeframeInterval(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1m"},
		{15 * time.Minute, "15m"},
		{time.Hour, "1h"},
		{4 * time.Hour, "4h"},
		{24 * time.Hour, "1d"},
		{90 * time.Minute, "90m"},
	}
	for _, tc := range cases {
		c := &Config{Timeframe: tc.d}
		if got := c.TimeframeInterval(); got != tc.want {
			t.Errorf("TimeframeInterval(%s) = %s, want %s", tc.d, got, tc.want)
		}
	}
}

func TestInitDefaults(t *testing.T) {
	Init()
	cfg := Get()

	if cfg.Timeframe != 15*time.Minute {
		t.Errorf("default timeframe = %s, want 15m", cfg.Timeframe)
	}
	if cfg.LevelFlagTTL <= cfg.Timeframe {
		t.Errorf("level flag TTL %s must outlive one timeframe %s", cfg.LevelFlagTTL, cfg.Timeframe)
	}
	if cfg.LevelFlagTTL >= 2*cfg.Timeframe {
		t.Errorf("level flag TTL %s must not span two timeframes", cfg.LevelFlagTTL)
	}
	if cfg.PriceTolerance <= 0 {
		t.Error("price tolerance must be positive")
	}
}
