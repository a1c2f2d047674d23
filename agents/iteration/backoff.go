package iteration

import (
	"context"
	"math"
	"time"
)

// BackoffConfig configures the delay between task attempts.
type BackoffConfig struct {
	InitialDelayMS int     `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor" json:"backoff_factor"`
	MaxDelayMS     int     `yaml:"max_delay_ms" json:"max_delay_ms"`
}

// DefaultBackoffConfig returns 500ms doubling up to 10s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 500,
		BackoffFactor:  2.0,
		MaxDelayMS:     10_000,
	}
}

// DelayForRetry returns the wait before the given retry. retry is 1-indexed:
// the first retry (attempt 2) is retry=1.
func DelayForRetry(retry int, cfg BackoffConfig) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(retry-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
