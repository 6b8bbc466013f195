// Package retry implements the bounded retry and exponential backoff policy
// that wraps notification delivery, including demotion of exhausted jobs to
// the dead-letter store.
package retry

import (
	"os"
	"strconv"
	"time"

	"changewatch/internal/types"
)

// Environment variables and bounds for the retry policy. Out-of-range or
// non-numeric values are clamped to the nearest valid bound with a warning,
// never fatal at startup.
const (
	EnvRetryCount = "NOTIFICATION_RETRY_COUNT"
	EnvRetryDelay = "NOTIFICATION_RETRY_DELAY"

	DefaultMaxRetries = 3
	MinRetries        = 0
	MaxRetries        = 10

	DefaultBaseDelaySeconds = 60
	MinBaseDelaySeconds     = 10
	MaxBaseDelaySeconds     = 3600
)

// Policy defines the retry budget and backoff base for delivery attempts.
// With MaxRetries=0 every failure is immediately terminal.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Delay computes the backoff before the retry that follows a failure of
// attempt n (0-indexed): BaseDelay * 2^n.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d < 0 {
			// Overflow guard.
			return p.BaseDelay * time.Duration(1<<20)
		}
	}
	return d
}

// Exhausted reports whether a failure of attempt n (0-indexed) leaves no
// retry budget: the next attempt index would exceed MaxRetries.
func (p Policy) Exhausted(attempt int) bool {
	return attempt+1 > p.MaxRetries
}

// LoadPolicy reads the retry policy from the environment. It may be called
// again at any time to pick up changed values without restarting the process
// (used by tests and live reconfiguration).
func LoadPolicy(logger types.Logger) Policy {
	count := clampEnvInt(logger, EnvRetryCount, DefaultMaxRetries, MinRetries, MaxRetries)
	delay := clampEnvInt(logger, EnvRetryDelay, DefaultBaseDelaySeconds, MinBaseDelaySeconds, MaxBaseDelaySeconds)
	return Policy{
		MaxRetries: count,
		BaseDelay:  time.Duration(delay) * time.Second,
	}
}

// clampEnvInt parses an integer environment variable and clamps it into
// [min, max], logging a warning when the raw value was unusable.
func clampEnvInt(logger types.Logger, key string, def, min, max int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid numeric value, using default",
			"variable", key, "value", raw, "default", def)
		return def
	}
	if val < min {
		logger.Warn("value below minimum, clamped",
			"variable", key, "value", val, "clamped_to", min)
		return min
	}
	if val > max {
		logger.Warn("value above maximum, clamped",
			"variable", key, "value", val, "clamped_to", max)
		return max
	}
	return val
}
