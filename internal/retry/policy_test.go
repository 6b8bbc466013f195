package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"changewatch/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) With(args ...any) types.Logger { return nopLogger{} }

func TestPolicyDelayDoubles(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 60 * time.Second}

	assert.Equal(t, 60*time.Second, p.Delay(0))
	assert.Equal(t, 120*time.Second, p.Delay(1))
	assert.Equal(t, 240*time.Second, p.Delay(2))
}

func TestPolicyDelayNegativeAttempt(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 10 * time.Second}
	assert.Equal(t, 10*time.Second, p.Delay(-5))
}

func TestPolicyExhausted(t *testing.T) {
	p := Policy{MaxRetries: 3}

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(7))
}

func TestPolicyZeroRetriesIsImmediatelyTerminal(t *testing.T) {
	p := Policy{MaxRetries: 0}
	assert.True(t, p.Exhausted(0))
}

func TestLoadPolicyDefaults(t *testing.T) {
	t.Setenv(EnvRetryCount, "")
	t.Setenv(EnvRetryDelay, "")

	p := LoadPolicy(nopLogger{})
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, time.Duration(DefaultBaseDelaySeconds)*time.Second, p.BaseDelay)
}

func TestLoadPolicyClampsOutOfRange(t *testing.T) {
	t.Setenv(EnvRetryCount, "99")
	t.Setenv(EnvRetryDelay, "1")

	p := LoadPolicy(nopLogger{})
	assert.Equal(t, MaxRetries, p.MaxRetries)
	assert.Equal(t, time.Duration(MinBaseDelaySeconds)*time.Second, p.BaseDelay)
}

func TestLoadPolicyRejectsGarbage(t *testing.T) {
	t.Setenv(EnvRetryCount, "not-a-number")
	t.Setenv(EnvRetryDelay, "5m")

	p := LoadPolicy(nopLogger{})
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, time.Duration(DefaultBaseDelaySeconds)*time.Second, p.BaseDelay)
}

func TestLoadPolicyReloadsChangedValues(t *testing.T) {
	t.Setenv(EnvRetryCount, "2")
	p := LoadPolicy(nopLogger{})
	assert.Equal(t, 2, p.MaxRetries)

	t.Setenv(EnvRetryCount, "5")
	p = LoadPolicy(nopLogger{})
	assert.Equal(t, 5, p.MaxRetries)
}
