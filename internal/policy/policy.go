// Package policy holds the sidecar's immutable configuration, read once
// from the environment at startup (spec §4.7/§6).
package policy

import (
	"math"
	"os"
	"strconv"
	"time"
)

// Policy is read at startup and never mutated afterward; every component
// holds a read-only reference to the same instance.
type Policy struct {
	RequestTimeout        time.Duration
	MaxQueueBytes         int
	InstanceInitTimeout   time.Duration
	CircuitBreakerEnabled bool

	CircuitBreakerThreshold int
	CircuitBreakerOpenFor   time.Duration

	TTLIdle       time.Duration
	TTLSweep      time.Duration
	Heartbeat     time.Duration
	Capacity      int
}

// Defaults mirror spec §4.7.
func Defaults() Policy {
	return Policy{
		RequestTimeout:          6000 * time.Millisecond,
		MaxQueueBytes:           1048576,
		InstanceInitTimeout:     15000 * time.Millisecond,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 3,
		CircuitBreakerOpenFor:   10000 * time.Millisecond,
		TTLIdle:                 300000 * time.Millisecond,
		TTLSweep:                60000 * time.Millisecond,
		Heartbeat:               5000 * time.Millisecond,
		Capacity:                3,
	}
}

// FromEnv reads overrides from the environment variables named in spec §6,
// falling back to Defaults() for anything absent, non-numeric, or
// non-finite.
func FromEnv(getenv func(string) string) Policy {
	p := Defaults()

	if ms, ok := envDurationMs(getenv, "LSP_REQUEST_TIMEOUT_MS"); ok {
		p.RequestTimeout = ms
	}
	if b, ok := envInt(getenv, "LSP_MAX_QUEUE_BYTES"); ok {
		p.MaxQueueBytes = b
	}
	if ms, ok := envDurationMs(getenv, "LSP_INSTANCE_INIT_TIMEOUT_MS"); ok {
		p.InstanceInitTimeout = ms
	}
	if v := getenv("LSP_CIRCUIT_BREAKER_ENABLED"); v == "false" {
		p.CircuitBreakerEnabled = false
	}

	return p
}

func envInt(getenv func(string) string, name string) (int, bool) {
	v := getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return int(n), true
}

func envDurationMs(getenv func(string) string, name string) (time.Duration, bool) {
	n, ok := envInt(getenv, name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// FromOSEnv is a convenience wrapper around FromEnv(os.Getenv).
func FromOSEnv() Policy { return FromEnv(os.Getenv) }

// slowLanguages get a longer request timeout multiplier and a longer
// stabilization delay: spec §4.3/§4.7 name C# (OmniSharp-style servers) as
// the motivating example of a heavy server that reports ready before it
// truly is.
var slowLanguages = map[string]bool{
	"csharp": true,
}

// RequestTimeoutMultiplier returns the per-language multiplier applied to
// RequestTimeout (spec §4.7: "a 4x multiplier ... for languages known to
// be slow").
func RequestTimeoutMultiplier(language string) int {
	if slowLanguages[language] {
		return 4
	}
	return 1
}

// StabilizationDelay is the ad-hoc post-initialized delay (spec §4.3, §9
// Open Question) before a server is considered truly ready. It is a policy
// knob, not a correctness requirement: longer for heavy servers so they
// don't receive flushed pre-init traffic before they can truly handle it.
func StabilizationDelay(language string) time.Duration {
	if slowLanguages[language] {
		return 3 * time.Second
	}
	return 500 * time.Millisecond
}
