package policy

import (
	"testing"
	"time"
)

func fakeEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	p := FromEnv(fakeEnv(nil))
	d := Defaults()
	if p != d {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	p := FromEnv(fakeEnv(map[string]string{
		"LSP_REQUEST_TIMEOUT_MS":        "1000",
		"LSP_MAX_QUEUE_BYTES":           "2048",
		"LSP_INSTANCE_INIT_TIMEOUT_MS":  "5000",
		"LSP_CIRCUIT_BREAKER_ENABLED":   "false",
	}))
	if p.RequestTimeout != time.Second {
		t.Errorf("RequestTimeout = %v", p.RequestTimeout)
	}
	if p.MaxQueueBytes != 2048 {
		t.Errorf("MaxQueueBytes = %v", p.MaxQueueBytes)
	}
	if p.InstanceInitTimeout != 5*time.Second {
		t.Errorf("InstanceInitTimeout = %v", p.InstanceInitTimeout)
	}
	if p.CircuitBreakerEnabled {
		t.Errorf("expected breaker disabled")
	}
}

func TestFromEnvNonFiniteFallsBackToDefault(t *testing.T) {
	p := FromEnv(fakeEnv(map[string]string{
		"LSP_REQUEST_TIMEOUT_MS": "NaN",
	}))
	if p.RequestTimeout != Defaults().RequestTimeout {
		t.Fatalf("expected default on bad input, got %v", p.RequestTimeout)
	}
}

func TestRequestTimeoutMultiplier(t *testing.T) {
	if RequestTimeoutMultiplier("csharp") != 4 {
		t.Errorf("expected 4x for csharp")
	}
	if RequestTimeoutMultiplier("go") != 1 {
		t.Errorf("expected 1x for go")
	}
}
