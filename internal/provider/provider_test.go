package provider

import (
	"testing"
	"time"

	"github.com/roelfdiedericks/goherd/internal/registry"
)

func TestTokenCost(t *testing.T) {
	m := &registry.Model{InputCostPer1K: 0.003, OutputCostPer1K: 0.015}
	got := tokenCost(1000, 2000, m)
	want := 0.003 + 2*0.015
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %f, want %f", got, want)
	}
	if tokenCost(0, 0, m) != 0 {
		t.Error("zero tokens should cost nothing")
	}
	if tokenCost(500, 500, nil) != 0 {
		t.Error("nil model should cost nothing")
	}
}

func TestWireName(t *testing.T) {
	if got := wireName(&registry.Model{ID: "sonnet", APIName: "claude-sonnet-4"}); got != "claude-sonnet-4" {
		t.Errorf("wireName = %q", got)
	}
	if got := wireName(&registry.Model{ID: "sonnet"}); got != "sonnet" {
		t.Errorf("wireName fallback = %q", got)
	}
	if got := wireName(nil); got != "" {
		t.Errorf("wireName(nil) = %q", got)
	}
}

func TestCallMaxTokens(t *testing.T) {
	if got := callMaxTokens(Call{MaxTokens: 100}, 8192); got != 100 {
		t.Errorf("explicit = %d", got)
	}
	if got := callMaxTokens(Call{}, 8192); got != 8192 {
		t.Errorf("fallback = %d", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	var opts Options
	if opts.maxTokens() != defaultMaxTokens {
		t.Errorf("maxTokens = %d", opts.maxTokens())
	}
	if opts.timeout() != defaultTimeout {
		t.Errorf("timeout = %v", opts.timeout())
	}
	if opts.healthTTL() != defaultHealthTTL {
		t.Errorf("healthTTL = %v", opts.healthTTL())
	}

	opts = Options{MaxTokens: 1024, Timeout: time.Second, HealthTTL: time.Minute}
	if opts.maxTokens() != 1024 || opts.timeout() != time.Second || opts.healthTTL() != time.Minute {
		t.Error("explicit options should win")
	}
}

func TestHealthCacheTTL(t *testing.T) {
	hc := newHealthCache(20 * time.Millisecond)

	if _, ok := hc.get(); ok {
		t.Error("empty cache should miss")
	}

	hc.put(true, "")
	if st, ok := hc.get(); !ok || !st.Available {
		t.Error("fresh entry should hit")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := hc.get(); ok {
		t.Error("stale entry should miss after the TTL")
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in, fallback, want string
	}{
		{"", "https://fallback/v1", "https://fallback/v1"},
		{"https://api.example.com", "", "https://api.example.com/v1"},
		{"https://api.example.com/", "", "https://api.example.com/v1"},
		{"https://api.example.com/v1", "", "https://api.example.com/v1"},
		{"https://generativelanguage.googleapis.com/v1beta/openai", "", "https://generativelanguage.googleapis.com/v1beta/openai"},
	}
	for _, tt := range tests {
		if got := normalizeBaseURL(tt.in, tt.fallback); got != tt.want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
