package config

import (
	"testing"
	"time"
)

func fakeGetenv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadRequiresAtLeastOneProvider(t *testing.T) {
	_, err := Load(fakeGetenv(nil))
	if err == nil {
		t.Fatalf("expected an error when no provider API key is set")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(fakeGetenv(map[string]string{"OPENAI_API_KEY": "sk-test"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Fatalf("expected default OpenAI model, got %q", cfg.OpenAI.Model)
	}
	if cfg.ToolTimeouts.Fast != 30*time.Second {
		t.Fatalf("expected default fast timeout 30s, got %s", cfg.ToolTimeouts.Fast)
	}
	if cfg.ToolTimeouts.Code != 300*time.Second {
		t.Fatalf("expected default code timeout 300s, got %s", cfg.ToolTimeouts.Code)
	}
	if cfg.ToolTimeouts.Video != 600*time.Second {
		t.Fatalf("expected default video timeout 600s, got %s", cfg.ToolTimeouts.Video)
	}
	// keepalive deadline defaults to longest tool timeout + 50s (spec
	// example: 600s tool timeout implies a 650s deadline).
	if cfg.KeepAliveDeadline != 650*time.Second {
		t.Fatalf("expected default keepalive deadline 650s, got %s", cfg.KeepAliveDeadline)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr :8080, got %q", cfg.ListenAddr)
	}
}

func TestLoadOpenAIBaseURLFallback(t *testing.T) {
	cfg, err := Load(fakeGetenv(map[string]string{
		"OPENAI_API_KEY":      "sk-test",
		"OPENAI_API_BASE_URL": "https://legacy.example.com/v1",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAI.BaseURL != "https://legacy.example.com/v1" {
		t.Fatalf("expected legacy base url fallback, got %q", cfg.OpenAI.BaseURL)
	}
}

func TestLoadOpenAIBaseURLPrefersCanonicalKey(t *testing.T) {
	cfg, err := Load(fakeGetenv(map[string]string{
		"OPENAI_API_KEY":      "sk-test",
		"OPENAI_BASE_URL":     "https://canonical.example.com/v1",
		"OPENAI_API_BASE_URL": "https://legacy.example.com/v1",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAI.BaseURL != "https://canonical.example.com/v1" {
		t.Fatalf("expected canonical base url to win, got %q", cfg.OpenAI.BaseURL)
	}
}

func TestLoadCustomKeepAliveDeadlineOverridesDefault(t *testing.T) {
	cfg, err := Load(fakeGetenv(map[string]string{
		"OPENAI_API_KEY":             "sk-test",
		"KEEPALIVE_DEADLINE_SECONDS": "120",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KeepAliveDeadline != 120*time.Second {
		t.Fatalf("expected explicit override to win, got %s", cfg.KeepAliveDeadline)
	}
}

func TestLoadProxyBypassHostsParsesCommaSeparatedList(t *testing.T) {
	cfg, err := Load(fakeGetenv(map[string]string{
		"OPENAI_API_KEY":     "sk-test",
		"PROXY_BYPASS_HOSTS": "internal.example.com, localhost , 10.0.0.0/8",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"internal.example.com", "localhost", "10.0.0.0/8"}
	if len(cfg.ProxyBypassHosts) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.ProxyBypassHosts)
	}
	for i, w := range want {
		if cfg.ProxyBypassHosts[i] != w {
			t.Fatalf("expected %v, got %v", want, cfg.ProxyBypassHosts)
		}
	}
}

func TestLoadTracingEnabledParsesBool(t *testing.T) {
	cfg, err := Load(fakeGetenv(map[string]string{
		"OPENAI_API_KEY":  "sk-test",
		"TRACING_ENABLED": "true",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.TracingEnabled {
		t.Fatalf("expected tracing enabled to parse as true")
	}
}
