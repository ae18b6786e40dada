// Package config loads runtime configuration from the environment (with an
// optional .env overlay), the way the rest of this module's ancestry does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func osGetenv(key string) string { return os.Getenv(key) }

// ProviderConfig holds the credentials and endpoint override for one LLM
// provider. APIKey empty means the provider is not configured and must not
// be selected.
type ProviderConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ToolTimeouts overrides the per-tool default timeouts named in spec §4.2.
type ToolTimeouts struct {
	Fast    time.Duration // default 30s: fetch_url, web_search (plan keeps its own fixed 10s)
	Code    time.Duration // default 300s: execute_code, execute_shell
	Video   time.Duration // default 600s: any long-running media tool
}

// Config is the immutable, fully-resolved runtime configuration for one
// server process.
type Config struct {
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Google    ProviderConfig

	SystemPrompt string

	DataDir    string
	OutputsDir string

	MaxIterations      int
	MaxToolParallelism int
	ToolTimeouts       ToolTimeouts

	// KeepAliveDeadline bounds how long the HTTP surface holds a /chat
	// stream open. Spec §4.6: it must exceed the longest tool timeout by a
	// safety margin (e.g. a 600s tool max implies a 650s deadline).
	KeepAliveDeadline time.Duration

	// ProxyBypassHosts lists host suffixes parsed from PROXY_BYPASS_HOSTS
	// (falling back to NO_PROXY). It is exposed for configuration only: no
	// component reads it, so neither fetch_url nor the sandbox applies it.
	ProxyBypassHosts []string

	LogLevel string
	LogPath  string

	ListenAddr string

	// TracingEnabled turns on span export from the sandbox executor.
	TracingEnabled bool
	ServiceName    string
}

// Load reads configuration from the environment, overlaying any .env file
// found in the working directory (Overload so .env wins over a stale shell
// environment, matching the teacher's loader convention).
func Load(getenv func(string) string) (Config, error) {
	_ = godotenv.Overload()
	if getenv == nil {
		getenv = osGetenv
	}
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := Config{
		OpenAI: ProviderConfig{
			APIKey:  get("OPENAI_API_KEY"),
			Model:   firstNonEmpty(get("OPENAI_MODEL"), "gpt-4o"),
			BaseURL: firstNonEmpty(get("OPENAI_BASE_URL"), get("OPENAI_API_BASE_URL")),
		},
		Anthropic: ProviderConfig{
			APIKey:  get("ANTHROPIC_API_KEY"),
			Model:   firstNonEmpty(get("ANTHROPIC_MODEL"), "claude-sonnet-4-5"),
			BaseURL: get("ANTHROPIC_BASE_URL"),
		},
		Google: ProviderConfig{
			APIKey:  get("GOOGLE_LLM_API_KEY"),
			Model:   firstNonEmpty(get("GOOGLE_LLM_MODEL"), "gemini-2.5-pro"),
			BaseURL: get("GOOGLE_LLM_BASE_URL"),
		},
		SystemPrompt: get("SYSTEM_PROMPT"),
		DataDir:      firstNonEmpty(get("DATA_DIR"), "./data"),
		OutputsDir:   firstNonEmpty(get("OUTPUTS_DIR"), "./data/outputs"),
		LogLevel:     firstNonEmpty(get("LOG_LEVEL"), "info"),
		LogPath:      get("LOG_PATH"),
		ListenAddr:   firstNonEmpty(get("LISTEN_ADDR"), ":8080"),
		ServiceName:  firstNonEmpty(get("OTEL_SERVICE_NAME"), "agentserver"),
	}
	cfg.TracingEnabled = parseBoolDefault(get("TRACING_ENABLED"), false)

	cfg.MaxIterations = parseIntDefault(get("MAX_STEPS"), 30)
	cfg.MaxToolParallelism = parseIntDefault(get("MAX_TOOL_PARALLELISM"), 4)

	cfg.ToolTimeouts = ToolTimeouts{
		Fast:  parseSecondsDefault(get("FAST_TOOL_TIMEOUT_SECONDS"), 30*time.Second),
		Code:  parseSecondsDefault(get("MAX_COMMAND_SECONDS"), 300*time.Second),
		Video: parseSecondsDefault(get("VIDEO_TOOL_TIMEOUT_SECONDS"), 600*time.Second),
	}

	longestTool := cfg.ToolTimeouts.Fast
	if cfg.ToolTimeouts.Code > longestTool {
		longestTool = cfg.ToolTimeouts.Code
	}
	if cfg.ToolTimeouts.Video > longestTool {
		longestTool = cfg.ToolTimeouts.Video
	}
	cfg.KeepAliveDeadline = parseSecondsDefault(get("KEEPALIVE_DEADLINE_SECONDS"), longestTool+50*time.Second)

	cfg.ProxyBypassHosts = parseCommaSeparatedList(firstNonEmpty(get("PROXY_BYPASS_HOSTS"), get("NO_PROXY")))

	if cfg.OpenAI.APIKey == "" && cfg.Anthropic.APIKey == "" && cfg.Google.APIKey == "" {
		return cfg, fmt.Errorf("config: no LLM provider configured; set OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_LLM_API_KEY")
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseSecondsDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func parseBoolDefault(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func parseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
