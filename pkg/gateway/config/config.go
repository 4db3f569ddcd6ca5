package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/safety"
)

type Config struct {
	Addr string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Upstream realtime session.
	GoogleAPIKey        string
	Model               string
	SystemPrompt        string
	VoiceName           string
	LanguageCode        string
	Dialect             string
	EnableTranscription bool
	VAD                 realtime.VADConfig

	// Live WebSocket mode (/v1/live).
	WSPingInterval         time.Duration
	WSWriteTimeout         time.Duration
	WSReadIdleTimeout      time.Duration
	WSMaxMessageBytes      int64
	HandlerTimeout         time.Duration
	AccumulatorIdleTimeout time.Duration
	TeardownTimeout        time.Duration

	// Inbound audio limits; zero disables a limit.
	MaxAudioChunksPerSecond int
	MaxAudioBytesPerSecond  int64
	AudioBurstSeconds       int

	// Persistence. Empty DatabaseURL logs messages instead of storing them.
	DatabaseURL  string
	LeadsCSVPath string

	// Listings API behind the units tools.
	ListingsBaseURL   string
	ListingsProjectID string
	ListingsCacheTTL  time.Duration
	ListingsTimeout   time.Duration

	// Optional MCP server; at most one of URL and Command is used.
	MCPServerURL     string
	MCPServerCommand string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("LIVE_BRIDGE_ADDR", ":8080"),
		CORSAllowedOrigins:      make(map[string]struct{}),
		GoogleAPIKey:            envOr("GOOGLE_API_KEY", ""),
		Model:                   envOr("LIVE_BRIDGE_MODEL", "gemini-live-2.5-flash-preview"),
		SystemPrompt:            envOr("LIVE_BRIDGE_SYSTEM_PROMPT", ""),
		VoiceName:               envOr("LIVE_BRIDGE_VOICE_NAME", ""),
		LanguageCode:            envOr("LIVE_BRIDGE_LANGUAGE_CODE", ""),
		Dialect:                 envOr("LIVE_BRIDGE_DIALECT", ""),
		EnableTranscription:     envBoolOr("LIVE_BRIDGE_ENABLE_TRANSCRIPTION", true),
		WSPingInterval:          envDurationOr("LIVE_BRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:          envDurationOr("LIVE_BRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:       envDurationOr("LIVE_BRIDGE_WS_READ_IDLE_TIMEOUT", 30*time.Second),
		WSMaxMessageBytes:       envInt64Or("LIVE_BRIDGE_WS_MAX_MESSAGE_BYTES", 1<<20),
		HandlerTimeout:          envDurationOr("LIVE_BRIDGE_HANDLER_TIMEOUT", 30*time.Second),
		AccumulatorIdleTimeout:  envDurationOr("LIVE_BRIDGE_ACCUMULATOR_IDLE_TIMEOUT", 2*time.Second),
		TeardownTimeout:         envDurationOr("LIVE_BRIDGE_TEARDOWN_TIMEOUT", 15*time.Second),
		MaxAudioChunksPerSecond: envIntOr("LIVE_BRIDGE_MAX_AUDIO_FPS", 0),
		MaxAudioBytesPerSecond:  envInt64Or("LIVE_BRIDGE_MAX_AUDIO_BPS", 0),
		AudioBurstSeconds:       envIntOr("LIVE_BRIDGE_AUDIO_BURST_SECONDS", 2),
		DatabaseURL:             envOr("DATABASE_URL", ""),
		LeadsCSVPath:            envOr("LIVE_BRIDGE_LEADS_CSV_PATH", "data/leads.csv"),
		ListingsBaseURL:         envOr("LIVE_BRIDGE_LISTINGS_BASE_URL", "https://realestate-api.voom.cc"),
		ListingsProjectID:       envOr("LIVE_BRIDGE_LISTINGS_PROJECT_ID", ""),
		ListingsCacheTTL:        envDurationOr("LIVE_BRIDGE_LISTINGS_CACHE_TTL", 5*time.Minute),
		ListingsTimeout:         envDurationOr("LIVE_BRIDGE_LISTINGS_TIMEOUT", 30*time.Second),
		MCPServerURL:            envOr("LIVE_BRIDGE_MCP_SERVER_URL", ""),
		MCPServerCommand:        envOr("LIVE_BRIDGE_MCP_SERVER_COMMAND", ""),
		ReadHeaderTimeout:       envDurationOr("LIVE_BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("LIVE_BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("LIVE_BRIDGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	vad, err := loadVAD()
	if err != nil {
		return Config{}, err
	}
	cfg.VAD = vad

	if cfg.GoogleAPIKey == "" {
		return Config{}, fmt.Errorf("GOOGLE_API_KEY must be set")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_WS_READ_IDLE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.AccumulatorIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_ACCUMULATOR_IDLE_TIMEOUT must be > 0")
	}
	if cfg.TeardownTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_TEARDOWN_TIMEOUT must be > 0")
	}
	if cfg.MaxAudioChunksPerSecond < 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.MaxAudioChunksPerSecond > 0 || cfg.MaxAudioBytesPerSecond > 0) && cfg.AudioBurstSeconds < 1 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_AUDIO_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.ListingsCacheTTL <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_LISTINGS_CACHE_TTL must be > 0")
	}
	if cfg.ListingsTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_LISTINGS_TIMEOUT must be > 0")
	}
	if _, err := safety.ValidateEndpoint(cfg.ListingsBaseURL); err != nil {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_LISTINGS_BASE_URL: %w", err)
	}
	if cfg.MCPServerURL != "" {
		if _, err := safety.ValidateEndpoint(cfg.MCPServerURL); err != nil {
			return Config{}, fmt.Errorf("LIVE_BRIDGE_MCP_SERVER_URL: %w", err)
		}
	}
	if cfg.MCPServerURL != "" && cfg.MCPServerCommand != "" {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_MCP_SERVER_URL and LIVE_BRIDGE_MCP_SERVER_COMMAND are mutually exclusive")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("LIVE_BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// ConnectConfig is the upstream handshake configuration for one session.
func (c Config) ConnectConfig() realtime.ConnectConfig {
	return realtime.ConnectConfig{
		SystemPrompt:        c.SystemPrompt,
		VoiceName:           c.VoiceName,
		LanguageCode:        c.LanguageCode,
		Dialect:             c.Dialect,
		EnableTranscription: c.EnableTranscription,
		VAD:                 c.VAD,
	}
}

// Unknown sensitivities are rejected rather than silently unset.
func loadVAD() (realtime.VADConfig, error) {
	var vad realtime.VADConfig
	for _, s := range []struct {
		key string
		dst *realtime.Sensitivity
	}{
		{"LIVE_BRIDGE_VAD_START_SENSITIVITY", &vad.StartSensitivity},
		{"LIVE_BRIDGE_VAD_END_SENSITIVITY", &vad.EndSensitivity},
	} {
		raw := envOr(s.key, "")
		if raw == "" {
			continue
		}
		parsed := realtime.ParseSensitivity(raw)
		if parsed == realtime.SensitivityUnset {
			return realtime.VADConfig{}, fmt.Errorf("%s must be one of low|high", s.key)
		}
		*s.dst = parsed
	}
	vad.PrefixPaddingMS = envIntOr("LIVE_BRIDGE_VAD_PREFIX_PADDING_MS", 0)
	vad.SilenceDurationMS = envIntOr("LIVE_BRIDGE_VAD_SILENCE_DURATION_MS", 0)
	if vad.PrefixPaddingMS < 0 {
		return realtime.VADConfig{}, fmt.Errorf("LIVE_BRIDGE_VAD_PREFIX_PADDING_MS must be >= 0")
	}
	if vad.SilenceDurationMS < 0 {
		return realtime.VADConfig{}, fmt.Errorf("LIVE_BRIDGE_VAD_SILENCE_DURATION_MS must be >= 0")
	}
	return vad, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
