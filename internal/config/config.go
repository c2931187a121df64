package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice agent service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	ASRWSURL  string
	ASRAPIKey string

	LLMHTTPURL string
	LLMAPIKey  string
	LLMModel   string

	TTSWSURL  string
	TTSAPIKey string
	TTSVoiceA string
	TTSVoiceB string
	TTSModel  string

	VoiceProvider string // auto|realtime|mock

	MicQueueCapacity     int
	HangupTimeout        time.Duration
	ASRIdleTimeout       time.Duration
	SegmentCharBudget    int
	OutboundHighWaterMAX int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callagent"),
		AllowAnyOrigin:   false,

		ASRWSURL:  stringsTrimSpace("ASR_WS_URL"),
		ASRAPIKey: stringsTrimSpace("ASR_API_KEY"),

		LLMHTTPURL: stringsTrimSpace("LLM_HTTP_URL"),
		LLMAPIKey:  stringsTrimSpace("LLM_API_KEY"),
		LLMModel:   envOrDefault("LLM_MODEL", "gpt-4o-mini"),

		TTSWSURL:  stringsTrimSpace("TTS_WS_URL"),
		TTSAPIKey: stringsTrimSpace("TTS_API_KEY"),
		TTSVoiceA: envOrDefault("TTS_VOICE_A", "persona-a"),
		TTSVoiceB: envOrDefault("TTS_VOICE_B", "persona-b"),
		TTSModel:  envOrDefault("TTS_MODEL", "default"),

		VoiceProvider: envOrDefault("VOICE_PROVIDER", "auto"),

		MicQueueCapacity:     6,
		HangupTimeout:        6000 * time.Millisecond,
		ASRIdleTimeout:       20000 * time.Millisecond,
		SegmentCharBudget:    250,
		OutboundHighWaterMAX: 2000,

		ShutdownTimeout: 15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HangupTimeout, err = durationFromEnv("HANGUP_TIMEOUT", cfg.HangupTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRIdleTimeout, err = durationFromEnv("ASR_IDLE_TIMEOUT", cfg.ASRIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MicQueueCapacity, err = intFromEnv("MIC_QUEUE_CAPACITY", cfg.MicQueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.SegmentCharBudget, err = intFromEnv("SEGMENT_CHAR_BUDGET", cfg.SegmentCharBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundHighWaterMAX, err = intFromEnv("OUTBOUND_HIGH_WATERMARK_BYTES", cfg.OutboundHighWaterMAX)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.MicQueueCapacity <= 0 {
		return Config{}, fmt.Errorf("MIC_QUEUE_CAPACITY must be positive")
	}
	if cfg.SegmentCharBudget <= 0 {
		return Config{}, fmt.Errorf("SEGMENT_CHAR_BUDGET must be positive")
	}
	if cfg.HangupTimeout <= 0 {
		return Config{}, fmt.Errorf("HANGUP_TIMEOUT must be positive")
	}
	if cfg.ASRIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("ASR_IDLE_TIMEOUT must be positive")
	}

	switch cfg.VoiceProvider {
	case "auto", "realtime", "mock":
	default:
		return Config{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|realtime|mock)", cfg.VoiceProvider)
	}
	if cfg.VoiceProvider == "realtime" && (cfg.ASRWSURL == "" || cfg.TTSWSURL == "") {
		return Config{}, fmt.Errorf("VOICE_PROVIDER=realtime requires ASR_WS_URL and TTS_WS_URL")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
