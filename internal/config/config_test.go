package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.VoiceProvider != "auto" {
		t.Fatalf("VoiceProvider = %q, want %q", cfg.VoiceProvider, "auto")
	}
	if cfg.MicQueueCapacity != 6 {
		t.Fatalf("MicQueueCapacity = %d, want 6", cfg.MicQueueCapacity)
	}
	if cfg.SegmentCharBudget != 250 {
		t.Fatalf("SegmentCharBudget = %d, want 250", cfg.SegmentCharBudget)
	}
}

func TestLoadRejectsRealtimeWithoutEndpoints(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "realtime")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want error for missing ASR/TTS URLs")
	}
}

func TestLoadUsesExplicitASRURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ASR_WS_URL", "wss://asr.example.com/realtime")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ASRWSURL != "wss://asr.example.com/realtime" {
		t.Fatalf("ASRWSURL = %q, want explicit value", cfg.ASRWSURL)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"VOICE_PROVIDER",
		"ASR_WS_URL",
		"ASR_API_KEY",
		"LLM_HTTP_URL",
		"LLM_API_KEY",
		"LLM_MODEL",
		"TTS_WS_URL",
		"TTS_API_KEY",
		"TTS_VOICE_A",
		"TTS_VOICE_B",
		"TTS_MODEL",
		"MIC_QUEUE_CAPACITY",
		"HANGUP_TIMEOUT",
		"ASR_IDLE_TIMEOUT",
		"SEGMENT_CHAR_BUDGET",
		"OUTBOUND_HIGH_WATERMARK_BYTES",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
