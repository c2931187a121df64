package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samantha-voice/callagent/internal/config"
	"github.com/samantha-voice/callagent/internal/feedback"
	"github.com/samantha-voice/callagent/internal/httpapi"
	"github.com/samantha-voice/callagent/internal/llm"
	"github.com/samantha-voice/callagent/internal/observability"
	"github.com/samantha-voice/callagent/internal/session"
	"github.com/samantha-voice/callagent/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	llmClient := llm.NewClient(cfg.LLMHTTPURL, cfg.LLMAPIKey, cfg.LLMModel)

	var voiceProvider httpapi.VoiceProvider
	switch cfg.VoiceProvider {
	case "mock":
		voiceProvider = voice.NewMockProvider()
		log.Printf("voice provider: mock")
	case "realtime":
		voiceProvider = voice.NewRealtimeProvider(voice.RealtimeConfig{
			ASRWSURL:  cfg.ASRWSURL,
			ASRAPIKey: cfg.ASRAPIKey,
			TTSWSURL:  cfg.TTSWSURL,
			TTSAPIKey: cfg.TTSAPIKey,
		})
		log.Printf("voice provider: realtime")
	default: // "auto"
		if cfg.ASRWSURL != "" && cfg.TTSWSURL != "" {
			voiceProvider = voice.NewRealtimeProvider(voice.RealtimeConfig{
				ASRWSURL:  cfg.ASRWSURL,
				ASRAPIKey: cfg.ASRAPIKey,
				TTSWSURL:  cfg.TTSWSURL,
				TTSAPIKey: cfg.TTSAPIKey,
			})
			log.Printf("voice provider: realtime (auto)")
		} else {
			voiceProvider = voice.NewMockProvider()
			log.Printf("voice provider: mock (auto, no ASR_WS_URL/TTS_WS_URL configured)")
		}
	}

	sessions := session.NewManager(2 * time.Minute)
	sessions.SetExpireHook(func(r *session.Record) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	scorer := feedback.NewScorer(llmClient)

	orchestratorCfg := voice.Config{
		SegmentCharBudget: cfg.SegmentCharBudget,
		HangupTimeout:     cfg.HangupTimeout,
		ASRIdleTimeout:    cfg.ASRIdleTimeout,
		MicQueueCapacity:  cfg.MicQueueCapacity,
		VoiceA:            cfg.TTSVoiceA,
		VoiceB:            cfg.TTSVoiceB,
	}

	api := httpapi.New(cfg, sessions, voiceProvider, llmClient, scorer, metrics, orchestratorCfg)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
