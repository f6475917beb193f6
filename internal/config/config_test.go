package config

import (
	"testing"
	"time"
)

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{"OPENAI_API_KEY": "sk-test"}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Port)
	}
	if cfg.SpeechProvider != ProviderOpenAI {
		t.Errorf("Expected openai provider, got %s", cfg.SpeechProvider)
	}
	if cfg.SessionTimeout != 30*time.Minute {
		t.Errorf("Expected 30m session timeout, got %v", cfg.SessionTimeout)
	}
	if cfg.ReaperInterval != time.Minute {
		t.Errorf("Expected 60s reaper interval, got %v", cfg.ReaperInterval)
	}
	if cfg.CompletionDisconnectDelay != 2*time.Second {
		t.Errorf("Expected 2s completion delay, got %v", cfg.CompletionDisconnectDelay)
	}
	if !cfg.VADEnabled || cfg.AllowDegradedBridge {
		t.Error("Expected VAD on and degraded bridge off by default")
	}
	if cfg.EpisodesPerSeason != 7 || cfg.DailyEpisodeLimit != 3 {
		t.Errorf("Expected 7 episodes per season and 3 per day, got %d/%d", cfg.EpisodesPerSeason, cfg.DailyEpisodeLimit)
	}
	if cfg.MaxAudioFrameBytes != 512*1024 {
		t.Errorf("Expected 512KB frame bound, got %d", cfg.MaxAudioFrameBytes)
	}
	if cfg.StoreBackend != BackendMongo || cfg.MongoDatabase != "arunika" {
		t.Errorf("Expected mongo store on arunika, got %s/%s", cfg.StoreBackend, cfg.MongoDatabase)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"SPEECH_PROVIDER":             "mock",
		"SESSION_TIMEOUT":             "90",
		"REAPER_INTERVAL":             "5s",
		"COMPLETION_DISCONNECT_DELAY": "0",
		"ALLOW_DEGRADED_BRIDGE":       "true",
		"STORE_BACKEND":               "memory",
		"TRANSCRIPT_BACKEND":          "badger",
		"DAILY_EPISODE_LIMIT":         "0",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.SessionTimeout != 90*time.Second {
		t.Errorf("Expected bare seconds to parse, got %v", cfg.SessionTimeout)
	}
	if cfg.ReaperInterval != 5*time.Second {
		t.Errorf("Expected 5s, got %v", cfg.ReaperInterval)
	}
	if cfg.CompletionDisconnectDelay != 0 {
		t.Errorf("Expected no completion delay, got %v", cfg.CompletionDisconnectDelay)
	}
	if !cfg.AllowDegradedBridge {
		t.Error("Expected degraded bridge allowed")
	}
	if cfg.TranscriptBackend != BackendBadger {
		t.Errorf("Expected badger transcripts, got %s", cfg.TranscriptBackend)
	}
	if cfg.DailyEpisodeLimit != 0 {
		t.Errorf("Expected daily limit disabled, got %d", cfg.DailyEpisodeLimit)
	}
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing openai key", map[string]string{}},
		{"missing gemini key", map[string]string{"SPEECH_PROVIDER": "gemini"}},
		{"unknown provider", map[string]string{"SPEECH_PROVIDER": "carrier-pigeon"}},
		{"unknown store", map[string]string{"SPEECH_PROVIDER": "mock", "STORE_BACKEND": "badger"}},
		{"token without secret", map[string]string{"SPEECH_PROVIDER": "mock", "REQUIRE_DEVICE_TOKEN": "true"}},
		{"bad integer", map[string]string{"SPEECH_PROVIDER": "mock", "EPISODES_PER_SEASON": "seven"}},
		{"bad bool", map[string]string{"SPEECH_PROVIDER": "mock", "VAD_ENABLED": "maybe"}},
		{"bad duration", map[string]string{"SPEECH_PROVIDER": "mock", "SESSION_TIMEOUT": "soon"}},
		{"tiny frame bound", map[string]string{"SPEECH_PROVIDER": "mock", "MAX_AUDIO_FRAME_BYTES": "10"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromEnv(env(tt.env)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}
