package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Speech providers
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderMock   = "mock"
)

// Storage backends
const (
	BackendMongo  = "mongo"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config is the process configuration read from the environment
type Config struct {
	Port     string
	LogLevel string

	JWTSecret          string
	JWTTTL             time.Duration
	RequireDeviceToken bool

	SpeechProvider          string
	OpenAIAPIKey            string
	OpenAIRealtimeURL       string
	OpenAIVoice             string
	GeminiAPIKey            string
	GeminiLiveModel         string
	VADEnabled              bool
	AllowDegradedBridge     bool
	PrehandshakeBufferBytes int

	SessionTimeout            time.Duration
	ReaperInterval            time.Duration
	CompletionDisconnectDelay time.Duration
	EpisodesPerSeason         int
	DailyEpisodeLimit         int
	MaxAudioFrameBytes        int

	StoreBackend      string
	TranscriptBackend string
	BadgerDir         string
	MongoURI          string
	MongoDatabase     string
	SeedFile          string
}

// Load reads .env when present, then the process environment
func Load() (*Config, error) {
	// A missing .env file is fine in production
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a config from a lookup function and validates it
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}
	cfg := &Config{
		Port:     r.str("PORT", "8080"),
		LogLevel: r.str("LOG_LEVEL", "info"),

		JWTSecret:          r.str("JWT_SECRET", ""),
		JWTTTL:             r.duration("JWT_TTL", 24*time.Hour),
		RequireDeviceToken: r.boolean("REQUIRE_DEVICE_TOKEN", false),

		SpeechProvider:          r.str("SPEECH_PROVIDER", ProviderOpenAI),
		OpenAIAPIKey:            r.str("OPENAI_API_KEY", ""),
		OpenAIRealtimeURL:       r.str("OPENAI_REALTIME_URL", ""),
		OpenAIVoice:             r.str("OPENAI_VOICE", ""),
		GeminiAPIKey:            r.str("GEMINI_API_KEY", ""),
		GeminiLiveModel:         r.str("GEMINI_LIVE_MODEL", ""),
		VADEnabled:              r.boolean("VAD_ENABLED", true),
		AllowDegradedBridge:     r.boolean("ALLOW_DEGRADED_BRIDGE", false),
		PrehandshakeBufferBytes: r.integer("PREHANDSHAKE_BUFFER_BYTES", 64000),

		SessionTimeout:            r.duration("SESSION_TIMEOUT", 30*time.Minute),
		ReaperInterval:            r.duration("REAPER_INTERVAL", 60*time.Second),
		CompletionDisconnectDelay: r.duration("COMPLETION_DISCONNECT_DELAY", 2*time.Second),
		EpisodesPerSeason:         r.integer("EPISODES_PER_SEASON", 7),
		DailyEpisodeLimit:         r.integer("DAILY_EPISODE_LIMIT", 3),
		MaxAudioFrameBytes:        r.integer("MAX_AUDIO_FRAME_BYTES", 512*1024),

		StoreBackend:      r.str("STORE_BACKEND", BackendMongo),
		TranscriptBackend: r.str("TRANSCRIPT_BACKEND", BackendMongo),
		BadgerDir:         r.str("BADGER_DIR", "data/transcripts"),
		MongoURI:          r.str("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:     r.str("MONGODB_DATABASE", "arunika"),
		SeedFile:          r.str("SEED_FILE", ""),
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns the first configuration error
func (c *Config) Validate() error {
	switch c.SpeechProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required for the openai speech provider")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required for the gemini speech provider")
		}
	case ProviderMock:
	default:
		return fmt.Errorf("unknown SPEECH_PROVIDER %q", c.SpeechProvider)
	}

	switch c.StoreBackend {
	case BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.TranscriptBackend {
	case BackendMongo, BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("unknown TRANSCRIPT_BACKEND %q", c.TranscriptBackend)
	}

	if c.RequireDeviceToken && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required when REQUIRE_DEVICE_TOKEN is set")
	}
	if c.SessionTimeout <= 0 || c.ReaperInterval <= 0 {
		return errors.New("SESSION_TIMEOUT and REAPER_INTERVAL must be positive")
	}
	if c.EpisodesPerSeason < 1 {
		return errors.New("EPISODES_PER_SEASON must be at least 1")
	}
	if c.DailyEpisodeLimit < 0 {
		return errors.New("DAILY_EPISODE_LIMIT cannot be negative")
	}
	if c.MaxAudioFrameBytes < 100 {
		return errors.New("MAX_AUDIO_FRAME_BYTES must be at least 100")
	}
	return nil
}

// reader keeps the first parse error so FromEnv reads like a list
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key, def string) string {
	if v := r.getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}

// duration accepts Go durations ("90s") or a bare number of seconds
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
