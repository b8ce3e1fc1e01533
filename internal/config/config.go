package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "CLAUDE_PHONE_"

type TTSProvider string

const (
	TTSProviderElevenLabs TTSProvider = "elevenlabs"
	TTSProviderDeepgram   TTSProvider = "deepgram"
)

type Config struct {
	Addr string

	// PublicTapURL is the websocket base the media server forks caller
	// audio to, e.g. ws://engine:3000/tap. The call id is appended.
	PublicTapURL string
	// OriginateURL receives outbound call requests. Empty disables
	// outbound calling.
	OriginateURL string
	CallerID     string

	MediaEncoding   string
	MediaSampleRate int

	BackendKind string
	CLICommand  string
	CLIArgs     []string
	CLIModel    string
	CLIWorkDir  string
	// CLIProfileFile is a dotenv file with credentials for the CLI.
	CLIProfileFile string
	CLIUnsetEnv    []string

	HTTPProvider  string
	HTTPAPIKey    string
	HTTPModel     string
	HTTPBaseURL   string
	HTTPWebSearch bool

	DeepgramAPIKey   string
	DeepgramSTTModel string

	TTSProvider      TTSProvider
	ElevenLabsAPIKey string
	ElevenLabsModel  string

	CaptureTimeout    time.Duration
	HandshakeTimeout  time.Duration
	BackendTimeout    time.Duration
	StructuredTimeout time.Duration
	MaxTurns          int

	// SessionIdleTimeout releases /ask sessions nobody has used for this long.
	SessionIdleTimeout time.Duration

	DevicesFile   string
	HoldMusicFile string

	TraceStdout         bool
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// Load reads .env from the working directory, if present, and then the
// process environment. Variables already set in the environment win.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:         envOr(envPrefix+"ADDR", ":3000"),
		PublicTapURL: strings.TrimSuffix(envOr(envPrefix+"PUBLIC_TAP_URL", "ws://127.0.0.1:3000/tap"), "/"),
		OriginateURL: envOr(envPrefix+"ORIGINATE_URL", ""),
		CallerID:     envOr(envPrefix+"CALLER_ID", ""),

		MediaEncoding:   envOr(envPrefix+"MEDIA_ENCODING", "mulaw"),
		MediaSampleRate: envIntOr(envPrefix+"MEDIA_SAMPLE_RATE", 8000),

		BackendKind:    envOr(envPrefix+"BACKEND", "cli-stream"),
		CLICommand:     envOr(envPrefix+"CLI_COMMAND", "claude"),
		CLIArgs:        splitCSV(os.Getenv(envPrefix + "CLI_ARGS")),
		CLIModel:       envOr(envPrefix+"CLI_MODEL", ""),
		CLIWorkDir:     envOr(envPrefix+"CLI_WORKDIR", ""),
		CLIProfileFile: envOr(envPrefix+"CLI_PROFILE", ""),
		CLIUnsetEnv:    splitCSV(os.Getenv(envPrefix + "CLI_UNSET_ENV")),

		HTTPProvider:  envOr(envPrefix+"HTTP_PROVIDER", "openai"),
		HTTPAPIKey:    envOr(envPrefix+"HTTP_API_KEY", ""),
		HTTPModel:     envOr(envPrefix+"HTTP_MODEL", ""),
		HTTPBaseURL:   envOr(envPrefix+"HTTP_BASE_URL", ""),
		HTTPWebSearch: envBoolOr(envPrefix+"HTTP_WEB_SEARCH", false),

		DeepgramAPIKey:   envOr(envPrefix+"DEEPGRAM_API_KEY", envOr("DEEPGRAM_API_KEY", "")),
		DeepgramSTTModel: envOr(envPrefix+"STT_MODEL", ""),

		TTSProvider:      TTSProvider(strings.ToLower(envOr(envPrefix+"TTS_PROVIDER", string(TTSProviderElevenLabs)))),
		ElevenLabsAPIKey: envOr(envPrefix+"ELEVENLABS_API_KEY", envOr("ELEVENLABS_API_KEY", "")),
		ElevenLabsModel:  envOr(envPrefix+"ELEVENLABS_MODEL", ""),

		CaptureTimeout:    envDurationOr(envPrefix+"CAPTURE_TIMEOUT", 30*time.Second),
		HandshakeTimeout:  envDurationOr(envPrefix+"HANDSHAKE_TIMEOUT", 10*time.Second),
		BackendTimeout:    envDurationOr(envPrefix+"BACKEND_TIMEOUT", 30*time.Second),
		StructuredTimeout: envDurationOr(envPrefix+"STRUCTURED_TIMEOUT", 90*time.Second),
		MaxTurns:          envIntOr(envPrefix+"MAX_TURNS", 20),

		SessionIdleTimeout: envDurationOr(envPrefix+"SESSION_IDLE_TIMEOUT", 30*time.Minute),

		DevicesFile:   envOr(envPrefix+"DEVICES_FILE", ""),
		HoldMusicFile: envOr(envPrefix+"HOLD_MUSIC_FILE", ""),

		TraceStdout:         envBoolOr(envPrefix+"TRACE_STDOUT", false),
		ReadHeaderTimeout:   envDurationOr(envPrefix+"READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr(envPrefix+"SHUTDOWN_GRACE", 15*time.Second),
	}

	switch cfg.BackendKind {
	case "cli-stream", "cli-file":
		if cfg.CLICommand == "" {
			return Config{}, fmt.Errorf("CLAUDE_PHONE_CLI_COMMAND must be set for backend %s", cfg.BackendKind)
		}
	case "http":
		switch cfg.HTTPProvider {
		case "openai", "gemini", "groq":
		default:
			return Config{}, fmt.Errorf("CLAUDE_PHONE_HTTP_PROVIDER must be one of openai|gemini|groq")
		}
	default:
		return Config{}, fmt.Errorf("CLAUDE_PHONE_BACKEND must be one of cli-stream|cli-file|http")
	}

	switch cfg.TTSProvider {
	case TTSProviderElevenLabs, TTSProviderDeepgram:
	default:
		return Config{}, fmt.Errorf("CLAUDE_PHONE_TTS_PROVIDER must be one of elevenlabs|deepgram")
	}

	if cfg.MediaSampleRate <= 0 {
		return Config{}, fmt.Errorf("CLAUDE_PHONE_MEDIA_SAMPLE_RATE must be > 0")
	}
	if cfg.CaptureTimeout <= 0 {
		return Config{}, fmt.Errorf("CLAUDE_PHONE_CAPTURE_TIMEOUT must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CLAUDE_PHONE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.BackendTimeout <= 0 {
		return Config{}, fmt.Errorf("CLAUDE_PHONE_BACKEND_TIMEOUT must be > 0")
	}
	if cfg.StructuredTimeout <= 0 {
		return Config{}, fmt.Errorf("CLAUDE_PHONE_STRUCTURED_TIMEOUT must be > 0")
	}
	if cfg.MaxTurns <= 0 {
		return Config{}, fmt.Errorf("CLAUDE_PHONE_MAX_TURNS must be > 0")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("CLAUDE_PHONE_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CLAUDE_PHONE_SHUTDOWN_GRACE must be > 0")
	}
	if !strings.HasPrefix(cfg.PublicTapURL, "ws://") && !strings.HasPrefix(cfg.PublicTapURL, "wss://") {
		return Config{}, fmt.Errorf("CLAUDE_PHONE_PUBLIC_TAP_URL must be a ws:// or wss:// url")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
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
