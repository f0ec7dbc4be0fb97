package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice daemon and CLI.
type Config struct {
	SocketPath string
	PidPath    string

	IdleTimeout     time.Duration
	ClientTimeout   time.Duration
	SpawnWait       time.Duration
	StopGracePeriod time.Duration

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	DefaultVoice  string

	SampleRate int
	// AudioBackend selects the engine implementation: "device" for real
	// hardware, "loopback" for machines without a duplex device.
	AudioBackend string

	MetricsAddr string
	DatabaseURL string

	Timing Timing
}

// Timing groups the empirically tuned orchestrator constants. They are
// configuration defaults rather than hard-coded assumptions; the relaxed
// loudness heuristic and the evidence window in particular have no derivation
// beyond field tuning.
type Timing struct {
	ResponseStartTimeout time.Duration
	DefaultAskTimeout    time.Duration
	NoTranscriptTimeout  time.Duration
	CapturePollInterval  time.Duration
	// AskDeadline is the absolute bound on one ask turn; every stalled
	// phase terminates by this point even when no phase timer is armed.
	AskDeadline time.Duration

	EchoGuardWindow    time.Duration
	EvidencePreRoll    time.Duration
	EvidencePostRoll   time.Duration
	EvidenceThreshold  float64
	RelaxedThreshold   float64
	EvidenceRelaxAfter time.Duration

	SaySettleDelay    time.Duration
	SayFallbackDelay  time.Duration
	DrainPollInterval time.Duration
	DrainZeroStreak   int
	DrainStallBound   time.Duration
	SayDeadline       time.Duration
}

// DefaultTiming returns the tuned defaults used when the environment does not
// override them.
func DefaultTiming() Timing {
	return Timing{
		ResponseStartTimeout: 10 * time.Second,
		DefaultAskTimeout:    30 * time.Second,
		NoTranscriptTimeout:  10 * time.Second,
		CapturePollInterval:  30 * time.Millisecond,
		AskDeadline:          2 * time.Minute,
		EchoGuardWindow:      350 * time.Millisecond,
		EvidencePreRoll:      300 * time.Millisecond,
		EvidencePostRoll:     1500 * time.Millisecond,
		EvidenceThreshold:    500,
		RelaxedThreshold:     300,
		EvidenceRelaxAfter:   1200 * time.Millisecond,
		SaySettleDelay:       200 * time.Millisecond,
		SayFallbackDelay:     1500 * time.Millisecond,
		DrainPollInterval:    50 * time.Millisecond,
		DrainZeroStreak:      3,
		DrainStallBound:      1200 * time.Millisecond,
		SayDeadline:          2 * time.Minute,
	}
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	runtimeDir, err := defaultRuntimeDir()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		SocketPath:      envOrDefault("VOXD_SOCKET", filepath.Join(runtimeDir, "voxd.sock")),
		PidPath:         envOrDefault("VOXD_PID_FILE", filepath.Join(runtimeDir, "voxd.pid")),
		IdleTimeout:     5 * time.Minute,
		ClientTimeout:   5 * time.Minute,
		SpawnWait:       5 * time.Second,
		StopGracePeriod: 5 * time.Second,
		OpenAIAPIKey:    stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:   envOrDefault("VOXD_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIModel:     envOrDefault("VOXD_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		DefaultVoice:    envOrDefault("VOXD_VOICE", "marin"),
		SampleRate:      24000,
		AudioBackend:    envOrDefault("VOXD_AUDIO_BACKEND", "device"),
		MetricsAddr:     stringsTrimSpace("VOXD_METRICS_ADDR"),
		DatabaseURL:     stringsTrimSpace("VOXD_DATABASE_URL"),
		Timing:          DefaultTiming(),
	}

	cfg.IdleTimeout, err = durationFromEnv("VOXD_IDLE_TIMEOUT", cfg.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ClientTimeout, err = durationFromEnv("VOXD_CLIENT_TIMEOUT", cfg.ClientTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SpawnWait, err = durationFromEnv("VOXD_SPAWN_WAIT", cfg.SpawnWait)
	if err != nil {
		return Config{}, err
	}
	cfg.StopGracePeriod, err = durationFromEnv("VOXD_STOP_GRACE", cfg.StopGracePeriod)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("VOXD_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.Timing.DefaultAskTimeout, err = durationFromEnv("VOXD_ASK_TIMEOUT", cfg.Timing.DefaultAskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Timing.EchoGuardWindow, err = durationFromEnv("VOXD_ECHO_GUARD", cfg.Timing.EchoGuardWindow)
	if err != nil {
		return Config{}, err
	}

	if cfg.SampleRate < 8000 {
		return Config{}, fmt.Errorf("VOXD_SAMPLE_RATE must be at least 8000")
	}
	if cfg.IdleTimeout < 10*time.Second {
		return Config{}, fmt.Errorf("VOXD_IDLE_TIMEOUT must be at least 10s")
	}
	if cfg.AudioBackend != "device" && cfg.AudioBackend != "loopback" {
		return Config{}, fmt.Errorf("VOXD_AUDIO_BACKEND must be device or loopback")
	}

	return cfg, nil
}

// defaultRuntimeDir resolves the per-user directory holding the daemon's
// socket and pid artifacts.
func defaultRuntimeDir() (string, error) {
	if dir := stringsTrimSpace("VOXD_RUNTIME_DIR"); dir != "" {
		return dir, nil
	}
	if dir := stringsTrimSpace("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "voxd"), nil
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve runtime dir: %w", err)
	}
	return filepath.Join(cache, "voxd"), nil
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
