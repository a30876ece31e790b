// Package config loads trailsd configuration from an optional TOML file
// with TRAILS_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddr     string `toml:"listen_addr"`
	StoreDSN       string `toml:"store_dsn"`
	ServerInstance string `toml:"server_instance"`
	SecurityTier   string `toml:"security_tier"`
	KeyFile        string `toml:"key_file"`
	LogLevel       string `toml:"log_level"`

	RegistrationTimeout  duration `toml:"registration_timeout"`
	StartDeadlineCeiling duration `toml:"start_deadline_ceiling"`
	DefaultStartDeadline duration `toml:"default_start_deadline"`
	ReconnectGrace       duration `toml:"reconnect_grace"`
	StartupGrace         duration `toml:"startup_grace"`
	IntentTimeout        duration `toml:"intent_timeout"`
	ShutdownDrain        duration `toml:"shutdown_drain"`

	CrashDowngrade    string `toml:"crash_downgrade"`
	AutoCreateIntents bool   `toml:"auto_create_intents"`
	EventBuffer       int    `toml:"event_buffer"`
}

// duration lets TOML carry values like "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) Std() time.Duration { return time.Duration(d) }

// Load resolves defaults, then the TOML file at path (optional, "" or a
// missing file is fine unless TRAILS_CONFIG named it explicitly), then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	path = strings.TrimSpace(path)
	explicit := false
	if env := strings.TrimSpace(os.Getenv("TRAILS_CONFIG")); env != "" {
		path = env
		explicit = true
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) || explicit {
				return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:           ":8443",
		StoreDSN:             "memory://",
		ServerInstance:       hostname(),
		SecurityTier:         "signed",
		LogLevel:             "info",
		RegistrationTimeout:  duration(30 * time.Second),
		StartDeadlineCeiling: duration(24 * time.Hour),
		DefaultStartDeadline: duration(300 * time.Second),
		ReconnectGrace:       duration(60 * time.Second),
		StartupGrace:         duration(120 * time.Second),
		IntentTimeout:        duration(5 * time.Second),
		ShutdownDrain:        duration(2 * time.Second),
		CrashDowngrade:       "auto",
		EventBuffer:          4096,
	}
}

func applyEnv(cfg *Config) {
	strEnv("TRAILS_ADDR", &cfg.ListenAddr)
	strEnv("TRAILS_STORE_DSN", &cfg.StoreDSN)
	strEnv("TRAILS_SERVER_INSTANCE", &cfg.ServerInstance)
	strEnv("TRAILS_SECURITY_TIER", &cfg.SecurityTier)
	strEnv("TRAILS_KEY_FILE", &cfg.KeyFile)
	strEnv("TRAILS_LOG_LEVEL", &cfg.LogLevel)
	strEnv("TRAILS_CRASH_DOWNGRADE", &cfg.CrashDowngrade)
	durEnv("TRAILS_REGISTRATION_TIMEOUT", &cfg.RegistrationTimeout)
	durEnv("TRAILS_START_DEADLINE_CEILING", &cfg.StartDeadlineCeiling)
	durEnv("TRAILS_DEFAULT_START_DEADLINE", &cfg.DefaultStartDeadline)
	durEnv("TRAILS_RECONNECT_GRACE", &cfg.ReconnectGrace)
	durEnv("TRAILS_STARTUP_GRACE", &cfg.StartupGrace)
	durEnv("TRAILS_INTENT_TIMEOUT", &cfg.IntentTimeout)
	durEnv("TRAILS_SHUTDOWN_DRAIN", &cfg.ShutdownDrain)
	boolEnv("TRAILS_AUTO_CREATE_INTENTS", &cfg.AutoCreateIntents)
	intEnv("TRAILS_EVENT_BUFFER", &cfg.EventBuffer)
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("config missing listen_addr")
	}
	if strings.TrimSpace(cfg.StoreDSN) == "" {
		return fmt.Errorf("config missing store_dsn")
	}
	if strings.TrimSpace(cfg.ServerInstance) == "" {
		return fmt.Errorf("config missing server_instance")
	}
	switch cfg.SecurityTier {
	case "open", "signed", "full":
	default:
		return fmt.Errorf("invalid security_tier: %s", cfg.SecurityTier)
	}
	switch cfg.CrashDowngrade {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("invalid crash_downgrade: %s", cfg.CrashDowngrade)
	}
	return nil
}

func strEnv(name string, out *string) {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		*out = raw
	}
}

func durEnv(name string, out *duration) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return
	}
	*out = duration(value)
}

func boolEnv(name string, out *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return
	}
	*out = value
}

func intEnv(name string, out *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	*out = value
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "trailsd"
	}
	return name
}
