package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the Massiv client.
type Config struct {
	// Address of the music server. Scheme and port are optional; bare
	// host names are normalized to ws://<host>:8095/ws.
	ServerAddress string `env:"MASSIV_SERVER"`

	// OwnerName is the user-facing display label used to derive this
	// installation's player name and to search for adoptable ghost
	// registrations on first run.
	OwnerName string `env:"MASSIV_OWNER_NAME"`

	// PlayerName overrides the derived "<owner>'s Phone" display name.
	PlayerName string `env:"MASSIV_PLAYER_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Protocol tunables. The defaults match the values the server was
	// tuned against; they are configurable rather than hard-coded so a
	// deployment can adjust them without a rebuild.
	RequestTimeout       time.Duration `env:"MASSIV_REQUEST_TIMEOUT" envDefault:"30s"`
	ReconnectDelay       time.Duration `env:"MASSIV_RECONNECT_DELAY" envDefault:"3s"`
	HeartbeatInterval    time.Duration `env:"MASSIV_HEARTBEAT_INTERVAL" envDefault:"1s"`
	RegistrationAttempts int           `env:"MASSIV_REGISTRATION_ATTEMPTS" envDefault:"3"`
	RegistrationBackoff  time.Duration `env:"MASSIV_REGISTRATION_BACKOFF" envDefault:"500ms"`
	VerifyDelay          time.Duration `env:"MASSIV_VERIFY_DELAY" envDefault:"500ms"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing server addresses and labels to other
// users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("MASSIV_SERVER is required")
	}

	if c.RegistrationAttempts < 1 {
		return fmt.Errorf("MASSIV_REGISTRATION_ATTEMPTS must be at least 1")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("MASSIV_REQUEST_TIMEOUT must be positive")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("MASSIV_RECONNECT_DELAY must be positive")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("MASSIV_HEARTBEAT_INTERVAL must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// FallbackPlayerName returns the hostname-based display name used when
// neither an explicit player name nor an owner label is configured.
func FallbackPlayerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "massiv"
	}

	return hostname
}
