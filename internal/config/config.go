package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server  ServerConfig
	Auth    AuthConfig
	Storage StorageConfig
	Worker  WorkerConfig
	Breaker BreakerConfig
	Notify  NotifyConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type AuthConfig struct {
	JWTSecret     string
	TokenTTLHours int
}

type StorageConfig struct {
	DataDir string
}

type WorkerConfig struct {
	Count          int
	PollIntervalMs int
}

type BreakerConfig struct {
	FailureThreshold    int
	RecoveryTimeoutSecs int
	TrialLimit          int
}

type NotifyConfig struct {
	Buffer int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Auth: AuthConfig{
			TokenTTLHours: 24,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Worker: WorkerConfig{
			Count:          2,
			PollIntervalMs: 500,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			RecoveryTimeoutSecs: 30,
			TrialLimit:          3,
		},
		Notify: NotifyConfig{
			Buffer: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.searchd.app) and the JWT
// secret falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/searchd/config.json
// and the secret falls back to a secrets file under $XDG_DATA_HOME/searchd.
//
// Environment variables (SEARCHD_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store if the secret is still empty.
	if cfg.Auth.JWTSecret == "" {
		if key, err := kc.Get("searchd", "jwt_secret"); err == nil && key != "" {
			cfg.Auth.JWTSecret = key
		}
	}

	if cfg.Auth.JWTSecret == "" {
		msg := "missing required config: JWT secret. " +
			"Set it via environment variable SEARCHD_JWT_SECRET" +
			secretHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
