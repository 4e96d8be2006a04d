package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerURL        string        `yaml:"serverUrl"`
	CredentialFile   string        `yaml:"credentialFile"`
	StateDir         string        `yaml:"stateDir"`
	ListenPort       int           `yaml:"listenPort"`
	GinMode          string        `yaml:"ginMode"`
	LogLevel         string        `yaml:"logLevel"`
	MaxQueueSize     int           `yaml:"maxQueueSize"`
	MaxOfflineTime   time.Duration `yaml:"maxOfflineTime"`
	HeartbeatProfile string        `yaml:"heartbeatProfile"`
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// LoadConfig layers defaults, an optional YAML file named by
// HAPPY_SYNC_CONFIG, and environment overrides.
func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		ServerURL:      "https://api.cluster.happy.engineering",
		CredentialFile: defaultPath(env, "credential.json"),
		StateDir:       defaultPath(env, ""),
		ListenPort:     3001,
		GinMode:        "release",
		LogLevel:       "info",
		MaxQueueSize:   1000,
		MaxOfflineTime: 24 * time.Hour,
	}

	if path := env.Getenv("HAPPY_SYNC_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if raw := env.Getenv("HAPPY_SERVER_URL"); raw != "" {
		cfg.ServerURL = raw
	}
	if raw := env.Getenv("HAPPY_CREDENTIAL_FILE"); raw != "" {
		cfg.CredentialFile = raw
	}
	if raw := env.Getenv("HAPPY_STATE_DIR"); raw != "" {
		cfg.StateDir = raw
	}
	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.ListenPort = port
	}
	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := env.Getenv("HAPPY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("HAPPY_MAX_QUEUE_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid HAPPY_MAX_QUEUE_SIZE")
		}
		cfg.MaxQueueSize = n
	}
	if raw := env.Getenv("HAPPY_MAX_OFFLINE_HOURS"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			return Config{}, fmt.Errorf("invalid HAPPY_MAX_OFFLINE_HOURS")
		}
		cfg.MaxOfflineTime = time.Duration(hours) * time.Hour
	}
	if raw := env.Getenv("HAPPY_HEARTBEAT_PROFILE"); raw != "" {
		cfg.HeartbeatProfile = raw
	}

	if cfg.ServerURL == "" {
		return Config{}, fmt.Errorf("server URL is required")
	}
	return cfg, nil
}

func defaultPath(env Env, name string) string {
	base := env.Getenv("HOME")
	if base == "" {
		base = "."
	}
	dir := base + "/.happy-sync"
	if name == "" {
		return dir
	}
	return dir + "/" + name
}
