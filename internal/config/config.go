package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigError marks a configuration lookup or validation failure. It is
// fatal and surfaced before any conversation turn starts.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %v", e.Err) }

func (e *ConfigError) Unwrap() error { return e.Err }

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	FileBaseDir   string `json:"file_base_dir"`
	// UploadTTL and UploadCleanInterval are minutes.
	UploadTTL           int `json:"upload_ttl"`
	UploadCleanInterval int `json:"upload_clean_interval"`
	// SessionKeyTTL is hours.
	SessionKeyTTL int `json:"session_key_ttl"`
	// HistoryWindow bounds how many trailing turns are sent to the model.
	HistoryWindow   int    `json:"history_window"`
	DefaultPersona  string `json:"default_persona"`
	DefaultProvider string `json:"default_provider"`
	EnableWebSearch bool   `json:"enable_web_search"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("resolve config path: %w", err)}
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("open config %s: %w", absPath, err)}
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decode config: %w", err)}
	}

	if len(cfg.Providers) == 0 {
		return nil, &ConfigError{Err: fmt.Errorf("at least one provider must be configured")}
	}
	if len(cfg.Databases) == 0 {
		return nil, &ConfigError{Err: fmt.Errorf("at least one database must be configured")}
	}

	return &cfg, nil
}

// Provider returns the configuration for the named provider.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	prov, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, &ConfigError{Err: fmt.Errorf("provider %s not configured", name)}
	}
	return prov, nil
}
