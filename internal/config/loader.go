package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/teamsphere/teamsphere.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "teamsphere", "teamsphere.yaml"))
	}

	paths = append(paths, "teamsphere.yaml")

	if envPath := os.Getenv("TEAMSPHERE_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/teamsphere/teamsphere.yaml < ~/.config/teamsphere/teamsphere.yaml < ./teamsphere.yaml < $TEAMSPHERE_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TEAMSPHERE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("TEAMSPHERE_MONGO_URI"); v != "" {
		cfg.Database.MongoURI = v
	}
	if v := os.Getenv("TEAMSPHERE_SMTP_PASSWORD"); v != "" {
		cfg.Notifications.Email.Password = v
	}
	if v := os.Getenv("TEAMSPHERE_NATS_URL"); v != "" {
		cfg.Cluster.NATSURL = v
	}
	if v := os.Getenv("TEAMSPHERE_NGROK_AUTHTOKEN"); v != "" {
		cfg.Tunnel.AuthToken = v
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "mongo":
		if cfg.Database.MongoURI == "" {
			return fmt.Errorf("database.mongo_uri is required when database.driver is mongo")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or mongo, got %q", cfg.Database.Driver)
	}

	switch cfg.Notifications.StatusPolicy {
	case "append", "upsert":
	default:
		return fmt.Errorf("notifications.status_policy must be append or upsert, got %q", cfg.Notifications.StatusPolicy)
	}

	if cfg.Realtime.SendBuffer < 1 {
		return fmt.Errorf("realtime.send_buffer must be at least 1")
	}
	if cfg.Realtime.PongTimeout <= 0 {
		return fmt.Errorf("realtime.pong_timeout must be positive")
	}
	if !strings.HasPrefix(cfg.Realtime.Path, "/") {
		return fmt.Errorf("realtime.path must start with /, got %q", cfg.Realtime.Path)
	}

	if cfg.Notifications.Email.Enabled && (cfg.Notifications.Email.SMTPHost == "" || cfg.Notifications.Email.From == "") {
		return fmt.Errorf("notifications.email requires smtp_host and from when enabled")
	}

	if cfg.Cluster.Enabled && cfg.Cluster.NATSURL == "" {
		return fmt.Errorf("cluster.nats_url is required when cluster is enabled")
	}

	if cfg.Tunnel.Enabled && cfg.Tunnel.AuthToken == "" {
		return fmt.Errorf("tunnel.authtoken is required when tunnel is enabled (or set TEAMSPHERE_NGROK_AUTHTOKEN)")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Auth.SecretDir = ExpandHome(cfg.Auth.SecretDir)

	return nil
}
