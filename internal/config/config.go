package config

import "time"

// Config is the root configuration for TeamSphere.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Database      DatabaseConfig      `yaml:"database"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	CORS          CORSConfig          `yaml:"cors"`
	Tunnel        TunnelConfig        `yaml:"tunnel"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	SecretDir      string        `yaml:"secret_dir"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // "sqlite" or "mongo"
	Path          string `yaml:"path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

type RealtimeConfig struct {
	Path           string        `yaml:"path"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SendBuffer     int           `yaml:"send_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	RequireAuth    bool          `yaml:"require_auth"`
}

type NotificationsConfig struct {
	// StatusPolicy is "append" (one record per status change) or
	// "upsert" (one record per task and recipient).
	StatusPolicy string      `yaml:"status_policy"`
	Email        EmailConfig `yaml:"email"`
}

type EmailConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SMTPHost        string        `yaml:"smtp_host"`
	SMTPPort        int           `yaml:"smtp_port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	From            string        `yaml:"from"`
	FromName        string        `yaml:"from_name"`
	Events          []string      `yaml:"events"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

type ClusterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats_url"`
	NATSUser      string `yaml:"nats_user"`
	NATSPass      string `yaml:"nats_pass"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
}

// TunnelConfig exposes the server through an ngrok endpoint, for demos and
// mobile clients that cannot reach the private address.
type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"authtoken"`
	Domain    string `yaml:"domain"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     3001,
			LogLevel: "info",
		},
		Auth: AuthConfig{
			SecretDir:      "~/.config/teamsphere",
			Issuer:         "teamsphere",
			AccessTokenTTL: 1 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver:        "sqlite",
			Path:          "~/.config/teamsphere/teamsphere.db",
			MongoDatabase: "teamsphere",
		},
		Realtime: RealtimeConfig{
			Path:           "/ws",
			SendBuffer:     64,
			WriteTimeout:   10 * time.Second,
			PongTimeout:    60 * time.Second,
			MaxMessageSize: 65536, // 64KB, enough for a task description edit
		},
		Notifications: NotificationsConfig{
			StatusPolicy: "append",
			Email: EmailConfig{
				SMTPPort:        587,
				FromName:        "Task Manager",
				Events:          []string{"task_created"},
				BreakerFailures: 5,
				BreakerTimeout:  30 * time.Second,
			},
		},
		Cluster: ClusterConfig{
			SubjectPrefix: "teamsphere",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "teamsphere",
			Insecure:    true,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		},
	}
}
