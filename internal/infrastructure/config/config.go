package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport types.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// minJWTSecretLen is the shortest accepted HS256 signing key.
const minJWTSecretLen = 32

// Config is the root configuration structure for HAL.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site          SiteConfig          `yaml:"site"`
	Environment   string              `yaml:"environment"`
	Scripts       ScriptsConfig       `yaml:"scripts"`
	Transport     TransportConfig     `yaml:"transport"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Database      DatabaseConfig      `yaml:"database"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	API           APIConfig           `yaml:"api"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// ScriptsConfig controls discovery and execution of automation scripts.
type ScriptsConfig struct {
	// Folder is the directory scanned for script files.
	Folder string `yaml:"folder"`

	// Extension is the recognised script file extension, including the dot.
	Extension string `yaml:"extension"`

	// PrivatePrefix marks files that are never loaded as scripts (helpers, drafts).
	PrivatePrefix string `yaml:"private_prefix"`

	// TimeoutMS is the execution quota for a single script invocation.
	TimeoutMS int `yaml:"timeout_ms"`

	// DebounceMS is the quiet window used to coalesce folder change events.
	DebounceMS int `yaml:"debounce_ms"`

	// PruneRemoved ends and evicts scripts whose file disappeared from the folder.
	// When false, such scripts stay resident until restart.
	PruneRemoved bool `yaml:"prune_removed"`

	// LogOutput routes script print/log output to the application logger.
	LogOutput bool `yaml:"log_output"`
}

// TransportConfig selects how entity snapshots are received and commands sent.
type TransportConfig struct {
	// Type is "websocket" (Home Assistant API) or "mqtt" (bridge topics).
	Type string `yaml:"type"`
}

// HomeAssistantConfig contains Home Assistant websocket API settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// ReconnectDelay is the wait between reconnect attempts (seconds).
	ReconnectDelay int `yaml:"reconnect_delay"`

	// CallTimeout bounds a single call_service round trip (seconds).
	CallTimeout int `yaml:"call_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// DatabaseConfig contains SQLite settings for the run history.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays drops run history older than this many days. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP status server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
	Auth      APIAuthConfig    `yaml:"auth"`
}

// APIAuthConfig controls bearer-token authentication on /api/v1.
// The health endpoint and /metrics stay open.
type APIAuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"` // HS256 signing key; prefer HAL_API_JWT_SECRET
	TokenTTL  int    `yaml:"token_ttl"`  // minutes, for tokens issued by "hal token"
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
// An empty AllowedOrigins list allows every origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains settings for the live run stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HAL_SECTION_KEY
// For example: HAL_SCRIPTS_FOLDER, HAL_HASS_TOKEN
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "home",
			Name:     "HAL",
			Timezone: "UTC",
		},
		Environment: "development",
		Scripts: ScriptsConfig{
			Folder:        "./scripts",
			Extension:     ".lua",
			PrivatePrefix: "_",
			TimeoutMS:     1000,
			DebounceMS:    1000,
		},
		Transport: TransportConfig{
			Type: TransportWebSocket,
		},
		HomeAssistant: HomeAssistantConfig{
			URL:            "http://localhost:8123",
			ReconnectDelay: 5,
			CallTimeout:    10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hal",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "hal",
		},
		Database: DatabaseConfig{
			Path:          "./data/hal.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8096,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
			Auth: APIAuthConfig{
				TokenTTL: 60 * 24,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HAL_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HAL_ENV"); v != "" {
		cfg.Environment = v
	}

	// Scripts
	if v := os.Getenv("HAL_SCRIPTS_FOLDER"); v != "" {
		cfg.Scripts.Folder = v
	}

	// Home Assistant
	if v := os.Getenv("HAL_HASS_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := os.Getenv("HAL_HASS_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}

	// MQTT
	if v := os.Getenv("HAL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HAL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HAL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("HAL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("HAL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("HAL_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// Logging
	if v := os.Getenv("HAL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment is required")
	}

	if c.Site.Timezone != "" {
		if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("site.timezone %q is not a known location", c.Site.Timezone))
		}
	}

	// Scripts
	if c.Scripts.Folder == "" {
		errs = append(errs, "scripts.folder is required")
	}
	if !strings.HasPrefix(c.Scripts.Extension, ".") {
		errs = append(errs, "scripts.extension must start with a dot")
	}
	if c.Scripts.TimeoutMS <= 0 {
		errs = append(errs, "scripts.timeout_ms must be positive")
	}
	if c.Scripts.DebounceMS < 0 {
		errs = append(errs, "scripts.debounce_ms must not be negative")
	}

	// Transport
	switch c.Transport.Type {
	case TransportWebSocket:
		if c.HomeAssistant.URL == "" {
			errs = append(errs, "homeassistant.url is required for the websocket transport")
		}
		if c.HomeAssistant.Token == "" {
			errs = append(errs, "homeassistant.token is required (set HAL_HASS_TOKEN environment variable)")
		}
	case TransportMQTT:
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required for the mqtt transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.type must be %q or %q", TransportWebSocket, TransportMQTT))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the run history is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Enabled && (c.API.WebSocket.PingInterval <= 0 || c.API.WebSocket.PongTimeout <= 0) {
		errs = append(errs, "api.websocket ping_interval and pong_timeout must be positive")
	}
	if c.API.Enabled && c.API.Auth.Enabled {
		if len(c.API.Auth.JWTSecret) < minJWTSecretLen {
			errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d bytes (set HAL_API_JWT_SECRET environment variable)", minJWTSecretLen))
		}
		if c.API.Auth.TokenTTL <= 0 {
			errs = append(errs, "api.auth.token_ttl must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ScriptTimeout returns the per-invocation script quota as a Duration.
func (c *Config) ScriptTimeout() time.Duration {
	return time.Duration(c.Scripts.TimeoutMS) * time.Millisecond
}

// DebounceWindow returns the folder change coalescing window as a Duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Scripts.DebounceMS) * time.Millisecond
}

// Location returns the site time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil || c.Site.Timezone == "" {
		return time.UTC
	}
	return loc
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
