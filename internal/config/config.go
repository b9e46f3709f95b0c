package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/micro-ha/ryobi-gdo/addon/internal/backoff"
)

const (
	defaultHTTPAddr          = ":8099"
	defaultDBPath            = "/data/ryobi_gdo.db"
	defaultAddonOptionsPath  = "/data/options.json"
	defaultCloudURL          = "https://tti.tiwiconnect.com"
	defaultRealtimeURL       = "wss://tti.tiwiconnect.com/api/wsrpc"
	defaultRequestTimeout    = 10 * time.Second
	defaultStableAfter       = 2 * time.Minute
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 45 * time.Second
	defaultAuthTimeout       = 15 * time.Second
	defaultSubscribeTimeout  = 10 * time.Second
	defaultCommandTimeout    = 20 * time.Second
	defaultCommandQueueSize  = 16
	defaultStaleAfter        = 5 * time.Minute
	defaultPollInterval      = 5 * time.Minute
	defaultMQTTTopicPrefix   = "ryobi_gdo"
	defaultDiscoveryPrefix   = "homeassistant"
)

var ErrMissingCredentials = errors.New("config: account username and password are required")

// Config stores runtime settings. Sources apply in order: defaults, the YAML
// file named by CONFIG_FILE, the add-on options JSON, then environment variables.
type Config struct {
	HTTPAddr         string     `yaml:"http_addr"`
	StaticDir        string     `yaml:"static_dir"`
	DBPath           string     `yaml:"db_path"`
	AddonOptionsPath string     `yaml:"-"`
	ConfigFile       string     `yaml:"-"`
	LogLevel         slog.Level `yaml:"log_level"`
	LogFormat        string     `yaml:"log_format"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	CloudURL          string         `yaml:"cloud_url"`
	RealtimeURL       string         `yaml:"realtime_url"`
	RequestTimeout    time.Duration  `yaml:"request_timeout"`
	Backoff           backoff.Config `yaml:"backoff"`
	StableAfter       time.Duration  `yaml:"stable_after"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration  `yaml:"heartbeat_timeout"`
	AuthTimeout       time.Duration  `yaml:"auth_timeout"`
	SubscribeTimeout  time.Duration  `yaml:"subscribe_timeout"`
	CommandTimeout    time.Duration  `yaml:"command_timeout"`
	CommandQueueSize  int            `yaml:"command_queue_size"`
	StaleAfter        time.Duration  `yaml:"stale_after"`
	PollInterval      time.Duration  `yaml:"poll_interval"`

	// APITokenSecret enables bearer auth on the local HTTP API when set.
	APITokenSecret string `yaml:"api_token_secret"`

	MQTT   MQTTConfig   `yaml:"mqtt"`
	Influx InfluxConfig `yaml:"influx"`
}

type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func (c InfluxConfig) Enabled() bool { return c.URL != "" && c.Bucket != "" }

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		HTTPAddr:          defaultHTTPAddr,
		DBPath:            defaultDBPath,
		AddonOptionsPath:  defaultAddonOptionsPath,
		LogLevel:          slog.LevelInfo,
		LogFormat:         "json",
		CloudURL:          defaultCloudURL,
		RealtimeURL:       defaultRealtimeURL,
		RequestTimeout:    defaultRequestTimeout,
		Backoff:           backoff.Config{Min: backoff.DefaultMin, Max: backoff.DefaultMax, Multiplier: backoff.DefaultMultiplier, Jitter: backoff.DefaultJitter},
		StableAfter:       defaultStableAfter,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		AuthTimeout:       defaultAuthTimeout,
		SubscribeTimeout:  defaultSubscribeTimeout,
		CommandTimeout:    defaultCommandTimeout,
		CommandQueueSize:  defaultCommandQueueSize,
		StaleAfter:        defaultStaleAfter,
		PollInterval:      defaultPollInterval,
		MQTT: MQTTConfig{
			ClientID:        "ryobi-gdo",
			TopicPrefix:     defaultMQTTTopicPrefix,
			DiscoveryPrefix: defaultDiscoveryPrefix,
		},
	}
}

// Load builds Config from every source.
func Load() (Config, error) {
	cfg := Defaults()
	cfg.ConfigFile = getenv("CONFIG_FILE", "")
	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	cfg.AddonOptionsPath = getenv("ADDON_OPTIONS_PATH", cfg.AddonOptionsPath)
	if err := applyAddonOptions(&cfg, cfg.AddonOptionsPath); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	cfg.Backoff = cfg.Backoff.Normalize()
	return cfg, nil
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// addonOptions mirrors the add-on's options schema.
type addonOptions struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	LogLevel       string `json:"log_level"`
	PollInterval   string `json:"poll_interval"`
	APITokenSecret string `json:"api_token_secret"`
	MQTTBroker     string `json:"mqtt_broker"`
	MQTTUsername   string `json:"mqtt_username"`
	MQTTPassword   string `json:"mqtt_password"`
	InfluxURL      string `json:"influx_url"`
	InfluxToken    string `json:"influx_token"`
	InfluxOrg      string `json:"influx_org"`
	InfluxBucket   string `json:"influx_bucket"`
}

func applyAddonOptions(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read add-on options: %w", err)
	}
	var opts addonOptions
	if err := json.Unmarshal(data, &opts); err != nil {
		return fmt.Errorf("parse add-on options: %w", err)
	}
	set := func(dst *string, value string) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			*dst = trimmed
		}
	}
	set(&cfg.Username, opts.Username)
	if opts.Password != "" {
		cfg.Password = opts.Password
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(opts.LogLevel)
	}
	if d, err := time.ParseDuration(strings.TrimSpace(opts.PollInterval)); err == nil && d > 0 {
		cfg.PollInterval = d
	}
	set(&cfg.APITokenSecret, opts.APITokenSecret)
	set(&cfg.MQTT.Broker, opts.MQTTBroker)
	set(&cfg.MQTT.Username, opts.MQTTUsername)
	if opts.MQTTPassword != "" {
		cfg.MQTT.Password = opts.MQTTPassword
	}
	set(&cfg.Influx.URL, opts.InfluxURL)
	set(&cfg.Influx.Token, opts.InfluxToken)
	set(&cfg.Influx.Org, opts.InfluxOrg)
	set(&cfg.Influx.Bucket, opts.InfluxBucket)
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBPath = getenv("DB_PATH", cfg.DBPath)
	cfg.StaticDir = getenv("FRONTEND_DIST", cfg.StaticDir)
	if raw, ok := os.LookupEnv("LOG_LEVEL"); ok && strings.TrimSpace(raw) != "" {
		cfg.LogLevel = parseLogLevel(raw)
	}
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)

	cfg.Username = getenv("RYOBI_USERNAME", cfg.Username)
	if raw, ok := os.LookupEnv("RYOBI_PASSWORD"); ok && raw != "" {
		cfg.Password = raw
	}
	cfg.CloudURL = getenv("CLOUD_URL", cfg.CloudURL)
	cfg.RealtimeURL = getenv("REALTIME_URL", cfg.RealtimeURL)
	cfg.RequestTimeout = parseDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)

	cfg.Backoff.Min = parseDuration("BACKOFF_MIN", cfg.Backoff.Min)
	cfg.Backoff.Max = parseDuration("BACKOFF_MAX", cfg.Backoff.Max)
	cfg.Backoff.Multiplier = parseFloat("BACKOFF_MULTIPLIER", cfg.Backoff.Multiplier)
	cfg.Backoff.Jitter = parseFloat("BACKOFF_JITTER", cfg.Backoff.Jitter)
	cfg.StableAfter = parseDuration("STABLE_AFTER", cfg.StableAfter)
	cfg.HeartbeatInterval = parseDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = parseDuration("HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.AuthTimeout = parseDuration("AUTH_TIMEOUT", cfg.AuthTimeout)
	cfg.SubscribeTimeout = parseDuration("SUBSCRIBE_TIMEOUT", cfg.SubscribeTimeout)
	cfg.CommandTimeout = parseDuration("COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.CommandQueueSize = parseInt("COMMAND_QUEUE_SIZE", cfg.CommandQueueSize)
	cfg.StaleAfter = parseDuration("STALE_AFTER", cfg.StaleAfter)
	cfg.PollInterval = parseDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.APITokenSecret = getenv("API_TOKEN_SECRET", cfg.APITokenSecret)

	cfg.MQTT.Broker = getenv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getenv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getenv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenv("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.TopicPrefix = getenv("MQTT_TOPIC_PREFIX", cfg.MQTT.TopicPrefix)
	cfg.MQTT.DiscoveryPrefix = getenv("MQTT_DISCOVERY_PREFIX", cfg.MQTT.DiscoveryPrefix)

	cfg.Influx.URL = getenv("INFLUX_URL", cfg.Influx.URL)
	cfg.Influx.Token = getenv("INFLUX_TOKEN", cfg.Influx.Token)
	cfg.Influx.Org = getenv("INFLUX_ORG", cfg.Influx.Org)
	cfg.Influx.Bucket = getenv("INFLUX_BUCKET", cfg.Influx.Bucket)
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func parseInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
