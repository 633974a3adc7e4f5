package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Nest       NestConfig       `yaml:"nest"`
	Stream     StreamConfig     `yaml:"stream"`
	Command    CommandConfig    `yaml:"command"`
	HTTP       HTTPConfig       `yaml:"http"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	TokenCache TokenCacheConfig `yaml:"token_cache"`
	Log        LogConfig        `yaml:"log"`
}

// NestConfig holds the API endpoints and client registration.
type NestConfig struct {
	APIURL         string `yaml:"api_url"`
	AuthorizeURL   string `yaml:"authorize_url"`
	TokenURL       string `yaml:"token_url"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	ProductVersion int    `yaml:"product_version"`
	// AccessToken skips the PIN flow when set.
	AccessToken string `yaml:"access_token"`
}

// StreamConfig tunes the push connection.
type StreamConfig struct {
	// Transport is "sse" or "websocket".
	Transport              string        `yaml:"transport"`
	URL                    string        `yaml:"url"`
	BackoffBase            time.Duration `yaml:"backoff_base"`
	BackoffMax             time.Duration `yaml:"backoff_max"`
	StabilityWindow        time.Duration `yaml:"stability_window"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	MalformedSnapshotLimit int           `yaml:"malformed_snapshot_limit"`
	MaxRedirects           int           `yaml:"max_redirects"`
}

// CommandConfig tunes property writes.
type CommandConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	DefaultRetryWait time.Duration `yaml:"default_retry_wait"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// TokenCacheConfig holds the credential cache location.
type TokenCacheConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Nest: NestConfig{
			APIURL:       "https://developer-api.nest.com",
			AuthorizeURL: "https://home.nest.com/login/oauth2",
			TokenURL:     "https://api.home.nest.com/oauth2/access_token",
		},
		Stream: StreamConfig{
			Transport:              "sse",
			URL:                    "https://developer-api.nest.com/",
			BackoffBase:            time.Second,
			BackoffMax:             2 * time.Minute,
			StabilityWindow:        time.Minute,
			IdleTimeout:            90 * time.Second,
			MalformedSnapshotLimit: 3,
			MaxRedirects:           5,
		},
		Command: CommandConfig{
			MaxRetries:       10,
			DefaultRetryWait: 5 * time.Second,
			Timeout:          30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "nest",
			ClientID:    "nestd",
		},
		TokenCache: TokenCacheConfig{
			Path: "/data/nest_token.json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment. A missing
// file is not an error. Variables already set are kept.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Stream.Transport {
	case "sse", "websocket":
	default:
		errs = append(errs, fmt.Errorf("stream.transport must be sse or websocket, got %q", c.Stream.Transport))
	}
	if c.Stream.BackoffBase <= 0 {
		errs = append(errs, errors.New("stream.backoff_base must be positive"))
	}
	if c.Stream.BackoffMax < c.Stream.BackoffBase {
		errs = append(errs, errors.New("stream.backoff_max must not be below stream.backoff_base"))
	}
	if c.Stream.IdleTimeout <= 0 {
		errs = append(errs, errors.New("stream.idle_timeout must be positive"))
	}
	if c.Stream.MalformedSnapshotLimit < 0 || c.Command.MaxRetries < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Stream.MaxRedirects < 1 {
		errs = append(errs, errors.New("stream.max_redirects must be at least 1"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.Nest.AccessToken == "" && c.TokenCache.Path == "" {
		errs = append(errs, errors.New("token_cache.path is required without nest.access_token"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"NEST_API_URL":           &cfg.Nest.APIURL,
		"NEST_AUTHORIZE_URL":     &cfg.Nest.AuthorizeURL,
		"NEST_TOKEN_URL":         &cfg.Nest.TokenURL,
		"NEST_CLIENT_ID":         &cfg.Nest.ClientID,
		"NEST_CLIENT_SECRET":     &cfg.Nest.ClientSecret,
		"NEST_ACCESS_TOKEN":      &cfg.Nest.AccessToken,
		"NEST_STREAM_TRANSPORT":  &cfg.Stream.Transport,
		"NEST_STREAM_URL":        &cfg.Stream.URL,
		"NEST_HTTP_ADDR":         &cfg.HTTP.Addr,
		"NEST_MQTT_BROKER":       &cfg.MQTT.Broker,
		"NEST_MQTT_USERNAME":     &cfg.MQTT.Username,
		"NEST_MQTT_PASSWORD":     &cfg.MQTT.Password,
		"NEST_MQTT_TOPIC_PREFIX": &cfg.MQTT.TopicPrefix,
		"NEST_MQTT_CLIENT_ID":    &cfg.MQTT.ClientID,
		"NEST_TOKEN_CACHE_PATH":  &cfg.TokenCache.Path,
		"NEST_LOG_LEVEL":         &cfg.Log.Level,
		"NEST_LOG_FORMAT":        &cfg.Log.Format,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("NEST_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("NEST_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}

	ints := map[string]*int{
		"NEST_PRODUCT_VERSION":                 &cfg.Nest.ProductVersion,
		"NEST_STREAM_MALFORMED_SNAPSHOT_LIMIT": &cfg.Stream.MalformedSnapshotLimit,
		"NEST_STREAM_MAX_REDIRECTS":            &cfg.Stream.MaxRedirects,
		"NEST_COMMAND_MAX_RETRIES":             &cfg.Command.MaxRetries,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"NEST_STREAM_BACKOFF_BASE":        &cfg.Stream.BackoffBase,
		"NEST_STREAM_BACKOFF_MAX":         &cfg.Stream.BackoffMax,
		"NEST_STREAM_STABILITY_WINDOW":    &cfg.Stream.StabilityWindow,
		"NEST_STREAM_IDLE_TIMEOUT":        &cfg.Stream.IdleTimeout,
		"NEST_COMMAND_DEFAULT_RETRY_WAIT": &cfg.Command.DefaultRetryWait,
		"NEST_COMMAND_TIMEOUT":            &cfg.Command.Timeout,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
