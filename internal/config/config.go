// Package config loads server settings from defaults, an optional YAML file and
// the environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anvaya/chatrelay/internal/auth"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	GRPC      GRPCConfig      `yaml:"grpc"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Broker    BrokerConfig    `yaml:"broker"`
	Log       LogConfig       `yaml:"log"`
	Live      LiveConfig      `yaml:"live"`
}

type GRPCConfig struct {
	Port       string `yaml:"port"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	RequireTLS bool   `yaml:"require_tls"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	FrontendURL string `yaml:"frontend_url"`
}

type StoreConfig struct {
	Driver        string        `yaml:"driver"` // mongo, postgres or sqlite
	DSN           string        `yaml:"dsn"`
	MongoURI      string        `yaml:"mongo_uri"`
	MongoDatabase string        `yaml:"mongo_database"`
	Timeout       time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"`
	JWTKeys      string        `yaml:"jwt_keys"` // kid:secret,kid2:secret2
	JWTActiveKid string        `yaml:"jwt_active_kid"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

type RateLimitConfig struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

type BrokerConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type LiveConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		GRPC: GRPCConfig{Port: "50051"},
		HTTP: HTTPConfig{Addr: ":8080"},
		Store: StoreConfig{
			Driver:        "mongo",
			MongoDatabase: "chat_db",
			Timeout:       10 * time.Second,
		},
		Auth:      AuthConfig{TokenTTL: 24 * time.Hour},
		RateLimit: RateLimitConfig{RPM: 60, Burst: 10},
		Broker:    BrokerConfig{Exchange: "chat.events"},
		Log:       LogConfig{Level: "info", Format: "json"},
		Live:      LiveConfig{QueueSize: 64},
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the process
// environment, and validates the result.
func Load() (Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PORT", &c.GRPC.Port)
	str("TLS_CERT", &c.GRPC.TLSCert)
	str("TLS_KEY", &c.GRPC.TLSKey)
	if v, ok := lookup("REQUIRE_TLS"); ok && v != "" {
		c.GRPC.RequireTLS = v == "true"
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("FRONTEND_URL", &c.HTTP.FrontendURL)

	str("STORE_DRIVER", &c.Store.Driver)
	str("DATABASE_DSN", &c.Store.DSN)
	str("MONGODB_URI", &c.Store.MongoURI)
	str("MONGODB_DATABASE", &c.Store.MongoDatabase)
	dur("STORE_TIMEOUT", &c.Store.Timeout)

	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_KEYS", &c.Auth.JWTKeys)
	str("JWT_ACTIVE_KID", &c.Auth.JWTActiveKid)
	dur("JWT_TTL", &c.Auth.TokenTTL)

	num("RATE_LIMIT_RPM", &c.RateLimit.RPM)
	num("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	str("AMQP_URL", &c.Broker.URL)
	str("AMQP_EXCHANGE", &c.Broker.Exchange)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	num("LIVE_QUEUE_SIZE", &c.Live.QueueSize)

	return errors.Join(errs...)
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("MONGODB_URI must be set for the mongo driver"))
		}
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("DATABASE_DSN must be set for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}

	if (c.GRPC.TLSCert == "") != (c.GRPC.TLSKey == "") {
		errs = append(errs, errors.New("TLS_CERT and TLS_KEY must be set together"))
	}
	if c.GRPC.RequireTLS && c.GRPC.TLSCert == "" {
		errs = append(errs, errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured"))
	}

	if c.Auth.JWTKeys != "" {
		keys, err := auth.ParseKeys(c.Auth.JWTKeys)
		if err != nil {
			errs = append(errs, fmt.Errorf("JWT_KEYS: %w", err))
		} else if _, ok := keys[c.Auth.JWTActiveKid]; !ok {
			errs = append(errs, fmt.Errorf("JWT_ACTIVE_KID %q is not in JWT_KEYS", c.Auth.JWTActiveKid))
		}
	}

	if c.RateLimit.RPM <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit rpm and burst must be positive"))
	}
	if c.Live.QueueSize <= 0 {
		errs = append(errs, errors.New("LIVE_QUEUE_SIZE must be positive"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// TrustMode reports whether no signing key is configured. Identities are then
// taken from request parameters.
func (c *Config) TrustMode() bool {
	return c.Auth.JWTSecret == "" && c.Auth.JWTKeys == ""
}

// JWTManager builds the token verifier, or returns nil in trust mode.
func (c *Config) JWTManager() (*auth.JWTManager, error) {
	if c.Auth.JWTKeys != "" {
		keys, err := auth.ParseKeys(c.Auth.JWTKeys)
		if err != nil {
			return nil, err
		}
		return auth.NewJWTManagerFromKeys(keys, c.Auth.JWTActiveKid, c.Auth.TokenTTL), nil
	}
	if c.Auth.JWTSecret != "" {
		return auth.NewJWTManager(c.Auth.JWTSecret, c.Auth.TokenTTL), nil
	}
	return nil, nil
}
