// Package config provides framework configuration loaded from environment
// variables prefixed with EFRPC_.
package config

import (
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"ef-rpc/policy"
)

const (
	envPrefix = "EFRPC"
	logPrefix = "config:Load"
)

type CircuitBreaker struct {
	Enabled          bool          `envconfig:"ENABLED" default:"false"`
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"5"`
	RecoveryTime     time.Duration `envconfig:"RECOVERY_TIME" default:"60s"`
	HalfOpenTimeout  time.Duration `envconfig:"HALF_OPEN_TIMEOUT" default:"30s"`
	Scope            string        `envconfig:"SCOPE" default:"service"`
}

type RateLimit struct {
	Enabled    bool          `envconfig:"ENABLED" default:"false"`
	Threshold  int           `envconfig:"THRESHOLD" default:"1000"`
	WindowSize time.Duration `envconfig:"WINDOW_SIZE" default:"1s"`
	Strategy   string        `envconfig:"STRATEGY" default:"token_bucket"`
}

type Cache struct {
	Enabled    bool          `envconfig:"ENABLED" default:"false"`
	ExpireTime time.Duration `envconfig:"EXPIRE_TIME" default:"300s"`
	MaxSize    int           `envconfig:"MAX_SIZE" default:"1000"`
	Strategy   string        `envconfig:"STRATEGY" default:"lru"`
}

// Config holds client, server and registry configuration.
type Config struct {
	// Calls
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"5s"`
	EnableRetry   bool          `envconfig:"ENABLE_RETRY" default:"true"`
	RetryCount    int           `envconfig:"RETRY_COUNT" default:"3"`
	RetryInterval time.Duration `envconfig:"RETRY_INTERVAL" default:"1s"`
	RetryBackoff  string        `envconfig:"RETRY_BACKOFF" default:"fixed"`

	// Connections
	ConnectionPoolSize int `envconfig:"CONNECTION_POOL_SIZE" default:"10"`
	MaxMessageSize     int `envconfig:"MAX_MESSAGE_SIZE" default:"1048576"`

	EnableCompression bool `envconfig:"ENABLE_COMPRESSION" default:"false"`
	// EnableEncryption is accepted for compatibility; no scheme is built in.
	EnableEncryption bool `envconfig:"ENABLE_ENCRYPTION" default:"false"`
	EnableMonitoring bool `envconfig:"ENABLE_MONITORING" default:"true"`

	LoadBalanceStrategy string `envconfig:"LOAD_BALANCE_STRATEGY" default:"round_robin"`
	SerializerType      string `envconfig:"SERIALIZER_TYPE" default:"json"`
	TransportProtocol   string `envconfig:"TRANSPORT_PROTOCOL" default:"tcp"`

	// Endpoints
	ListenAddr         string   `envconfig:"LISTEN_ADDR" default:":9000"`
	HTTPAddr           string   `envconfig:"HTTP_ADDR" default:":9090"`
	DiscoveryEndpoints []string `envconfig:"DISCOVERY_ENDPOINTS"`
	NATSURL            string   `envconfig:"NATS_URL"`
	AMQPURL            string   `envconfig:"AMQP_URL"`
	MQTTURL            string   `envconfig:"MQTT_URL"`
	DatabaseURL        string   `envconfig:"DATABASE_URL"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	CircuitBreaker CircuitBreaker `envconfig:"CIRCUIT_BREAKER"`
	RateLimit      RateLimit      `envconfig:"RATE_LIMIT"`
	Cache          Cache          `envconfig:"CACHE"`

	// Properties is the open extension mapping for custom keys,
	// e.g. EFRPC_PROPERTIES=region:eu,zone:a.
	Properties map[string]string `envconfig:"PROPERTIES"`
}

// Load reads optional .env files and then the environment.
func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	var c Config
	if err := envconfig.Process(envPrefix, &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration with every field at its default,
// ignoring the environment. It mirrors the default tags above.
func Default() *Config {
	return &Config{
		Timeout:             5 * time.Second,
		EnableRetry:         true,
		RetryCount:          3,
		RetryInterval:       time.Second,
		RetryBackoff:        string(policy.BackoffFixed),
		ConnectionPoolSize:  10,
		MaxMessageSize:      1 << 20,
		EnableMonitoring:    true,
		LoadBalanceStrategy: "round_robin",
		SerializerType:      "json",
		TransportProtocol:   "tcp",
		ListenAddr:          ":9000",
		HTTPAddr:            ":9090",
		LogLevel:            "info",
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			RecoveryTime:     60 * time.Second,
			HalfOpenTimeout:  30 * time.Second,
			Scope:            string(policy.ScopeService),
		},
		RateLimit: RateLimit{
			Threshold:  1000,
			WindowSize: time.Second,
			Strategy:   policy.StrategyTokenBucket,
		},
		Cache: Cache{
			ExpireTime: 300 * time.Second,
			MaxSize:    1000,
			Strategy:   policy.StrategyLRU,
		},
	}
}

// loadEnvFiles loads .env and then .env.local. Both are optional; values
// already present in the environment win over .env, .env.local wins over
// everything.
func loadEnvFiles() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("%s - failed to load .env: %w", logPrefix, err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Overload(".env.local"); err != nil {
			return fmt.Errorf("%s - failed to load .env.local: %w", logPrefix, err)
		}
	}
	return nil
}

// Validate checks values that the client and server cannot run with.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%s - EFRPC_TIMEOUT must be positive", logPrefix)
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("%s - EFRPC_RETRY_COUNT must not be negative", logPrefix)
	}
	if c.ConnectionPoolSize <= 0 {
		return fmt.Errorf("%s - EFRPC_CONNECTION_POOL_SIZE must be positive", logPrefix)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%s - EFRPC_MAX_MESSAGE_SIZE must be positive", logPrefix)
	}
	if err := c.MethodPolicy().Validate(); err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.DiscoveryEndpoints = append([]string(nil), c.DiscoveryEndpoints...)
	cp.Properties = maps.Clone(c.Properties)
	return &cp
}

// Merge returns a copy of c overlaid with the non-zero fields of other.
// Booleans are taken from other only when other enables them. Properties are
// unioned, other's keys winning.
func (c *Config) Merge(other *Config) *Config {
	out := c.Clone()
	if other == nil {
		return out
	}
	setDur(&out.Timeout, other.Timeout)
	setBool(&out.EnableRetry, other.EnableRetry)
	setInt(&out.RetryCount, other.RetryCount)
	setDur(&out.RetryInterval, other.RetryInterval)
	setStr(&out.RetryBackoff, other.RetryBackoff)
	setInt(&out.ConnectionPoolSize, other.ConnectionPoolSize)
	setInt(&out.MaxMessageSize, other.MaxMessageSize)
	setBool(&out.EnableCompression, other.EnableCompression)
	setBool(&out.EnableEncryption, other.EnableEncryption)
	setBool(&out.EnableMonitoring, other.EnableMonitoring)
	setStr(&out.LoadBalanceStrategy, other.LoadBalanceStrategy)
	setStr(&out.SerializerType, other.SerializerType)
	setStr(&out.TransportProtocol, other.TransportProtocol)
	setStr(&out.ListenAddr, other.ListenAddr)
	setStr(&out.HTTPAddr, other.HTTPAddr)
	if len(other.DiscoveryEndpoints) > 0 {
		out.DiscoveryEndpoints = append([]string(nil), other.DiscoveryEndpoints...)
	}
	setStr(&out.NATSURL, other.NATSURL)
	setStr(&out.AMQPURL, other.AMQPURL)
	setStr(&out.MQTTURL, other.MQTTURL)
	setStr(&out.DatabaseURL, other.DatabaseURL)
	setStr(&out.LogLevel, other.LogLevel)

	setBool(&out.CircuitBreaker.Enabled, other.CircuitBreaker.Enabled)
	setInt(&out.CircuitBreaker.FailureThreshold, other.CircuitBreaker.FailureThreshold)
	setDur(&out.CircuitBreaker.RecoveryTime, other.CircuitBreaker.RecoveryTime)
	setDur(&out.CircuitBreaker.HalfOpenTimeout, other.CircuitBreaker.HalfOpenTimeout)
	setStr(&out.CircuitBreaker.Scope, other.CircuitBreaker.Scope)

	setBool(&out.RateLimit.Enabled, other.RateLimit.Enabled)
	setInt(&out.RateLimit.Threshold, other.RateLimit.Threshold)
	setDur(&out.RateLimit.WindowSize, other.RateLimit.WindowSize)
	setStr(&out.RateLimit.Strategy, other.RateLimit.Strategy)

	setBool(&out.Cache.Enabled, other.Cache.Enabled)
	setDur(&out.Cache.ExpireTime, other.Cache.ExpireTime)
	setInt(&out.Cache.MaxSize, other.Cache.MaxSize)
	setStr(&out.Cache.Strategy, other.Cache.Strategy)

	if len(other.Properties) > 0 {
		if out.Properties == nil {
			out.Properties = make(map[string]string, len(other.Properties))
		}
		maps.Copy(out.Properties, other.Properties)
	}
	return out
}

func setDur(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v bool) {
	if v {
		*dst = true
	}
}

// Property returns a custom property.
func (c *Config) Property(key string) (string, bool) {
	v, ok := c.Properties[key]
	return v, ok
}

func (c *Config) SetProperty(key, value string) {
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[key] = value
}

func (c *Config) RemoveProperty(key string) {
	delete(c.Properties, key)
}

// MethodPolicy derives the default per-method policy from c.
func (c *Config) MethodPolicy() policy.Method {
	return policy.Method{
		Timeout: c.Timeout,
		Retry: policy.Retry{
			Enabled:  c.EnableRetry,
			Count:    c.RetryCount,
			Interval: c.RetryInterval,
			Backoff:  policy.Backoff(c.RetryBackoff),
		},
		Cache: policy.Cache{
			Enabled:  c.Cache.Enabled,
			TTL:      c.Cache.ExpireTime,
			MaxSize:  c.Cache.MaxSize,
			Strategy: c.Cache.Strategy,
		},
		CircuitBreaker: policy.CircuitBreaker{
			Enabled:          c.CircuitBreaker.Enabled,
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			RecoveryTime:     c.CircuitBreaker.RecoveryTime,
			HalfOpenTimeout:  c.CircuitBreaker.HalfOpenTimeout,
			Scope:            policy.Scope(c.CircuitBreaker.Scope),
		},
		RateLimit: policy.RateLimit{
			Enabled:   c.RateLimit.Enabled,
			Threshold: c.RateLimit.Threshold,
			Window:    c.RateLimit.WindowSize,
			Strategy:  c.RateLimit.Strategy,
		},
	}
}
