// Package config loads mesh configuration via viper, covering every option
// in the configuration surface table of spec §6. Defaults match the values
// named throughout spec §4.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/datapunk/mesh/lib/mesh/mesherr"
)

// CircuitBreakerConfig covers spec §6's failure_threshold..strategy rows.
type CircuitBreakerConfig struct {
	FailureThreshold     int           `mapstructure:"failure_threshold"`
	SuccessThreshold     int           `mapstructure:"success_threshold"`
	ResetTimeout         time.Duration `mapstructure:"reset_timeout_ms"`
	HalfOpenMaxCalls     int           `mapstructure:"half_open_max_calls"`
	Strategy             string        `mapstructure:"strategy"` // basic|gradual|dependency|rate_limited|health_aware|predictive
	ResetAfterSuccesses  int           `mapstructure:"reset_after_successes"`  // default: FailureThreshold
	ConcurrencyLimit     int           `mapstructure:"concurrency_limit"`      // shared admission pool, on top of priority.reserved_slots
	GradualInitialRate   float64       `mapstructure:"gradual_initial_rate"`   // default 0.1
	GradualStableWindow  time.Duration `mapstructure:"gradual_stable_window"`  // default 30s
	GradualErrRateLimit  float64       `mapstructure:"gradual_err_rate_limit"` // default 0.02
	PredictiveThreshold  float64       `mapstructure:"predictive_threshold"`   // default 0.8, likelihood*confidence
}

// RetryConfig covers spec §6's retry.* rows.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialDelay    time.Duration `mapstructure:"initial_delay_ms"`
	MaxDelay        time.Duration `mapstructure:"max_delay_ms"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          bool          `mapstructure:"jitter"`
	JitterFactor    float64       `mapstructure:"jitter_factor"`
	Budget          time.Duration `mapstructure:"budget_ms"`
	TimeoutPerCall  time.Duration `mapstructure:"timeout_per_attempt_ms"`
}

// BackoffConfig covers spec §6's backoff.strategy row.
type BackoffConfig struct {
	Strategy string `mapstructure:"strategy"` // exponential|fibonacci|decorrelated_jitter|resource_sensitive|pattern|adaptive
}

// RateLimitConfig covers spec §6's rate_limit.* rows.
type RateLimitConfig struct {
	Algorithm   string        `mapstructure:"algorithm"` // token|leaky|fixed_window|sliding_window|adaptive
	RPS         float64       `mapstructure:"rps"`
	Burst       int           `mapstructure:"burst"`
	MinRate     float64       `mapstructure:"min_rate"`
	MaxRate     float64       `mapstructure:"max_rate"`
	CooldownS   time.Duration `mapstructure:"cooldown_s"`
	ScaleFactor float64       `mapstructure:"scale_factor"`
}

// DiscoveryConfig covers spec §6's discovery.* rows.
type DiscoveryConfig struct {
	Backend               string        `mapstructure:"backend"` // registry|dns
	RegistryURL           string        `mapstructure:"registry_url"`
	DNSSuffix             string        `mapstructure:"dns_suffix"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl_s"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval_s"`
	DeregisterTimeout     time.Duration `mapstructure:"deregister_timeout"`
}

// LoadBalancerConfig covers spec §6's lb.* rows.
type LoadBalancerConfig struct {
	Strategy         string        `mapstructure:"strategy"` // round_robin|least_connections|response_time|random|health_weighted
	ConnectionLimit  int           `mapstructure:"connection_limit"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout_ms"`
}

// HealthConfig covers spec §6's health.* rows.
type HealthConfig struct {
	CheckInterval           time.Duration      `mapstructure:"check_interval_s"`
	ResponseTimeThresholdMS float64            `mapstructure:"response_time_threshold_ms"`
	ErrorRateThreshold      float64            `mapstructure:"error_rate_threshold"`
	ResourceThresholds      map[string]float64 `mapstructure:"resource_thresholds"`
}

// ReservedSlots covers spec §6's priority.reserved_slots{...} row.
type ReservedSlots struct {
	Critical int `mapstructure:"critical"`
	High     int `mapstructure:"high"`
	Normal   int `mapstructure:"normal"`
	Low      int `mapstructure:"low"`
	Bulk     int `mapstructure:"bulk"`
}

// TimeoutConfig covers spec §6's timeout.* rows.
type TimeoutConfig struct {
	Strategy   string  `mapstructure:"strategy"` // percentile|adaptive|hybrid
	MinMS      int     `mapstructure:"min_ms"`
	MaxMS      int     `mapstructure:"max_ms"`
	InitialMS  int     `mapstructure:"initial_ms"`
	Percentile float64 `mapstructure:"percentile"`
	Factor     float64 `mapstructure:"factor"`
}

// Config is the full mesh configuration surface of spec §6.
type Config struct {
	ServiceName    string               `mapstructure:"service_name"`
	LogLevel       string               `mapstructure:"log_level"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Backoff        BackoffConfig        `mapstructure:"backoff"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Discovery      DiscoveryConfig      `mapstructure:"discovery"`
	LoadBalancer   LoadBalancerConfig   `mapstructure:"lb"`
	Health         HealthConfig         `mapstructure:"health"`
	ReservedSlots  ReservedSlots        `mapstructure:"priority"`
	Timeout        TimeoutConfig        `mapstructure:"timeout"`
}

// Default returns the configuration with every default named in spec §4.
func Default() Config {
	return Config{
		LogLevel: "info",
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    3,
			ResetTimeout:        30 * time.Second,
			HalfOpenMaxCalls:    5,
			Strategy:            "basic",
			ResetAfterSuccesses: 5,
			ConcurrencyLimit:    100,
			GradualInitialRate:  0.1,
			GradualStableWindow: 30 * time.Second,
			GradualErrRateLimit: 0.02,
			PredictiveThreshold: 0.8,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
			JitterFactor: 0.2,
			Budget:       5 * time.Minute,
		},
		Backoff: BackoffConfig{Strategy: "exponential"},
		RateLimit: RateLimitConfig{
			Algorithm:   "token",
			RPS:         100,
			Burst:       200,
			MinRate:     10,
			MaxRate:     1000,
			CooldownS:   30 * time.Second,
			ScaleFactor: 0.1,
		},
		Discovery: DiscoveryConfig{
			Backend:             "registry",
			CacheTTL:            30 * time.Second,
			HealthCheckInterval: 5 * time.Second,
			DeregisterTimeout:   30 * time.Second,
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy:        "round_robin",
			ConnectionLimit: 100,
			DrainTimeout:    30 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval:           5 * time.Second,
			ResponseTimeThresholdMS: 2000,
			ErrorRateThreshold:      0.05,
			ResourceThresholds: map[string]float64{
				"cpu": 0.8, "memory": 0.8, "disk": 0.9, "network": 0.8, "connections": 0.8,
			},
		},
		ReservedSlots: ReservedSlots{Critical: 20, High: 15, Normal: 10, Low: 5, Bulk: 0},
		Timeout: TimeoutConfig{
			Strategy:   "hybrid",
			MinMS:      50,
			MaxMS:      30000,
			InitialMS:  2000,
			Percentile: 95,
			Factor:     1.5,
		},
	}
}

var validStrategies = map[string]bool{
	"basic": true, "gradual": true, "dependency": true,
	"rate_limited": true, "health_aware": true, "predictive": true,
}

var validBackoffStrategies = map[string]bool{
	"exponential": true, "fibonacci": true, "decorrelated_jitter": true,
	"resource_sensitive": true, "pattern": true, "adaptive": true,
}

// Load reads configuration from env vars (MESH_* per spec §6) layered over
// an optional config file, then validates it. cfgFile may be empty.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, mesherr.New(mesherr.KindConfigError, "", "load_config", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, mesherr.New(mesherr.KindConfigError, "", "read_config_file", err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, mesherr.New(mesherr.KindConfigError, "", "unmarshal_config", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the four environment variables named in spec §6
// directly, since their names do not follow the dotted key paths viper's env
// replacer derives (MESH_REGISTRY_URL and MESH_DNS_SUFFIX set fields nested
// under Discovery).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MESH_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MESH_REGISTRY_URL"); v != "" {
		cfg.Discovery.RegistryURL = v
	}
	if v := os.Getenv("MESH_DNS_SUFFIX"); v != "" {
		cfg.Discovery.DNSSuffix = v
	}
}

// Validate returns a ConfigError describing the first invalid combination
// found, or nil.
func Validate(cfg Config) error {
	if cfg.CircuitBreaker.HalfOpenMaxCalls <= 0 {
		return mesherr.New(mesherr.KindConfigError, cfg.ServiceName, "validate",
			fmt.Errorf("half_open_max_calls must be > 0, got %d", cfg.CircuitBreaker.HalfOpenMaxCalls))
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		return mesherr.New(mesherr.KindConfigError, cfg.ServiceName, "validate",
			fmt.Errorf("failure_threshold must be > 0, got %d", cfg.CircuitBreaker.FailureThreshold))
	}
	if !validStrategies[cfg.CircuitBreaker.Strategy] {
		return mesherr.New(mesherr.KindConfigError, cfg.ServiceName, "validate",
			fmt.Errorf("unknown circuit breaker strategy %q", cfg.CircuitBreaker.Strategy))
	}
	if !validBackoffStrategies[cfg.Backoff.Strategy] {
		return mesherr.New(mesherr.KindConfigError, cfg.ServiceName, "validate",
			fmt.Errorf("unknown backoff strategy %q", cfg.Backoff.Strategy))
	}
	if cfg.Retry.MaxAttempts < 1 || cfg.Retry.MaxAttempts > 10 {
		return mesherr.New(mesherr.KindConfigError, cfg.ServiceName, "validate",
			fmt.Errorf("retry.max_attempts must be in [1,10], got %d", cfg.Retry.MaxAttempts))
	}
	if cfg.Discovery.Backend != "registry" && cfg.Discovery.Backend != "dns" {
		return mesherr.New(mesherr.KindConfigError, cfg.ServiceName, "validate",
			fmt.Errorf("unknown discovery backend %q", cfg.Discovery.Backend))
	}
	return nil
}
