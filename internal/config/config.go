package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerSeed describes a worker to register at startup.
type WorkerSeed struct {
	ID             string `yaml:"id" json:"id"`
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	Role           string `yaml:"role" json:"role"`
	ModelID        string `yaml:"model_id" json:"model_id"`
	MaxConcurrency int    `yaml:"max_concurrency" json:"max_concurrency,omitempty"`
}

// KVTransferConfig bounds the KV-cache transfer manager.
type KVTransferConfig struct {
	MaxConcurrent int
	Timeout       time.Duration
}

// StrategyWeights tunes the weighted selection strategy.
type StrategyWeights struct {
	Load        float64 `yaml:"load"`
	Utilization float64 `yaml:"utilization"`
	Staleness   float64 `yaml:"staleness"`
}

// Config holds configuration for the pdsched server. Values are
// layered: built-in defaults, then the config file, then environment
// variables, then flags.
type Config struct {
	Enabled               bool
	Strategy              string
	HealthCheckInterval   time.Duration
	WorkerTimeout         time.Duration
	MaxQueueSize          int
	DefaultRequestTimeout time.Duration
	DispatchInterval      time.Duration
	Workers               []WorkerSeed
	KVTransfer            KVTransferConfig
	Weights               StrategyWeights

	Port           int
	MetricsAddr    string
	APIKey         string
	LogLevel       string
	RedisAddr      string
	AllowedOrigins []string
	DrainTimeout   time.Duration
	ConfigFile     string
}

// fileConfig is the yaml-facing shape. Intervals are plain
// milliseconds, matching the wire configuration contract.
type fileConfig struct {
	Enabled                 *bool            `yaml:"enabled"`
	Strategy                string           `yaml:"strategy"`
	HealthCheckIntervalMs   int64            `yaml:"health_check_interval_ms"`
	WorkerTimeoutMs         int64            `yaml:"worker_timeout_ms"`
	MaxQueueSize            *int             `yaml:"max_queue_size"`
	DefaultRequestTimeoutMs int64            `yaml:"default_request_timeout_ms"`
	DispatchIntervalMs      int64            `yaml:"dispatch_interval_ms"`
	Workers                 []WorkerSeed     `yaml:"workers"`
	KVTransfer              struct {
		MaxConcurrent int   `yaml:"max_concurrent"`
		TimeoutMs     int64 `yaml:"timeout_ms"`
	} `yaml:"kv_transfer"`
	Weights        *StrategyWeights `yaml:"strategy_weights"`
	Port           int              `yaml:"port"`
	MetricsAddr    string           `yaml:"metrics_addr"`
	APIKey         string           `yaml:"api_key"`
	LogLevel       string           `yaml:"log_level"`
	RedisAddr      string           `yaml:"redis_addr"`
	AllowedOrigins []string         `yaml:"allowed_origins"`
	DrainTimeoutMs int64            `yaml:"drain_timeout_ms"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	c.Enabled = true
	if c.Strategy == "" {
		c.Strategy = "round-robin"
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = 30 * time.Second
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 1000
	}
	if c.DefaultRequestTimeout == 0 {
		c.DefaultRequestTimeout = 60 * time.Second
	}
	if c.DispatchInterval == 0 {
		c.DispatchInterval = 50 * time.Millisecond
	}
	if c.KVTransfer.MaxConcurrent == 0 {
		c.KVTransfer.MaxConcurrent = 4
	}
	if c.KVTransfer.Timeout == 0 {
		c.KVTransfer.Timeout = 15 * time.Second
	}
	if c.Weights == (StrategyWeights{}) {
		c.Weights = StrategyWeights{Load: 0.5, Utilization: 0.3, Staleness: 0.2}
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
}

// LoadFile overlays values from a yaml config file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	if fc.Enabled != nil {
		c.Enabled = *fc.Enabled
	}
	if fc.Strategy != "" {
		c.Strategy = fc.Strategy
	}
	if fc.HealthCheckIntervalMs > 0 {
		c.HealthCheckInterval = time.Duration(fc.HealthCheckIntervalMs) * time.Millisecond
	}
	if fc.WorkerTimeoutMs > 0 {
		c.WorkerTimeout = time.Duration(fc.WorkerTimeoutMs) * time.Millisecond
	}
	if fc.MaxQueueSize != nil {
		c.MaxQueueSize = *fc.MaxQueueSize
	}
	if fc.DefaultRequestTimeoutMs > 0 {
		c.DefaultRequestTimeout = time.Duration(fc.DefaultRequestTimeoutMs) * time.Millisecond
	}
	if fc.DispatchIntervalMs > 0 {
		c.DispatchInterval = time.Duration(fc.DispatchIntervalMs) * time.Millisecond
	}
	if len(fc.Workers) > 0 {
		c.Workers = fc.Workers
	}
	if fc.KVTransfer.MaxConcurrent > 0 {
		c.KVTransfer.MaxConcurrent = fc.KVTransfer.MaxConcurrent
	}
	if fc.KVTransfer.TimeoutMs > 0 {
		c.KVTransfer.Timeout = time.Duration(fc.KVTransfer.TimeoutMs) * time.Millisecond
	}
	if fc.Weights != nil {
		c.Weights = *fc.Weights
	}
	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.MetricsAddr != "" {
		c.MetricsAddr = fc.MetricsAddr
	}
	if fc.APIKey != "" {
		c.APIKey = fc.APIKey
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.RedisAddr != "" {
		c.RedisAddr = fc.RedisAddr
	}
	if len(fc.AllowedOrigins) > 0 {
		c.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.DrainTimeoutMs > 0 {
		c.DrainTimeout = time.Duration(fc.DrainTimeoutMs) * time.Millisecond
	}
	return nil
}

// ApplyEnv overlays environment variables onto the current values.
func (c *Config) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("STRATEGY", ""); v != "" {
		c.Strategy = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("MAX_QUEUE_SIZE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxQueueSize = n
		}
	}
	if d, ok := envDuration("HEALTH_CHECK_INTERVAL"); ok {
		c.HealthCheckInterval = d
	}
	if d, ok := envDuration("WORKER_TIMEOUT"); ok {
		c.WorkerTimeout = d
	}
	if d, ok := envDuration("REQUEST_TIMEOUT"); ok {
		c.DefaultRequestTimeout = d
	}
	if d, ok := envDuration("DRAIN_TIMEOUT"); ok {
		c.DrainTimeout = d
	}
}

// BindFlagsFromCurrent binds command line flags using the current
// values as defaults.
func (c *Config) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; a separate metrics listener starts only when it differs from the API port")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required for HTTP requests; leave empty to disable auth")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for state mirroring")
	flag.StringVar(&c.Strategy, "strategy", c.Strategy, "worker selection strategy (round-robin, least-loaded, latency-aware, weighted)")
	flag.IntVar(&c.MaxQueueSize, "max-queue-size", c.MaxQueueSize, "maximum number of queued requests")
	flag.DurationVar(&c.HealthCheckInterval, "health-check-interval", c.HealthCheckInterval, "interval between worker health probes")
	flag.DurationVar(&c.WorkerTimeout, "worker-timeout", c.WorkerTimeout, "time without a successful probe before a worker is marked offline")
	flag.DurationVar(&c.DefaultRequestTimeout, "request-timeout", c.DefaultRequestTimeout, "default per-request queue timeout")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDuration(key string) (time.Duration, bool) {
	v := getEnv(key, "")
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

func splitComma(v string) []string {
	parts := strings.Split(v, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			res = append(res, s)
		}
	}
	return res
}
