package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// StaticDevice describes a device when hardware enumeration is unavailable.
type StaticDevice struct {
	Index   int     `json:"index" yaml:"index" toml:"index"`
	Name    string  `json:"name" yaml:"name" toml:"name"`
	TotalGB float64 `json:"total_gb" yaml:"total_gb" toml:"total_gb"`
}

// Config holds runtime parameters for the pool.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
// Durations are in seconds.
type Config struct {
	Host string `json:"host" yaml:"host" toml:"host"`
	Port int    `json:"port" yaml:"port" toml:"port"`

	MaxRAMCacheGB float64 `json:"max_ram_cache_gb" yaml:"max_ram_cache_gb" toml:"max_ram_cache_gb"`
	ModelDir      string  `json:"model_dir" yaml:"model_dir" toml:"model_dir"`
	OutputDir     string  `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	WatchModelDir bool    `json:"watch_model_dir" yaml:"watch_model_dir" toml:"watch_model_dir"`

	DeviceList    []int          `json:"device_list" yaml:"device_list" toml:"device_list"`
	StaticDevices []StaticDevice `json:"static_devices" yaml:"static_devices" toml:"static_devices"`
	NvidiaSMI     string         `json:"nvidia_smi" yaml:"nvidia_smi" toml:"nvidia_smi"`

	WorkerCommand        []string `json:"worker_command" yaml:"worker_command" toml:"worker_command"`
	WorkerEnv            []string `json:"worker_env" yaml:"worker_env" toml:"worker_env"`
	AutoStartWorkers     *bool    `json:"auto_start_workers" yaml:"auto_start_workers" toml:"auto_start_workers"`
	ParallelWorkerSpawn  bool     `json:"parallel_worker_spawn" yaml:"parallel_worker_spawn" toml:"parallel_worker_spawn"`
	WorkerSpawnDelay     float64  `json:"worker_spawn_delay" yaml:"worker_spawn_delay" toml:"worker_spawn_delay"`
	WorkerTimeout        float64  `json:"worker_timeout" yaml:"worker_timeout" toml:"worker_timeout"`
	HeartbeatInterval    float64  `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatMissLimit   int      `json:"heartbeat_miss_limit" yaml:"heartbeat_miss_limit" toml:"heartbeat_miss_limit"`
	HeartbeatGraceMisses int      `json:"heartbeat_grace_misses" yaml:"heartbeat_grace_misses" toml:"heartbeat_grace_misses"`
	MessageTimeout       float64  `json:"message_timeout" yaml:"message_timeout" toml:"message_timeout"`
	RetryAttempts        int      `json:"retry_attempts" yaml:"retry_attempts" toml:"retry_attempts"`

	BatchSize         int     `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	SchedulerInterval float64 `json:"scheduler_interval" yaml:"scheduler_interval" toml:"scheduler_interval"`
	TaskTimeout       float64 `json:"task_timeout" yaml:"task_timeout" toml:"task_timeout"`
	JobRetention      float64 `json:"job_retention" yaml:"job_retention" toml:"job_retention"`

	VRAMMonitoring  *bool   `json:"vram_monitoring" yaml:"vram_monitoring" toml:"vram_monitoring"`
	CleanupInterval float64 `json:"cleanup_interval" yaml:"cleanup_interval" toml:"cleanup_interval"`
	MemoryThreshold float64 `json:"memory_threshold" yaml:"memory_threshold" toml:"memory_threshold"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"` // console, json or auto

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Default returns a Config with every field at its default.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

func boolPtr(b bool) *bool { return &b }

// ApplyDefaults fills unspecified fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxRAMCacheGB == 0 {
		c.MaxRAMCacheGB = 32
	}
	if c.ModelDir == "" {
		c.ModelDir = "~/models/diffusion"
	}
	if c.OutputDir == "" {
		c.OutputDir = "./outputs"
	}
	if c.NvidiaSMI == "" {
		c.NvidiaSMI = "nvidia-smi"
	}
	if c.AutoStartWorkers == nil {
		c.AutoStartWorkers = boolPtr(true)
	}
	if c.WorkerSpawnDelay == 0 {
		c.WorkerSpawnDelay = 1
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = 120
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5
	}
	if c.HeartbeatMissLimit == 0 {
		c.HeartbeatMissLimit = 3
	}
	if c.HeartbeatGraceMisses == 0 {
		c.HeartbeatGraceMisses = 1
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = 300
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.BatchSize == 0 {
		c.BatchSize = 4
	}
	if c.SchedulerInterval == 0 {
		c.SchedulerInterval = 10
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 600
	}
	if c.JobRetention == 0 {
		c.JobRetention = 3600
	}
	if c.VRAMMonitoring == nil {
		c.VRAMMonitoring = boolPtr(true)
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 300
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = 0.9
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "auto"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

// Validate rejects values no deployment would want.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxRAMCacheGB < 0 {
		errs = append(errs, fmt.Errorf("max_ram_cache_gb must not be negative"))
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory_threshold %.2f outside (0,1]", c.MemoryThreshold))
	}
	for name, v := range map[string]float64{
		"worker_spawn_delay": c.WorkerSpawnDelay,
		"worker_timeout":     c.WorkerTimeout,
		"heartbeat_interval": c.HeartbeatInterval,
		"message_timeout":    c.MessageTimeout,
		"scheduler_interval": c.SchedulerInterval,
		"task_timeout":       c.TaskTimeout,
		"job_retention":      c.JobRetention,
		"cleanup_interval":   c.CleanupInterval,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch_size must not be negative"))
	}
	for _, i := range c.DeviceList {
		if i < 0 {
			errs = append(errs, fmt.Errorf("device_list entry %d is negative", i))
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q not one of auto, console, json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// CacheBytes is the RAM cache capacity in bytes.
func (c Config) CacheBytes() int64 { return int64(c.MaxRAMCacheGB * float64(1<<30)) }

// Seconds converts a seconds value from the file into a Duration.
func Seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func (c Config) WorkerSpawnDelayDur() time.Duration  { return Seconds(c.WorkerSpawnDelay) }
func (c Config) WorkerTimeoutDur() time.Duration     { return Seconds(c.WorkerTimeout) }
func (c Config) HeartbeatIntervalDur() time.Duration { return Seconds(c.HeartbeatInterval) }
func (c Config) MessageTimeoutDur() time.Duration    { return Seconds(c.MessageTimeout) }
func (c Config) SchedulerIntervalDur() time.Duration { return Seconds(c.SchedulerInterval) }
func (c Config) TaskTimeoutDur() time.Duration       { return Seconds(c.TaskTimeout) }
func (c Config) JobRetentionDur() time.Duration      { return Seconds(c.JobRetention) }
func (c Config) CleanupIntervalDur() time.Duration   { return Seconds(c.CleanupInterval) }

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
