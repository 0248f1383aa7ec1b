// Package config handles cortex configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--backend, --data-dir, etc.)
//  2. Environment variables (CORTEX_*)
//  3. Config file (cortex.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables (all use CORTEX_ prefix):
//
// Device:
//   - CORTEX_BACKEND="auto", "cpu", "metal" or "mock"
//   - CORTEX_MAX_BUFFER="1GB"
//   - CORTEX_MAX_THREADS_PER_GROUP=1024
//   - CORTEX_WORKERS=0
//   - CORTEX_MAX_GROUP_MEMORY="32MB"
//
// Pipeline:
//   - CORTEX_KERNEL_SOURCE="./kernels.yaml"
//   - CORTEX_VOCAB_SIZE=50257
//   - CORTEX_CHUNK_SIZE=32
//
// Quantization and search:
//   - CORTEX_QUANT_SCALE=0.1
//   - CORTEX_QUANT_ZERO_POINT=128
//   - CORTEX_QUANT_CALIBRATE=false
//   - CORTEX_SEARCH_K=10
//
// Storage:
//   - CORTEX_DATA_DIR="./data"
//   - CORTEX_IN_MEMORY=false
//   - CORTEX_SYNC_WRITES=false
//
// Logging:
//   - CORTEX_LOG_LEVEL="INFO"
//   - CORTEX_LOG_OUTPUT="stderr"
//   - CORTEX_METRICS=true
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all cortex configuration.
//
// Configuration is organized into logical sections:
//   - GPU: device selection and limits
//   - Pipeline: kernel program and caller-side tokenization settings
//   - Quantization: affine quantization parameters
//   - Search: defaults for ANN queries
//   - Storage: snapshot store location
//   - Logging: log level, output and metrics
type Config struct {
	GPU          GPUConfig
	Pipeline     PipelineConfig
	Quantization QuantizationConfig
	Search       SearchConfig
	Storage      StorageConfig
	Logging      LoggingConfig
}

// GPUConfig holds device settings.
type GPUConfig struct {
	// Backend selects the device: auto, cpu, metal or mock
	Backend string
	// MaxBufferLength caps a single allocation in bytes
	MaxBufferLength int64
	// MaxThreadsPerGroup caps pipeline occupancy
	MaxThreadsPerGroup int
	// Workers bounds parallel thread groups (0 = GOMAXPROCS)
	Workers int
	// MaxGroupMemory caps the group memory of one thread group in bytes
	MaxGroupMemory int64
	// LowPower is reported to health checks
	LowPower bool
}

// PipelineConfig holds sequence pipeline settings.
type PipelineConfig struct {
	// KernelSource is a kernel manifest path; empty uses the embedded program
	KernelSource string
	// VocabSize normalizes token ids into [0, 1)
	VocabSize int
	// ChunkSize is the number of tokens per streamed chunk
	ChunkSize int
}

// QuantizationConfig holds quantizer parameters.
type QuantizationConfig struct {
	Scale     float64
	ZeroPoint float64
	// Calibrate derives parameters from the data instead of Scale/ZeroPoint
	Calibrate bool
}

// SearchConfig holds ANN search defaults.
type SearchConfig struct {
	DefaultK int
}

// StorageConfig holds snapshot store settings.
type StorageConfig struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR
	Level string
	// Output is stderr, stdout or a file path
	Output string
	// Metrics enables the Prometheus collectors
	Metrics bool
}

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	GPU struct {
		Backend            string `yaml:"backend"`
		MaxBuffer          string `yaml:"max_buffer"` // e.g. "1GB", "512MB"
		MaxThreadsPerGroup int    `yaml:"max_threads_per_group"`
		Workers            int    `yaml:"workers"`
		MaxGroupMemory     string `yaml:"max_group_memory"`
		LowPower           bool   `yaml:"low_power"`
	} `yaml:"gpu"`

	Pipeline struct {
		KernelSource string `yaml:"kernel_source"`
		VocabSize    int    `yaml:"vocab_size"`
		ChunkSize    int    `yaml:"chunk_size"`
	} `yaml:"pipeline"`

	Quantization struct {
		Scale     float64  `yaml:"scale"`
		ZeroPoint *float64 `yaml:"zero_point"` // pointer: 0 is a valid zero point
		Calibrate bool     `yaml:"calibrate"`
	} `yaml:"quantization"`

	Search struct {
		DefaultK int `yaml:"default_k"`
	} `yaml:"search"`

	Storage struct {
		DataDir    string `yaml:"data_dir"`
		InMemory   bool   `yaml:"in_memory"`
		SyncWrites bool   `yaml:"sync_writes"`
	} `yaml:"storage"`

	Logging struct {
		Level   string `yaml:"level"`
		Output  string `yaml:"output"`
		Metrics *bool  `yaml:"metrics"`
	} `yaml:"logging"`
}

// LoadDefaults returns the built-in configuration.
func LoadDefaults() *Config {
	config := &Config{}

	config.GPU.Backend = "auto"
	config.GPU.MaxBufferLength = 1 << 30 // 1GB
	config.GPU.MaxThreadsPerGroup = 1024
	config.GPU.Workers = 0
	config.GPU.MaxGroupMemory = 32 << 20 // 32MB

	config.Pipeline.KernelSource = ""
	config.Pipeline.VocabSize = 50257 // GPT-2 BPE
	config.Pipeline.ChunkSize = 32

	config.Quantization.Scale = 0.1
	config.Quantization.ZeroPoint = 128
	config.Quantization.Calibrate = false

	config.Search.DefaultK = 10

	config.Storage.DataDir = "./data"

	config.Logging.Level = "INFO"
	config.Logging.Output = "stderr"
	config.Logging.Metrics = true

	return config
}

// LoadFromEnv returns defaults overridden by CORTEX_* environment variables.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

// LoadFromFile loads defaults, then the YAML file at configPath, then
// environment variables. A missing or empty path is not an error.
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := applyYAML(config, data); err != nil {
				return nil, err
			}
		}
	}

	applyEnvVars(config)
	return config, nil
}

func applyYAML(config *Config, data []byte) error {
	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// === GPU Settings ===
	if yamlCfg.GPU.Backend != "" {
		config.GPU.Backend = yamlCfg.GPU.Backend
	}
	if yamlCfg.GPU.MaxBuffer != "" {
		size := parseMemorySize(yamlCfg.GPU.MaxBuffer)
		if size <= 0 {
			return fmt.Errorf("invalid gpu.max_buffer %q", yamlCfg.GPU.MaxBuffer)
		}
		config.GPU.MaxBufferLength = size
	}
	if yamlCfg.GPU.MaxThreadsPerGroup > 0 {
		config.GPU.MaxThreadsPerGroup = yamlCfg.GPU.MaxThreadsPerGroup
	}
	if yamlCfg.GPU.Workers > 0 {
		config.GPU.Workers = yamlCfg.GPU.Workers
	}
	if yamlCfg.GPU.MaxGroupMemory != "" {
		size := parseMemorySize(yamlCfg.GPU.MaxGroupMemory)
		if size <= 0 {
			return fmt.Errorf("invalid gpu.max_group_memory %q", yamlCfg.GPU.MaxGroupMemory)
		}
		config.GPU.MaxGroupMemory = size
	}
	if yamlCfg.GPU.LowPower {
		config.GPU.LowPower = true
	}

	// === Pipeline Settings ===
	if yamlCfg.Pipeline.KernelSource != "" {
		config.Pipeline.KernelSource = yamlCfg.Pipeline.KernelSource
	}
	if yamlCfg.Pipeline.VocabSize > 0 {
		config.Pipeline.VocabSize = yamlCfg.Pipeline.VocabSize
	}
	if yamlCfg.Pipeline.ChunkSize > 0 {
		config.Pipeline.ChunkSize = yamlCfg.Pipeline.ChunkSize
	}

	// === Quantization Settings ===
	if yamlCfg.Quantization.Scale != 0 {
		config.Quantization.Scale = yamlCfg.Quantization.Scale
	}
	if yamlCfg.Quantization.ZeroPoint != nil {
		config.Quantization.ZeroPoint = *yamlCfg.Quantization.ZeroPoint
	}
	if yamlCfg.Quantization.Calibrate {
		config.Quantization.Calibrate = true
	}

	// === Search Settings ===
	if yamlCfg.Search.DefaultK > 0 {
		config.Search.DefaultK = yamlCfg.Search.DefaultK
	}

	// === Storage Settings ===
	if yamlCfg.Storage.DataDir != "" {
		config.Storage.DataDir = yamlCfg.Storage.DataDir
	}
	if yamlCfg.Storage.InMemory {
		config.Storage.InMemory = true
	}
	if yamlCfg.Storage.SyncWrites {
		config.Storage.SyncWrites = true
	}

	// === Logging Settings ===
	if yamlCfg.Logging.Level != "" {
		config.Logging.Level = strings.ToUpper(yamlCfg.Logging.Level)
	}
	if yamlCfg.Logging.Output != "" {
		config.Logging.Output = yamlCfg.Logging.Output
	}
	if yamlCfg.Logging.Metrics != nil {
		config.Logging.Metrics = *yamlCfg.Logging.Metrics
	}
	return nil
}

// applyEnvVars overrides config with any CORTEX_* variables that are set.
func applyEnvVars(config *Config) {
	config.GPU.Backend = getEnv("CORTEX_BACKEND", config.GPU.Backend)
	if v := getEnv("CORTEX_MAX_BUFFER", ""); v != "" {
		if size := parseMemorySize(v); size > 0 {
			config.GPU.MaxBufferLength = size
		}
	}
	if v := getEnv("CORTEX_MAX_GROUP_MEMORY", ""); v != "" {
		if size := parseMemorySize(v); size > 0 {
			config.GPU.MaxGroupMemory = size
		}
	}
	config.GPU.MaxThreadsPerGroup = getEnvInt("CORTEX_MAX_THREADS_PER_GROUP", config.GPU.MaxThreadsPerGroup)
	config.GPU.Workers = getEnvInt("CORTEX_WORKERS", config.GPU.Workers)
	config.GPU.LowPower = getEnvBool("CORTEX_LOW_POWER", config.GPU.LowPower)

	config.Pipeline.KernelSource = getEnv("CORTEX_KERNEL_SOURCE", config.Pipeline.KernelSource)
	config.Pipeline.VocabSize = getEnvInt("CORTEX_VOCAB_SIZE", config.Pipeline.VocabSize)
	config.Pipeline.ChunkSize = getEnvInt("CORTEX_CHUNK_SIZE", config.Pipeline.ChunkSize)

	config.Quantization.Scale = getEnvFloat("CORTEX_QUANT_SCALE", config.Quantization.Scale)
	config.Quantization.ZeroPoint = getEnvFloat("CORTEX_QUANT_ZERO_POINT", config.Quantization.ZeroPoint)
	config.Quantization.Calibrate = getEnvBool("CORTEX_QUANT_CALIBRATE", config.Quantization.Calibrate)

	config.Search.DefaultK = getEnvInt("CORTEX_SEARCH_K", config.Search.DefaultK)

	config.Storage.DataDir = getEnv("CORTEX_DATA_DIR", config.Storage.DataDir)
	config.Storage.InMemory = getEnvBool("CORTEX_IN_MEMORY", config.Storage.InMemory)
	config.Storage.SyncWrites = getEnvBool("CORTEX_SYNC_WRITES", config.Storage.SyncWrites)

	config.Logging.Level = strings.ToUpper(getEnv("CORTEX_LOG_LEVEL", config.Logging.Level))
	config.Logging.Output = getEnv("CORTEX_LOG_OUTPUT", config.Logging.Output)
	config.Logging.Metrics = getEnvBool("CORTEX_METRICS", config.Logging.Metrics)
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	switch strings.ToLower(c.GPU.Backend) {
	case "", "auto", "cpu", "software", "metal", "mps", "mock", "test":
	default:
		return fmt.Errorf("invalid gpu backend: %q", c.GPU.Backend)
	}
	if c.GPU.MaxBufferLength <= 0 {
		return fmt.Errorf("invalid max buffer length: %d", c.GPU.MaxBufferLength)
	}
	if c.GPU.MaxThreadsPerGroup <= 0 {
		return fmt.Errorf("invalid max threads per group: %d", c.GPU.MaxThreadsPerGroup)
	}
	if c.GPU.MaxGroupMemory <= 0 {
		return fmt.Errorf("invalid max group memory: %d", c.GPU.MaxGroupMemory)
	}
	if c.GPU.Workers < 0 {
		return fmt.Errorf("invalid workers: %d", c.GPU.Workers)
	}
	if c.Pipeline.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab size: %d", c.Pipeline.VocabSize)
	}
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d", c.Pipeline.ChunkSize)
	}
	if c.Quantization.Scale == 0 {
		return fmt.Errorf("quantization scale must be non-zero")
	}
	if c.Quantization.ZeroPoint < 0 || c.Quantization.ZeroPoint > 255 {
		return fmt.Errorf("quantization zero point %v outside [0, 255]", c.Quantization.ZeroPoint)
	}
	if c.Search.DefaultK <= 0 {
		return fmt.Errorf("invalid default k: %d", c.Search.DefaultK)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir required unless in_memory is set")
	}
	switch c.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	return nil
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Backend: %s, MaxBuffer: %s, Threads: %d, Quant: %g/%g, K: %d, DataDir: %s, Log: %s}",
		c.GPU.Backend, FormatMemorySize(c.GPU.MaxBufferLength), c.GPU.MaxThreadsPerGroup,
		c.Quantization.Scale, c.Quantization.ZeroPoint,
		c.Search.DefaultK, c.Storage.DataDir, c.Logging.Level,
	)
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.cortex/config.yaml
//  2. Same directory as the binary (cortex.yaml)
//  3. Current working directory (cortex.yaml, config.yaml)
//  4. ~/.config/cortex/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".cortex", "config.yaml"))
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "cortex.yaml"))
	}
	candidates = append(candidates, "cortex.yaml", "config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "cortex", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB". Invalid input returns 0.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
