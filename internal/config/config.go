// Package config replaces the teacher's ConfigManager (a key/value
// wrapper over storage rows) with a single enumerated Config struct, per
// spec.md §9 ("dynamic option bags must be replaced by an enumerated
// configuration struct with documented defaults"). An optional YAML file
// may be layered over the defaults, grounded on KilimcininKorOglu-burkut's
// internal/config (gopkg.in/yaml.v3-based).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Chunked holds the CD-specific tuning knobs of spec.md §6.
type Chunked struct {
	SizeThreshold       int64         `yaml:"sizeThreshold"`
	DefaultChunks       int           `yaml:"defaultChunks"`
	MinChunks           int           `yaml:"minChunks"`
	MaxChunks           int           `yaml:"maxChunks"`
	MinChunkSize        int64         `yaml:"minChunkSize"`
	MaxConcurrentChunks int           `yaml:"maxConcurrentChunks"`
	ChunkRetries        int           `yaml:"chunkRetries"`
	CheckRangeSupport   bool          `yaml:"checkRangeSupport"`
	RangeSupportTimeout time.Duration `yaml:"rangeSupportTimeout"`
	ForceSimpleDownload bool          `yaml:"forceSimpleDownload"`
	CleanupOnComplete   bool          `yaml:"cleanupOnComplete"`
	PreserveOnPause     bool          `yaml:"preserveOnPause"`
	MergeBufferSize     int64         `yaml:"mergeBufferSize"`
	MergeBatchSize      int64         `yaml:"mergeBatchSize"`
	MergeYieldInterval  int           `yaml:"mergeYieldInterval"`
	PreallocateFile     bool          `yaml:"preallocateFile"`
	AdaptiveConcurrency bool          `yaml:"adaptiveConcurrency"`
}

// Bandwidth holds the BS tuning knobs of spec.md §6.
type Bandwidth struct {
	Enabled                    bool          `yaml:"enabled"`
	AutoDetect                 bool          `yaml:"autoDetect"`
	MaxBandwidthBytesPerSecond int64         `yaml:"maxBandwidthBytesPerSecond"`
	DistributionPercentages    []int         `yaml:"distributionPercentages"`
	UpdateInterval             time.Duration `yaml:"updateInterval"`
}

// Security holds the host-whitelist policy.
type Security struct {
	AllowedHosts []string `yaml:"allowedHosts"`
}

// Files holds file-size limits.
type Files struct {
	MaxFileSize     int64 `yaml:"maxFileSize"`
	SizeMarginBytes int64 `yaml:"sizeMarginBytes"`
}

// Config is the complete enumerated configuration, replacing dynamic
// option bags per spec.md §9. Every field here corresponds to a row in
// spec.md §6's configuration table.
type Config struct {
	MaxConcurrent          int           `yaml:"maxConcurrent"`
	MaxRetries             int           `yaml:"maxRetries"`
	RetryDelay             time.Duration `yaml:"retryDelay"`
	StaleTimeout           time.Duration `yaml:"staleTimeout"`
	ProgressUpdateInterval time.Duration `yaml:"progressUpdateInterval"`
	LockTimeout            time.Duration `yaml:"lockTimeout"`
	LockCheckInterval      time.Duration `yaml:"lockCheckInterval"`
	QueueProcessingTimeout time.Duration `yaml:"queueProcessingTimeout"`

	Chunked   Chunked   `yaml:"chunked"`
	Bandwidth Bandwidth `yaml:"bandwidth"`
	Security  Security  `yaml:"security"`
	Files     Files     `yaml:"files"`

	UserAgent string `yaml:"userAgent"`
	DataDir   string `yaml:"dataDir"`
}

// Defaults returns the documented spec.md §6 defaults.
func Defaults() Config {
	return Config{
		MaxConcurrent:          3,
		MaxRetries:             3,
		RetryDelay:             1000 * time.Millisecond,
		StaleTimeout:           300_000 * time.Millisecond,
		ProgressUpdateInterval: 200 * time.Millisecond,
		LockTimeout:            5000 * time.Millisecond,
		LockCheckInterval:      25 * time.Millisecond,
		QueueProcessingTimeout: 5 * time.Second,

		Chunked: Chunked{
			SizeThreshold:       10 * 1024 * 1024,
			DefaultChunks:       8,
			MinChunks:           2,
			MaxChunks:           32,
			MinChunkSize:        2 * 1024 * 1024,
			MaxConcurrentChunks: 8,
			ChunkRetries:        5,
			CheckRangeSupport:   true,
			RangeSupportTimeout: 5 * time.Second,
			ForceSimpleDownload: false,
			CleanupOnComplete:   true,
			PreserveOnPause:     true,
			MergeBufferSize:     16 * 1024 * 1024,
			MergeBatchSize:      8 * 1024 * 1024,
			MergeYieldInterval:  10,
			PreallocateFile:     true,
			AdaptiveConcurrency: false,
		},

		Bandwidth: Bandwidth{
			Enabled:                    true,
			AutoDetect:                 true,
			MaxBandwidthBytesPerSecond: 0,
			DistributionPercentages:    []int{40, 30, 30},
			UpdateInterval:             100 * time.Millisecond,
		},

		Security: Security{
			AllowedHosts: nil,
		},

		Files: Files{
			MaxFileSize:     50 * 1024 * 1024 * 1024,
			SizeMarginBytes: 10 * 1024,
		},

		UserAgent: "dlengine/1.0",
	}
}

// Load layers an optional YAML file at path over Defaults(). A missing
// file is not an error — the defaults apply unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
