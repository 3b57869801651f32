package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Ledger backend names accepted by Config.LedgerBackend.
const (
	LedgerBackendJSON = "json"
	LedgerBackendBolt = "bolt"
)

// Config holds global Chrysalis configuration.
type Config struct {
	// RootDir is the base directory for persistent data (ledger, chains).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// LogDir is the directory for log files.
	LogDir string `json:"log_dir" mapstructure:"log_dir"`
	// PoolSize is the goroutine pool size for concurrent per-disk operations.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// LedgerBackend selects the chain ledger store: "json" (flock-protected
	// JSON file) or "bolt" (bbolt database).
	LedgerBackend string `json:"ledger_backend" mapstructure:"ledger_backend"`

	// QemuImgBinary and VirshBinary locate the block tooling.
	QemuImgBinary string `json:"qemu_img_binary" mapstructure:"qemu_img_binary"`
	VirshBinary   string `json:"virsh_binary" mapstructure:"virsh_binary"`

	// JobPollInterval is how often merge job status is polled.
	JobPollInterval time.Duration `json:"job_poll_interval" mapstructure:"job_poll_interval"`
	// SnapshotPeriod is the interval between scheduler passes over
	// daily-mode disks.
	SnapshotPeriod time.Duration `json:"snapshot_period" mapstructure:"snapshot_period"`
	// SnapshotTimeout bounds a single scheduled snapshot, so one stuck disk
	// cannot stall the whole pass.
	SnapshotTimeout time.Duration `json:"snapshot_timeout" mapstructure:"snapshot_timeout"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:         "/var/lib/chrysalis",
		LogDir:          "/var/log/chrysalis",
		PoolSize:        runtime.NumCPU(),
		LedgerBackend:   LedgerBackendJSON,
		QemuImgBinary:   "qemu-img",
		VirshBinary:     "virsh",
		JobPollInterval: 2 * time.Second,
		SnapshotPeriod:  24 * time.Hour,
		SnapshotTimeout: 10 * time.Minute,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	conf.Normalize()
	return conf, nil
}

// Normalize fills zero-valued fields with defaults.
func (c *Config) Normalize() {
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.LedgerBackend == "" {
		c.LedgerBackend = LedgerBackendJSON
	}
	if c.QemuImgBinary == "" {
		c.QemuImgBinary = "qemu-img"
	}
	if c.VirshBinary == "" {
		c.VirshBinary = "virsh"
	}
	if c.JobPollInterval <= 0 {
		c.JobPollInterval = 2 * time.Second
	}
	if c.SnapshotPeriod <= 0 {
		c.SnapshotPeriod = 24 * time.Hour
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 10 * time.Minute
	}
}
