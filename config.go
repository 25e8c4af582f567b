package loopforge

import (
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/loopforge/loopforge/devices"
	"github.com/loopforge/loopforge/memocache"
	"github.com/loopforge/loopforge/parfor"
	"github.com/loopforge/loopforge/trace"
)

// Configuration sources, in increasing precedence: built-in defaults, the
// YAML file named by LOOPFORGE_CONFIG, per-setting environment variables,
// programmatic setters (SetNumThreads, devices.DefaultConfig, ...).
const (
	// ConfigEnvVar names an optional YAML configuration file.
	ConfigEnvVar = "LOOPFORGE_CONFIG"

	// CacheSizeEnvVar overrides the memoization cache soft capacity, in
	// bytes.
	CacheSizeEnvVar = "LOOPFORGE_CACHE_SIZE"
)

// Config is the runtime's tunable surface. Zero values mean "leave the
// built-in default alone".
type Config struct {
	// NumThreads sizes the shared worker pool.
	NumThreads int `yaml:"num_threads"`

	// Device selects the accelerator backend, formatted as
	// "<backend_name>" or "<backend_name>:<backend_configuration>".
	Device string `yaml:"device"`

	// TraceFile is the path events are written to, in the binary format.
	// Empty keeps the human-readable stream.
	TraceFile string `yaml:"trace_file"`

	// CacheSize is the memoization cache soft capacity in bytes.
	CacheSize int64 `yaml:"cache_size"`
}

// LoadConfig builds the effective configuration from the YAML file (if
// LOOPFORGE_CONFIG is set) overlaid with the per-setting environment
// variables. A missing file is an error; a missing variable is not.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv(ConfigEnvVar); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s=%q", ConfigEnvVar, path)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s=%q", ConfigEnvVar, path)
		}
	}
	if value := os.Getenv(parfor.NumThreadsEnvVar); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.NumThreads = n
		}
	}
	if value := os.Getenv(devices.DeviceEnvVar); value != "" {
		cfg.Device = value
	}
	if value := os.Getenv(trace.TraceFileEnvVar); value != "" {
		cfg.TraceFile = value
	}
	if value := os.Getenv(CacheSizeEnvVar); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			cfg.CacheSize = n
		} else {
			klog.Warningf("loopforge: invalid %s=%q, ignored", CacheSizeEnvVar, value)
		}
	}
	return cfg, nil
}

// Apply pushes the configuration into the runtime services. Settings the
// services read from the environment themselves (thread count, device
// selection, trace file) are only forwarded when the config file set them,
// so programmatic calls made earlier still win.
func (cfg *Config) Apply() {
	if cfg.NumThreads > 0 {
		parfor.SetNumThreads(cfg.NumThreads)
	}
	if cfg.Device != "" && devices.DefaultConfig == "" {
		devices.DefaultConfig = cfg.Device
	}
	if cfg.CacheSize > 0 {
		memocache.SetSize(cfg.CacheSize)
	}
	// The trace file is resolved lazily by the emitter itself; nothing to
	// forward here unless the config file named one and the environment
	// didn't.
	if cfg.TraceFile != "" && os.Getenv(trace.TraceFileEnvVar) == "" {
		if f, err := os.Create(cfg.TraceFile); err == nil {
			trace.SetTraceFile(f)
		} else {
			klog.Warningf("loopforge: cannot open trace file %q: %v", cfg.TraceFile, err)
		}
	}
}

var processConfigOnce sync.Once

// applyProcessConfig loads and applies the process configuration exactly
// once, on the first NewContext.
func applyProcessConfig() {
	processConfigOnce.Do(func() {
		cfg, err := LoadConfig()
		if err != nil {
			klog.Warningf("loopforge: configuration not applied: %v", err)
			return
		}
		cfg.Apply()
	})
}
