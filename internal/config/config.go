package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"` // debug, info, warn, error
	FSMonitor   FSMonitorConfig   `json:"fsmonitor" yaml:"fsmonitor"`
	WorkingCopy WorkingCopyConfig `json:"workingcopy" yaml:"workingcopy"`
	Store       StoreConfig       `json:"store" yaml:"store"`
}

type FSMonitorConfig struct {
	TrackIgnored         bool     `json:"track_ignored" yaml:"track_ignored"`
	Timeout              Duration `json:"timeout" yaml:"timeout"`
	WarnFreshInstance    bool     `json:"warn_fresh_instance" yaml:"warn_fresh_instance"`
	ChangedFileThreshold int      `json:"changed_file_threshold" yaml:"changed_file_threshold"`
	UseWatcherMetadata   *bool    `json:"use_watcher_metadata" yaml:"use_watcher_metadata"`
	ExcludeDirs          []string `json:"exclude_dirs" yaml:"exclude_dirs"`
}

// WatcherMetadata reports whether stat data from the watcher is trusted.
// Unset means true.
func (c FSMonitorConfig) WatcherMetadata() bool {
	return c.UseWatcherMetadata == nil || *c.UseWatcherMetadata
}

type WorkingCopyConfig struct {
	WorkerCount  int    `json:"worker_count" yaml:"worker_count"`
	RefreshMtime string `json:"refresh_mtime" yaml:"refresh_mtime"` // always, never
}

type StoreConfig struct {
	CachePath    string            `json:"cache_path" yaml:"cache_path"`
	LFS          bool              `json:"lfs" yaml:"lfs"`
	LFSThreshold string            `json:"lfs_threshold" yaml:"lfs_threshold"`
	CacheSize    int               `json:"cache_size" yaml:"cache_size"`
	CachePurge   map[string]string `json:"cache_purge" yaml:"cache_purge"`
	Remote       *S3Config         `json:"remote,omitempty" yaml:"remote,omitempty"`
	LFSRemote    *S3Config         `json:"lfs_remote,omitempty" yaml:"lfs_remote,omitempty"`
}

// Threshold parses LFSThreshold. The second return is false when large-object
// routing is disabled or no threshold is configured.
func (c StoreConfig) Threshold() (uint64, bool, error) {
	if !c.LFS || c.LFSThreshold == "" {
		return 0, false, nil
	}
	n, err := humanize.ParseBytes(c.LFSThreshold)
	if err != nil {
		return 0, false, fmt.Errorf("parsing lfs threshold %q: %w", c.LFSThreshold, err)
	}
	return n, true, nil
}

type S3Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Region    string `json:"region" yaml:"region"`
}

// Duration accepts "10s" style strings in both JSON and YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or nanoseconds: %s", b)
		}
		d.Duration = time.Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		FSMonitor: FSMonitorConfig{
			Timeout:              Duration{10 * time.Second},
			ChangedFileThreshold: 200,
			ExcludeDirs:          []string{".tig"},
		},
		WorkingCopy: WorkingCopyConfig{
			WorkerCount:  4,
			RefreshMtime: "always",
		},
		Store: StoreConfig{
			CacheSize:  1000,
			CachePurge: map[string]string{},
		},
	}
}

// Load reads a JSON or YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding json config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.WorkingCopy.WorkerCount < 0 {
		return fmt.Errorf("workingcopy.worker_count must not be negative")
	}
	switch c.WorkingCopy.RefreshMtime {
	case "", "always", "never":
	default:
		return fmt.Errorf("workingcopy.refresh_mtime must be always or never, got %q", c.WorkingCopy.RefreshMtime)
	}
	if _, _, err := c.Store.Threshold(); err != nil {
		return err
	}
	return nil
}
