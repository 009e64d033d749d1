package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/flowsync/core/storage"
)

var (
	ErrUnknownBackend    = errors.New("config: unknown storage backend")
	ErrUnknownPolicy     = errors.New("config: unknown merge policy")
	ErrUnknownEditPolicy = errors.New("config: unknown edit policy")
	ErrBadDuration       = errors.New("config: invalid duration")
	ErrOutOfRange        = errors.New("config: value out of range")
)

type Manager struct {
	configPtr    unsafe.Pointer
	dirs         *storage.Dirs
	explicitPath string
	watchers     []func(*Config)
	onReloadErr  func(error)
	watcherMu    sync.RWMutex
	stopWatch    chan struct{}
	watchOnce    sync.Once
}

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Merge   MergeConfig   `yaml:"merge"`
	History HistoryConfig `yaml:"history"`
	Tabs    TabsConfig    `yaml:"tabs"`
	Tracker TrackerConfig `yaml:"tracker"`
	Hub     HubConfig     `yaml:"hub"`
	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"`  // sqlite | memory
	Database string `yaml:"database"` // database name or absolute path
	MaxBytes int64  `yaml:"max_bytes"`
}

type QueueConfig struct {
	SoftCap       int    `yaml:"soft_cap"`
	MaxRetries    int    `yaml:"max_retries"`
	DrainInterval string `yaml:"drain_interval"`
}

type MergeConfig struct {
	Policy string `yaml:"policy"` // prefer_local | prefer_remote | newest_wins
}

type HistoryConfig struct {
	MaxRecords      int    `yaml:"max_records"`
	ArchiveAfter    string `yaml:"archive_after"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

type TabsConfig struct {
	HeartbeatInterval   string `yaml:"heartbeat_interval"`
	StaleAfter          string `yaml:"stale_after"`
	LockTTL             string `yaml:"lock_ttl"`
	LockRefreshInterval string `yaml:"lock_refresh_interval"`
	EditPolicy          string `yaml:"edit_policy"` // warn | block
}

type TrackerConfig struct {
	MaxWindow     string `yaml:"max_window"`
	DefaultWindow string `yaml:"default_window"`
}

type HubConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

func NewManager(dirs *storage.Dirs) *Manager {
	m := &Manager{
		dirs:      dirs,
		stopWatch: make(chan struct{}),
	}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:  "sqlite",
			Database: "flowsync",
			MaxBytes: 0,
		},
		Queue: QueueConfig{
			SoftCap:       500,
			MaxRetries:    5,
			DrainInterval: "2s",
		},
		Merge: MergeConfig{
			Policy: "prefer_local",
		},
		History: HistoryConfig{
			MaxRecords:      200,
			ArchiveAfter:    "720h",
			CleanupInterval: "1h",
		},
		Tabs: TabsConfig{
			HeartbeatInterval:   "5s",
			StaleAfter:          "15s",
			LockTTL:             "30s",
			LockRefreshInterval: "10s",
			EditPolicy:          "warn",
		},
		Tracker: TrackerConfig{
			MaxWindow:     "30s",
			DefaultWindow: "5s",
		},
		Hub: HubConfig{
			Addr: "127.0.0.1:8787",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

// SetConfigPath overrides the default user config location.
func (m *Manager) SetConfigPath(path string) {
	m.explicitPath = path
}

// Path returns the config file location Load reads from.
func (m *Manager) Path() string {
	if m.explicitPath != "" {
		return m.explicitPath
	}
	return m.dirs.ConfigDir("config.yaml")
}

func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadYAMLFile(m.Path(), cfg); err != nil {
		return fmt.Errorf("user config: %w", err)
	}

	m.applyEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("FLOWSYNC_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("FLOWSYNC_STORAGE_DATABASE"); v != "" {
		cfg.Storage.Database = v
	}
	if v := os.Getenv("FLOWSYNC_STORAGE_MAX_BYTES"); v != "" {
		if n, err := parseInt64(v); err == nil {
			cfg.Storage.MaxBytes = n
		}
	}
	if v := os.Getenv("FLOWSYNC_QUEUE_SOFT_CAP"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Queue.SoftCap = n
		}
	}
	if v := os.Getenv("FLOWSYNC_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("FLOWSYNC_QUEUE_DRAIN_INTERVAL"); v != "" {
		cfg.Queue.DrainInterval = v
	}
	if v := os.Getenv("FLOWSYNC_MERGE_POLICY"); v != "" {
		cfg.Merge.Policy = v
	}
	if v := os.Getenv("FLOWSYNC_HISTORY_MAX_RECORDS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.History.MaxRecords = n
		}
	}
	if v := os.Getenv("FLOWSYNC_HISTORY_ARCHIVE_AFTER"); v != "" {
		cfg.History.ArchiveAfter = v
	}
	if v := os.Getenv("FLOWSYNC_TABS_HEARTBEAT_INTERVAL"); v != "" {
		cfg.Tabs.HeartbeatInterval = v
	}
	if v := os.Getenv("FLOWSYNC_TABS_LOCK_TTL"); v != "" {
		cfg.Tabs.LockTTL = v
	}
	if v := os.Getenv("FLOWSYNC_TABS_EDIT_POLICY"); v != "" {
		cfg.Tabs.EditPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("FLOWSYNC_TRACKER_MAX_WINDOW"); v != "" {
		cfg.Tracker.MaxWindow = v
	}
	if v := os.Getenv("FLOWSYNC_HUB_ADDR"); v != "" {
		cfg.Hub.Addr = v
	}
	if v := os.Getenv("FLOWSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("FLOWSYNC_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Storage.Backend)
	}

	switch c.Merge.Policy {
	case "prefer_local", "prefer_remote", "newest_wins":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, c.Merge.Policy)
	}

	switch c.Tabs.EditPolicy {
	case "warn", "block":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEditPolicy, c.Tabs.EditPolicy)
	}

	if c.Queue.SoftCap < 0 || c.Queue.MaxRetries < 0 || c.History.MaxRecords < 1 {
		return ErrOutOfRange
	}
	if c.Storage.MaxBytes < 0 {
		return ErrOutOfRange
	}

	durations := []string{
		c.Queue.DrainInterval,
		c.History.ArchiveAfter,
		c.History.CleanupInterval,
		c.Tabs.HeartbeatInterval,
		c.Tabs.StaleAfter,
		c.Tabs.LockTTL,
		c.Tabs.LockRefreshInterval,
		c.Tracker.MaxWindow,
		c.Tracker.DefaultWindow,
	}
	for _, d := range durations {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%w: %q", ErrBadDuration, d)
		}
	}

	return nil
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

// OnReloadError registers a callback for reload failures during Watch.
// A failed reload keeps the previous snapshot.
func (m *Manager) OnReloadError(fn func(error)) {
	m.watcherMu.Lock()
	m.onReloadErr = fn
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) reloadError(err error) {
	m.watcherMu.RLock()
	fn := m.onReloadErr
	m.watcherMu.RUnlock()

	if fn != nil {
		fn(err)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Typed accessors for duration-valued settings. Validate guarantees these
// parse after Load; the fallbacks cover hand-built Configs in tests.

func (c QueueConfig) DrainEvery() time.Duration {
	return durationOr(c.DrainInterval, 2*time.Second)
}

func (c HistoryConfig) ArchiveAge() time.Duration {
	return durationOr(c.ArchiveAfter, 720*time.Hour)
}

func (c HistoryConfig) CleanupEvery() time.Duration {
	return durationOr(c.CleanupInterval, time.Hour)
}

func (c TabsConfig) HeartbeatEvery() time.Duration {
	return durationOr(c.HeartbeatInterval, 5*time.Second)
}

func (c TabsConfig) StaleAge() time.Duration {
	return durationOr(c.StaleAfter, 15*time.Second)
}

func (c TabsConfig) LockLifetime() time.Duration {
	return durationOr(c.LockTTL, 30*time.Second)
}

func (c TabsConfig) LockRefreshEvery() time.Duration {
	return durationOr(c.LockRefreshInterval, 10*time.Second)
}

func (c TrackerConfig) MaxEchoWindow() time.Duration {
	return durationOr(c.MaxWindow, 30*time.Second)
}

func (c TrackerConfig) DefaultEchoWindow() time.Duration {
	return durationOr(c.DefaultWindow, 5*time.Second)
}
