// Package model defines fedy's configuration, task records and the task status lifecycle.
package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	VCS       VCSConfig       `yaml:"vcs"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Created string `yaml:"created"`
	Root    string `yaml:"root"`
}

const (
	StoreBackendFile   = "file"
	StoreBackendSQLite = "sqlite"
)

type StoreConfig struct {
	Backend       string `yaml:"backend"`         // "file" or "sqlite"
	Dir           string `yaml:"dir"`             // file backend root, relative to .fedy/
	SQLitePath    string `yaml:"sqlite_path"`     // sqlite backend file, relative to .fedy/
	LockTimeoutMs int    `yaml:"lock_timeout_ms"` // bound on per-key flock wait
}

type SchedulerConfig struct {
	AgentID       string `yaml:"agent_id"`
	LeaseGraceSec int    `yaml:"lease_grace_sec"`
}

type WatcherConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type AuditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	Checksum     bool   `yaml:"checksum"`
}

type VCSConfig struct {
	AutoCommit bool `yaml:"auto_commit"`
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendFile
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "store"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "fedy.db"
	}
	if c.Store.LockTimeoutMs <= 0 {
		c.Store.LockTimeoutMs = 5000
	}
	if c.Scheduler.LeaseGraceSec <= 0 {
		c.Scheduler.LeaseGraceSec = 30
	}
	if c.Watcher.DebounceMs <= 0 {
		c.Watcher.DebounceMs = 200
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "logs/audit.jsonl"
	}
	return c
}

// DefaultConfig is what `fedy init` writes.
func DefaultConfig() Config {
	c := Config{
		Audit: AuditConfig{Enabled: true, Checksum: true},
	}
	return c.WithDefaults()
}
