package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/fedy/internal/docstore"
	"github.com/msageha/fedy/internal/events"
	"github.com/msageha/fedy/internal/logging"
	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
	"github.com/msageha/fedy/internal/scheduler"
	"github.com/msageha/fedy/internal/setup"
)

var errNotInitialized = errors.New("not a fedy project (or any parent): run `fedy init` first")

// app is everything a command needs, opened from the nearest .fedy directory.
type app struct {
	dir   string
	cfg   model.Config
	log   *logging.Logger
	store docstore.Store
	tasks *plan.TaskStore
	sched *scheduler.Scheduler
	bus   *events.Bus
	audit *events.AuditLogger
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	wd, err := opts.workDir()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(wd)
	if err != nil {
		return nil, err
	}
	dir := setup.FindDir(abs)
	if dir == "" {
		return nil, errNotInitialized
	}

	cfg, err := setup.LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if opts.verbose {
		level = logging.LogLevelDebug
	}
	log := logging.New(os.Stderr, level, "fedy")

	store, err := setup.OpenStore(ctx, dir, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &app{dir: dir, cfg: cfg, log: log, store: store, bus: events.NewBus(0)}

	if cfg.Audit.Enabled {
		path := auditLogPath(dir, cfg)
		maxSize := cfg.Audit.MaxSizeBytes
		if maxSize == 0 {
			maxSize = events.DefaultMaxLogSize
		}
		audit, err := events.NewAuditLogger(path, maxSize)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		audit.EnableChecksum(cfg.Audit.Checksum)
		events.Attach(a.bus, audit, log)
		a.audit = audit
	}

	a.tasks = plan.NewTaskStore(store, plan.WithLogger(log))
	a.sched = scheduler.New(a.tasks,
		scheduler.WithLogger(log),
		scheduler.WithBus(a.bus),
		scheduler.WithAgentID(agentID(opts.agent, cfg)),
		scheduler.WithLeaseGrace(time.Duration(cfg.Scheduler.LeaseGraceSec)*time.Second),
	)
	return a, nil
}

// Close flushes pending events to the audit log before closing the store.
func (a *app) Close() error {
	a.bus.Close()
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// projectRoot is the directory holding .fedy.
func (a *app) projectRoot() string {
	return filepath.Dir(a.dir)
}

// recordPaths lists the on-disk files that hold task id's state. Only the
// file backend has per-record files.
func (a *app) recordPaths(id int) []string {
	fs, ok := a.store.(*docstore.FileStore)
	if !ok {
		return nil
	}
	var paths []string
	for _, key := range plan.RecordKeys(id) {
		paths = append(paths, fs.Path(key))
	}
	return paths
}

func auditLogPath(fedyDir string, cfg model.Config) string {
	if filepath.IsAbs(cfg.Audit.Path) {
		return cfg.Audit.Path
	}
	return filepath.Join(fedyDir, cfg.Audit.Path)
}

func agentID(flag string, cfg model.Config) string {
	if flag != "" {
		return flag
	}
	if cfg.Scheduler.AgentID != "" {
		return cfg.Scheduler.AgentID
	}
	if env := os.Getenv("FEDY_AGENT_ID"); env != "" {
		return env
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, opts *rootOptions, fn func(*app) error) (err error) {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return fn(a)
}
