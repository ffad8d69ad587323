package setup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/fedy/internal/docstore"
	"github.com/msageha/fedy/internal/logging"
	"github.com/msageha/fedy/internal/model"
)

// OpenStore opens the document store configured for the project in fedyDir.
func OpenStore(ctx context.Context, fedyDir string, cfg model.Config, log *logging.Logger) (docstore.Store, error) {
	timeout := time.Duration(cfg.Store.LockTimeoutMs) * time.Millisecond

	switch cfg.Store.Backend {
	case model.StoreBackendSQLite:
		path := resolve(fedyDir, cfg.Store.SQLitePath)
		s, err := docstore.OpenSQLite(ctx, path, timeout)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Debugf("store_opened backend=sqlite path=%s", path)
		return s, nil
	case model.StoreBackendFile, "":
		root := resolve(fedyDir, cfg.Store.Dir)
		s, err := docstore.NewFileStore(root, docstore.FileStoreOptions{
			LockDir:       filepath.Join(fedyDir, "locks"),
			QuarantineDir: filepath.Join(fedyDir, "quarantine"),
			LockTimeout:   timeout,
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		log.Debugf("store_opened backend=file root=%s", root)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// WatchDirs returns the directories whose changes mean the plan changed.
func WatchDirs(fedyDir string, cfg model.Config) []string {
	if cfg.Store.Backend == model.StoreBackendSQLite {
		return []string{filepath.Dir(resolve(fedyDir, cfg.Store.SQLitePath))}
	}
	return []string{resolve(fedyDir, cfg.Store.Dir)}
}

func resolve(fedyDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(fedyDir, p)
}
