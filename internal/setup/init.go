// Package setup handles fedy project initialization and config loading.
package setup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
	fyaml "github.com/msageha/fedy/internal/yaml"
	"github.com/msageha/fedy/templates"
)

// DirName is the per-project state directory.
const DirName = ".fedy"

// configFile is config.yaml on disk: the schema header plus the config body.
type configFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Config        model.Config `yaml:",inline"`
}

// Run initializes the .fedy/ directory structure in the given project directory.
// projectName overrides the auto-detected name (defaults to directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}

	dirs := []string{
		cfg.Store.Dir,
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := copyTemplateFile("agent.md", filepath.Join(base, "agent.md")); err != nil {
		return err
	}

	if err := fyaml.AtomicWrite(filepath.Join(base, "config.yaml"), &configFile{
		SchemaVersion: fyaml.CurrentSchemaVersion,
		FileType:      fyaml.FileTypeConfig,
		Config:        cfg,
	}); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	store, err := OpenStore(context.Background(), base, cfg, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := plan.NewTaskStore(store).Init(context.Background()); err != nil {
		return fmt.Errorf("initialize plan: %w", err)
	}
	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	var cf configFile
	if err := yamlv3.Unmarshal(data, &cf); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}
	cfg := cf.Config

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Root = projectDir
	cfg.Project.Created = time.Now().Format(time.RFC3339)

	return cfg.WithDefaults(), nil
}

// FindDir walks up from dir looking for a .fedy directory. It returns "" when
// none is found.
func FindDir(dir string) string {
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadConfig reads <fedyDir>/config.yaml and fills in defaults.
func LoadConfig(fedyDir string) (model.Config, error) {
	path := filepath.Join(fedyDir, "config.yaml")
	if err := fyaml.ValidateSchemaHeader(path, fyaml.FileTypeConfig); err != nil {
		return model.Config{}, fmt.Errorf("config.yaml: %w", err)
	}
	var cf configFile
	if err := fyaml.ReadFile(path, &cf); err != nil {
		return model.Config{}, fmt.Errorf("config.yaml: %w", err)
	}
	cfg := cf.Config.WithDefaults()
	if err := validateConfig(cfg); err != nil {
		return model.Config{}, fmt.Errorf("config.yaml: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg model.Config) error {
	switch cfg.Store.Backend {
	case model.StoreBackendFile, model.StoreBackendSQLite:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q",
			model.StoreBackendFile, model.StoreBackendSQLite, cfg.Store.Backend)
	}
	if cfg.Audit.MaxSizeBytes < 0 {
		return fmt.Errorf("audit.max_size_bytes must not be negative")
	}
	return nil
}
