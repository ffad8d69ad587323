package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/fedy/internal/logging"
)

const validRecord = "schema_version: 1\nfile_type: record\nkey: tasks/1\nversion: 2\ndata: \"id: 1\\n\"\n"

func TestQuarantine(t *testing.T) {
	root := t.TempDir()
	filePath := filepath.Join(root, "1.yaml")
	os.WriteFile(filePath, []byte("corrupted: [\n"), 0644)

	qdir := filepath.Join(root, "quarantine")
	dest, err := Quarantine(qdir, filePath, logging.Discard())
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Error("original file should be removed after quarantine")
	}
	if filepath.Dir(dest) != qdir {
		t.Errorf("quarantined into %s, want %s", filepath.Dir(dest), qdir)
	}
	name := filepath.Base(dest)
	if !strings.HasPrefix(name, "1.yaml.") || !strings.HasSuffix(name, ".corrupt") {
		t.Errorf("unexpected quarantine filename: %s", name)
	}
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "1.yaml")
	os.WriteFile(filePath+".bak", []byte(validRecord), 0644)

	if err := RestoreFromBackup(filePath, FileTypeRecord, logging.Discard()); err != nil {
		t.Fatalf("RestoreFromBackup failed: %v", err)
	}

	if err := ValidateSchemaHeader(filePath, FileTypeRecord); err != nil {
		t.Errorf("restored file invalid: %v", err)
	}
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	dir := t.TempDir()
	err := RestoreFromBackup(filepath.Join(dir, "1.yaml"), FileTypeRecord, logging.Discard())
	if !errors.Is(err, ErrNoBackup) {
		t.Errorf("expected ErrNoBackup, got %v", err)
	}
}

func TestRestoreFromBackup_CorruptBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "1.yaml")
	os.WriteFile(filePath+".bak", []byte(":\n  broken: [\n"), 0644)

	err := RestoreFromBackup(filePath, FileTypeRecord, logging.Discard())
	if !errors.Is(err, ErrNoBackup) {
		t.Errorf("expected ErrNoBackup, got %v", err)
	}
	if _, statErr := os.Stat(filePath); !os.IsNotExist(statErr) {
		t.Error("corrupt backup must not be restored")
	}
}

func TestRecoverCorruptedFile_WithBackup(t *testing.T) {
	root := t.TempDir()
	filePath := filepath.Join(root, "1.yaml")
	os.WriteFile(filePath, []byte("corrupted: [\n"), 0644)
	os.WriteFile(filePath+".bak", []byte(validRecord), 0644)

	qdir := filepath.Join(root, "quarantine")
	if err := RecoverCorruptedFile(qdir, filePath, FileTypeRecord, logging.Discard()); err != nil {
		t.Fatalf("RecoverCorruptedFile failed: %v", err)
	}

	if err := ValidateSchemaHeader(filePath, FileTypeRecord); err != nil {
		t.Errorf("restored file invalid: %v", err)
	}
	entries, _ := os.ReadDir(qdir)
	if len(entries) != 1 {
		t.Errorf("expected 1 quarantined file, got %d", len(entries))
	}
}

func TestRecoverCorruptedFile_WithoutBackup(t *testing.T) {
	root := t.TempDir()
	filePath := filepath.Join(root, "1.yaml")
	os.WriteFile(filePath, []byte("corrupted: [\n"), 0644)

	err := RecoverCorruptedFile(filepath.Join(root, "quarantine"), filePath, FileTypeRecord, logging.Discard())
	if !errors.Is(err, ErrNoBackup) {
		t.Fatalf("expected ErrNoBackup, got %v", err)
	}
	if _, statErr := os.Stat(filePath); !os.IsNotExist(statErr) {
		t.Error("corrupted file should have been moved away")
	}
}
