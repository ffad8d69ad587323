package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/fedy/internal/logging"
)

// ErrNoBackup is returned by RestoreFromBackup when no usable .bak exists.
var ErrNoBackup = errors.New("no usable backup")

// Quarantine moves filePath into quarantineDir and returns the new location.
func Quarantine(quarantineDir, filePath string, log *logging.Logger) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().UTC().Format("20060102T150405.000000000")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}

	log.Warnf("quarantined file=%s dest=%s", filePath, quarantinePath)
	return quarantinePath, nil
}

// RestoreFromBackup copies filePath+".bak" over filePath after checking the
// backup still carries a valid schema header of expectedFileType.
func RestoreFromBackup(filePath, expectedFileType string, log *logging.Logger) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNoBackup, bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := ValidateSchemaHeaderFromBytes(content, expectedFileType); err != nil {
		return fmt.Errorf("%w: backup is also corrupted: %v", ErrNoBackup, err)
	}

	if err := AtomicWriteRaw(filePath, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Infof("restored file=%s from=%s", filePath, bakPath)
	return nil
}

// RecoverCorruptedFile quarantines filePath and restores it from its backup.
// When no backup is usable the file stays absent and ErrNoBackup is returned.
func RecoverCorruptedFile(quarantineDir, filePath, fileType string, log *logging.Logger) error {
	if _, err := Quarantine(quarantineDir, filePath, log); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := RestoreFromBackup(filePath, fileType, log); err != nil {
		log.Errorf("backup restore failed file=%s: %v", filePath, err)
		return err
	}
	return nil
}
