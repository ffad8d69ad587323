package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/fedy/internal/logging"
)

const (
	// Default maximum log file size (100MB)
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	TaskID    int            `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// AuditLogger appends entries to a JSONL file and rotates it into an
// archive directory once it exceeds maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
	now             func() time.Time
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
		now:     time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := logger.openLogFile(); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Log writes one entry. task_id, agent_id and event_id are lifted out of
// details when present; a missing event_id gets a fresh UUID.
func (l *AuditLogger) Log(eventType string, details map[string]any) error {
	entry := LogEntry{
		Timestamp: l.now().UTC(),
		EventType: eventType,
		Details:   details,
	}

	if eventID, ok := details["event_id"].(string); ok {
		entry.EventID = eventID
	}
	if taskID, ok := details["task_id"].(int); ok {
		entry.TaskID = taskID
	}
	if agentID, ok := details["agent_id"].(string); ok {
		entry.AgentID = agentID
	}

	return l.WriteEntry(&entry)
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.logPath)
	}
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if l.enableChecksum {
		entry.Checksum = calculateChecksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	timestamp := l.now().Format("20060102_150405")
	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archivePath := filepath.Join(archiveDir,
		fmt.Sprintf("%s.%s.%d%s", base, timestamp, l.rotationCounter, LogFileExtension))

	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}
	return nil
}

// calculateChecksum hashes the entry with its Checksum field cleared.
func calculateChecksum(entry *LogEntry) string {
	entryCopy := *entry
	entryCopy.Checksum = ""

	data, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// ReadEntries returns the entries of logPath in file order. taskID 0 returns
// all of them. Malformed lines are skipped.
func ReadEntries(logPath string, taskID int) ([]LogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var out []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if taskID != 0 && entry.TaskID != taskID {
			continue
		}
		out = append(out, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return out, nil
}

// VerifyLogIntegrity returns how many entries logPath holds and how many of
// them pass their checksum. Entries without a checksum count as valid.
func VerifyLogIntegrity(logPath string) (total int, valid int, err error) {
	entries, err := ReadEntries(logPath, 0)
	if err != nil {
		return 0, 0, err
	}
	for i := range entries {
		total++
		entry := entries[i]
		if entry.Checksum == "" || calculateChecksum(&entry) == entry.Checksum {
			valid++
		}
	}
	return total, valid, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func (l *AuditLogger) Path() string {
	return l.logPath
}

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}

// Attach writes every event published on bus to the audit log. Write errors
// are reported through log. The returned function detaches it.
func Attach(bus *Bus, audit *AuditLogger, log *logging.Logger) func() {
	log = log.With("audit")
	return bus.Subscribe(EventAny, func(e Event) {
		details := make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			details[k] = v
		}
		entry := LogEntry{
			Timestamp: e.Timestamp,
			EventType: string(e.Type),
			Details:   details,
		}
		if id, ok := details["task_id"].(int); ok {
			entry.TaskID = id
		}
		if agent, ok := details["agent_id"].(string); ok {
			entry.AgentID = agent
		}
		if err := audit.WriteEntry(&entry); err != nil {
			log.Errorf("write audit entry event=%s: %v", e.Type, err)
		}
	})
}
