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

	"github.com/msageha/gatekeeper/internal/model"
)

const (
	DefaultMaxLogSize = 50 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the audit trail.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	EventID   string                 `json:"event_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Repo      string                 `json:"repo,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Checksum  string                 `json:"checksum,omitempty"`
}

// AuditLogger appends events to a JSONL file, archiving it once it grows past maxSize.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	checksums   bool
	rotations   int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if !strings.HasSuffix(logPath, LogFileExtension) {
		return nil, fmt.Errorf("audit log %s must end in %s", logPath, LogFileExtension)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	l := &AuditLogger{logPath: logPath, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.currentSize = st.Size()
	return nil
}

// EnableChecksum stamps each subsequent entry with a content checksum.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checksums = enable
}

// Log writes one entry stamped with the current time.
func (l *AuditLogger) Log(eventType string, details map[string]interface{}) error {
	return l.logAt(time.Now().UTC(), eventType, details)
}

func (l *AuditLogger) logAt(ts time.Time, eventType string, details map[string]interface{}) error {
	entry := LogEntry{Timestamp: ts, EventType: eventType, Details: details}
	if id, err := model.GenerateIDAt(model.IDTypeEvent, ts); err == nil {
		entry.EventID = id
	}
	entry.TaskID, _ = details["task_id"].(string)
	entry.AgentID, _ = details["agent_id"].(string)
	entry.Repo, _ = details["repo"].(string)
	return l.WriteEntry(&entry)
}

// Subscriber adapts the logger to a bus subscriber. Write failures are passed
// to onErr when it is non-nil.
func (l *AuditLogger) Subscriber(onErr func(error)) Subscriber {
	return func(e Event) {
		if err := l.logAt(e.Timestamp, string(e.Type), e.Data); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.logPath)
	}
	if l.checksums {
		entry.Checksum = checksum(*entry)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	l.file = nil

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotations++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archived := fmt.Sprintf("%s.%s.%d%s", base, time.Now().UTC().Format("20060102_150405"), l.rotations, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archived)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.open()
}

func checksum(entry LogEntry) string {
	entry.Checksum = ""
	data, err := json.Marshal(entry)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// VerifyLogIntegrity returns the number of entries read and how many of them
// passed their checksum. Entries without a checksum count as valid; malformed
// lines are skipped.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	f, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		total++
		if entry.Checksum == "" || checksum(entry) == entry.Checksum {
			valid++
		}
	}
	return total, valid, sc.Err()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (l *AuditLogger) Path() string { return l.logPath }

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
