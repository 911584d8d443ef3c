package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/gatekeeper/internal/model"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestNewAuditLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "audit.jsonl")

	logger, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	defer logger.Close()

	_, err = os.Stat(logPath)
	assert.NoError(t, err)
	assert.Equal(t, logPath, logger.Path())
}

func TestNewAuditLogger_RejectsWrongExtension(t *testing.T) {
	_, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.log"), 0)
	assert.Error(t, err)
}

func TestAuditLogger_Log(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Log(string(EventTaskScheduled), map[string]interface{}{
		"task_id":  "task-1",
		"agent_id": "agt_1771722000_a3f2b7c1",
		"repo":     "acme/api",
		"cost":     1.5,
	}))

	entries := readEntries(t, logPath)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "task_scheduled", e.EventType)
	assert.Equal(t, "task-1", e.TaskID)
	assert.Equal(t, "agt_1771722000_a3f2b7c1", e.AgentID)
	assert.Equal(t, "acme/api", e.Repo)
	assert.Equal(t, 1.5, e.Details["cost"])
	assert.True(t, model.ValidateID(e.EventID), "event id %q", e.EventID)
}

func TestAuditLogger_Subscriber(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	defer logger.Close()

	bus := NewBus(10)
	defer bus.Close()
	bus.SubscribeAll(logger.Subscriber(func(err error) { t.Errorf("audit write: %v", err) }))

	bus.Publish(EventCircuitOpen, map[string]interface{}{"failures": 5})
	bus.Publish(EventLockExpired, map[string]interface{}{"path": "src/a.go"})

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && bytes.Count(data, []byte("\n")) == 2
	}, time.Second, 5*time.Millisecond)
	entries := readEntries(t, logPath)
	assert.Equal(t, "circuit_open", entries[0].EventType)
	assert.Equal(t, "lock_expired", entries[1].EventType)
}

func TestAuditLogger_BusCloseBeforeLoggerCloseKeepsTail(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)

	bus := NewBus(100)
	bus.SubscribeAll(logger.Subscriber(func(err error) { t.Errorf("audit write: %v", err) }))
	for i := 0; i < 30; i++ {
		bus.Publish(EventTaskCompleted, map[string]interface{}{"n": i})
	}
	bus.Close()
	require.NoError(t, logger.Close())

	assert.Len(t, readEntries(t, logPath), 30)
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, logger.Log("task_queued", map[string]interface{}{"task_id": fmt.Sprintf("t-%d-%d", i, j)}))
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, readEntries(t, logPath), 200)
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 1024)
	require.NoError(t, err)
	defer logger.Close()

	details := map[string]interface{}{"padding": "entry content that makes each line a couple hundred bytes long"}
	for i := 0; i < 30; i++ {
		require.NoError(t, logger.Log("metrics_snapshot", details))
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
	assert.LessOrEqual(t, logger.Size(), int64(1024))
}

func TestAuditLogger_ChecksumAndVerify(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)

	require.NoError(t, logger.Log("plain", nil))
	logger.EnableChecksum(true)
	require.NoError(t, logger.Log("signed", map[string]interface{}{"task_id": "a"}))
	require.NoError(t, logger.Log("signed", map[string]interface{}{"task_id": "b"}))
	require.NoError(t, logger.Close())

	total, valid, err := VerifyLogIntegrity(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, valid)

	entries := readEntries(t, logPath)
	require.NotEmpty(t, entries[1].Checksum)
	entries[1].TaskID = "tampered"
	var lines []byte
	for _, e := range entries {
		b, err := json.Marshal(e)
		require.NoError(t, err)
		lines = append(append(lines, b...), '\n')
	}
	lines = append(lines, []byte("not json\n")...)
	require.NoError(t, os.WriteFile(logPath, lines, 0644))

	total, valid, err = VerifyLogIntegrity(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, valid)
}

func TestAuditLogger_WriteAfterClose(t *testing.T) {
	logger, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	assert.Error(t, logger.Log("late", nil))
}

func TestAuditLogger_AppendsToExistingFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	first, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	require.NoError(t, first.Log("one", nil))
	require.NoError(t, first.Close())

	second, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	defer second.Close()
	assert.Positive(t, second.Size())
	require.NoError(t, second.Log("two", nil))
	assert.Len(t, readEntries(t, logPath), 2)
}
