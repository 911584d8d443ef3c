package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/gatekeeper/internal/model"
	yamlutil "github.com/msageha/gatekeeper/internal/yaml"
)

// MetricsHandler writes state/metrics.yaml and dashboard.md.
type MetricsHandler struct {
	dir      string
	logger   *log.Logger
	logLevel model.LogLevel
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(dir string, logger *log.Logger, logLevel model.LogLevel) *MetricsHandler {
	return &MetricsHandler{dir: dir, logger: logger, logLevel: logLevel}
}

func (mh *MetricsHandler) metricsPath() string {
	return filepath.Join(mh.dir, StateDir, "metrics.yaml")
}

// EnsureSnapshot recovers a metrics file left corrupted by a previous run.
func (mh *MetricsHandler) EnsureSnapshot() error {
	path := mh.metricsPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	err := yamlutil.ValidateSchemaHeader(path, model.FileTypeStateMetrics)
	if err == nil {
		return nil
	}
	mh.log(model.LogLevelWarn, "metrics file invalid, recovering: %v", err)
	return yamlutil.RecoverCorruptedFile(mh.dir, path, model.FileTypeStateMetrics)
}

// WriteSnapshot replaces state/metrics.yaml with st.
func (mh *MetricsHandler) WriteSnapshot(st model.Status) error {
	heartbeat := st.GeneratedAt.UTC().Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)
	file := model.MetricsFile{
		SchemaVersion:   yamlutil.CurrentSchemaVersion,
		FileType:        model.FileTypeStateMetrics,
		Status:          st,
		DaemonHeartbeat: &heartbeat,
		UpdatedAt:       &now,
	}
	if err := yamlutil.AtomicWrite(mh.metricsPath(), file); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

// WriteDashboard renders a markdown summary to dashboard.md.
func (mh *MetricsHandler) WriteDashboard(st model.Status, active []model.ActiveAgent, queue []model.QueuedTask) error {
	var sb strings.Builder
	sb.WriteString("# Gatekeeper Dashboard\n\n")
	fmt.Fprintf(&sb, "Updated: %s\n\n", st.GeneratedAt.UTC().Format(time.RFC3339))

	sb.WriteString("## Capacity\n\n")
	fmt.Fprintf(&sb, "- active: %d / %d (utilization %.0f%%)\n", st.Active, st.MaxConcurrent, st.Utilization*100)
	fmt.Fprintf(&sb, "- idle: %d\n", st.Idle)
	fmt.Fprintf(&sb, "- queued: %d\n", st.Queued)
	fmt.Fprintf(&sb, "- held locks: %d\n", st.HeldLocks)
	fmt.Fprintf(&sb, "- circuit: %s (failures=%d)\n", st.Breaker.State, st.Breaker.Failures)

	sb.WriteString("\n## Budget\n\n")
	sb.WriteString("| Scope | Used | Cap |\n")
	sb.WriteString("|-------|-----:|----:|\n")
	fmt.Fprintf(&sb, "| global | %.2f | %.2f |\n", st.Budget.Global, st.Budget.GlobalCap)
	repos := make([]string, 0, len(st.Budget.Repos))
	for r := range st.Budget.Repos {
		repos = append(repos, r)
	}
	sort.Strings(repos)
	for _, r := range repos {
		u := st.Budget.Repos[r]
		fmt.Fprintf(&sb, "| %s | %.2f | %.2f |\n", r, u.Used, u.Cap)
	}

	sb.WriteString("\n## Active Agents\n\n")
	if len(active) == 0 {
		sb.WriteString("_No active agents_\n")
	}
	for _, a := range active {
		fmt.Fprintf(&sb, "- `%s` %s %s/%s (task=%s, since %s)\n",
			a.AgentID, a.Agent, a.Repo, a.Kind, a.TaskID, a.StartedAt.UTC().Format(time.RFC3339))
	}

	sb.WriteString("\n## Queue\n\n")
	if len(queue) == 0 {
		sb.WriteString("_Queue empty_\n")
	}
	for _, q := range queue {
		fmt.Fprintf(&sb, "%d. `%s` %s priority=%s reason=%s retries=%d\n",
			q.Position, q.Task.ID, q.Task.Repo, q.Task.Priority, q.Reason, q.Retries)
	}

	sb.WriteString("\n## Completed Work\n\n")
	fmt.Fprintf(&sb, "- completed: %d, failed: %d, stolen: %d\n", st.Metrics.Completed, st.Metrics.Failed, st.Metrics.Stolen)
	fmt.Fprintf(&sb, "- cost p50/p90/p99: %.2f / %.2f / %.2f\n", st.Metrics.CostP50, st.Metrics.CostP90, st.Metrics.CostP99)

	return atomicWriteText(filepath.Join(mh.dir, "dashboard.md"), sb.String())
}

// atomicWriteText writes raw text to a file using temp+rename for atomicity.
func atomicWriteText(path string, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".gatekeeper-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.WriteString(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}

func (mh *MetricsHandler) log(level model.LogLevel, format string, args ...any) {
	if level < mh.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	mh.logger.Printf("%s %s metrics: %s", time.Now().Format(time.RFC3339), level, msg)
}
