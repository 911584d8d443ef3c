package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Admission.MaxConcurrent)
	assert.Equal(t, 0.05, cfg.Admission.OverheadSLA)
	assert.Equal(t, 15*time.Minute, cfg.Locks.TTL())
	assert.Equal(t, time.Minute, cfg.Locks.SweepInterval())
	assert.Equal(t, 2500.0, cfg.Budget.RepoCap)
	assert.Equal(t, 10000.0, cfg.Budget.GlobalCap)
	assert.Equal(t, 720*time.Hour, cfg.Budget.Window())
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.ResetDelay())
	assert.Equal(t, 100, cfg.Queue.MaxSize)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Less(t, cfg.Queue.MaxAgeBoost, cfg.Queue.ClassGap)
	assert.Equal(t, 0.30, cfg.Balancer.ImbalanceRatio)
	assert.Equal(t, cfg.Admission.MaxConcurrent, cfg.Sharding.MaxShards)
	assert.Equal(t, 3.0, cfg.Admission.BaseCosts[string(KindFixPack)])
	assert.False(t, cfg.Notify.Enabled)
	assert.Equal(t, DefaultNotifyEvents, cfg.Notify.Events)
}

func TestConfigWithDefaults_KeepsOverrides(t *testing.T) {
	raw := `
admission:
  max_concurrent: 2
  base_costs:
    fixPack: 7.5
budget:
  repo_caps:
    acme/api: 100
queue:
  priority_weights:
    low: 0.5
logging:
  level: debug
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	cfg = cfg.WithDefaults()

	assert.Equal(t, 2, cfg.Admission.MaxConcurrent)
	assert.Equal(t, 7.5, cfg.Admission.BaseCosts["fixPack"])
	assert.Equal(t, 0.5, cfg.Admission.BaseCosts["assessment"])
	assert.Equal(t, 100.0, cfg.Budget.RepoCaps["acme/api"])
	assert.Equal(t, 0.5, cfg.Queue.PriorityWeights["low"])
	assert.Equal(t, 4.0, cfg.Queue.PriorityWeights["critical"])
	assert.Equal(t, 2, cfg.Sharding.MaxShards)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfigWithDefaults_DoesNotAliasDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admission.BaseCosts["assessment"] = 99

	assert.Equal(t, 0.5, DefaultBaseCosts["assessment"])
	assert.Equal(t, 0.5, DefaultConfig().Admission.BaseCosts["assessment"])
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLogLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("bogus"))
	assert.Equal(t, "WARN", LogLevelWarn.String())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestTaskDescriptorValidate(t *testing.T) {
	valid := TaskDescriptor{Agent: "GUARDIAN", Kind: KindAssessment, Repo: "acme/api"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*TaskDescriptor)
	}{
		{"missing agent", func(d *TaskDescriptor) { d.Agent = " " }},
		{"missing kind", func(d *TaskDescriptor) { d.Kind = "" }},
		{"missing repo", func(d *TaskDescriptor) { d.Repo = "" }},
		{"bad priority", func(d *TaskDescriptor) { d.Priority = "urgent" }},
		{"negative size", func(d *TaskDescriptor) { d.SizeFactor = -1 }},
		{"NaN size", func(d *TaskDescriptor) { d.SizeFactor = math.NaN() }},
		{"infinite complexity", func(d *TaskDescriptor) { d.Complexity = math.Inf(1) }},
		{"NaN estimated cost", func(d *TaskDescriptor) { d.EstimatedCost = math.NaN() }},
		{"negative infinite estimated cost", func(d *TaskDescriptor) { d.EstimatedCost = math.Inf(-1) }},
		{"empty path", func(d *TaskDescriptor) { d.Paths = []string{"src", ""} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid.Clone()
			tt.mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestTaskDescriptorValidate_NaNFromYAML(t *testing.T) {
	var d TaskDescriptor
	require.NoError(t, yaml.Unmarshal([]byte("agent: EXECUTOR\nkind: fixPack\nrepo: acme/api\nsize_factor: .nan\n"), &d))
	require.True(t, math.IsNaN(d.SizeFactor))
	assert.ErrorContains(t, d.Validate(), "size_factor must be a finite number")
}

func TestIsFinite(t *testing.T) {
	assert.True(t, IsFinite(0))
	assert.True(t, IsFinite(-3.5))
	assert.False(t, IsFinite(math.NaN()))
	assert.False(t, IsFinite(math.Inf(1)))
	assert.False(t, IsFinite(math.Inf(-1)))
}

func TestTaskDescriptorNormalized(t *testing.T) {
	d := TaskDescriptor{
		Agent: "EXECUTOR",
		Kind:  KindFixPack,
		Repo:  "acme/api",
		Paths: []string{"src/./a.go", "src/a.go", "lib//b.go", "src/a.go/"},
	}
	n := d.Normalized()

	assert.Equal(t, []string{"src/a.go", "lib/b.go"}, n.Paths)
	assert.Equal(t, PriorityNormal, n.Priority)
	assert.Equal(t, 1.0, n.SizeFactor)
	assert.Equal(t, 1.0, n.Complexity)
	assert.Len(t, d.Paths, 4, "original must be untouched")
}

func TestTaskDescriptorClone(t *testing.T) {
	d := TaskDescriptor{Paths: []string{"a"}}
	c := d.Clone()
	c.Paths[0] = "b"
	assert.Equal(t, "a", d.Paths[0])
}

func TestActiveAgentRuntime(t *testing.T) {
	start := time.Unix(1000, 0)
	a := ActiveAgent{StartedAt: start}
	assert.Equal(t, 30*time.Second, a.Runtime(start.Add(30*time.Second)))
	assert.Equal(t, time.Duration(0), a.Runtime(start.Add(-time.Second)))
}
