// Package model defines the data structures for gatekeeper's configuration, tasks, and decisions.
package model

import "time"

type Config struct {
	Admission AdmissionConfig `yaml:"admission"`
	Locks     LocksConfig     `yaml:"locks"`
	Budget    BudgetConfig    `yaml:"budget"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Queue     QueueConfig     `yaml:"queue"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Sharding  ShardingConfig  `yaml:"sharding"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AdmissionConfig struct {
	MaxConcurrent   int                `yaml:"max_concurrent"`
	OverheadSLA     float64            `yaml:"overhead_sla"`
	BaseCosts       map[string]float64 `yaml:"base_costs,omitempty"`
	DefaultBaseCost float64            `yaml:"default_base_cost"`
	// Agents seeds the idle set with known agent names.
	Agents []string `yaml:"agents,omitempty"`
}

type LocksConfig struct {
	TTLSec           int `yaml:"ttl_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

type BudgetConfig struct {
	RepoCap       float64            `yaml:"repo_cap"`
	GlobalCap     float64            `yaml:"global_cap"`
	RepoCaps      map[string]float64 `yaml:"repo_caps,omitempty"`
	WarningRatio  float64            `yaml:"warning_ratio"`
	ThrottleRatio float64            `yaml:"throttle_ratio"`
	WindowHours   int                `yaml:"window_hours"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetDelaySec    int `yaml:"reset_delay_sec"`
}

type QueueConfig struct {
	MaxSize          int                `yaml:"max_size"`
	MaxRetries       int                `yaml:"max_retries"`
	DrainIntervalSec int                `yaml:"drain_interval_sec"`
	PriorityWeights  map[string]float64 `yaml:"priority_weights,omitempty"`
	ClassGap         float64            `yaml:"class_gap"`
	AgingPerSecond   float64            `yaml:"aging_per_second"`
	MaxAgeBoost      float64            `yaml:"max_age_boost"`
	DefaultWaitSec   int                `yaml:"default_wait_sec"`
}

type BalancerConfig struct {
	ImbalanceRatio float64 `yaml:"imbalance_ratio"`
}

type ShardingConfig struct {
	MaxShards          int `yaml:"max_shards"`
	DiscoveryCacheSize int `yaml:"discovery_cache_size"`
	DiscoveryTTLSec    int `yaml:"discovery_ttl_sec"`
}

type MetricsConfig struct {
	IntervalSec    int    `yaml:"interval_sec"`
	ListenAddr     string `yaml:"listen_addr,omitempty"`
	CostSampleSize int    `yaml:"cost_sample_size"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
	ScanIntervalSec    int     `yaml:"scan_interval_sec"`
	DebounceSec        float64 `yaml:"debounce_sec"`
}

// NotifyConfig controls desktop notifications for operator-facing events.
type NotifyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Events  []string `yaml:"events,omitempty"`
}

// DefaultNotifyEvents are the event types notified when none are configured.
var DefaultNotifyEvents = []string{"circuit_open", "budget_critical", "task_failed"}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultBaseCosts are the per-kind dollar estimates applied before size and
// complexity multipliers.
var DefaultBaseCosts = map[string]float64{
	string(KindAssessment): 0.5,
	string(KindValidation): 0.25,
	string(KindFixPack):    3.0,
	string(KindPattern):    1.0,
	string(KindRecovery):   1.5,
}

// DefaultPriorityWeights rank the priority classes; higher drains first.
var DefaultPriorityWeights = map[string]float64{
	string(PriorityCritical): 4,
	string(PriorityHigh):     3,
	string(PriorityNormal):   2,
	string(PriorityLow):      1,
}

// DefaultConfig returns a fully populated configuration.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of c with every zero value replaced by its default.
func (c Config) WithDefaults() Config {
	if c.Admission.MaxConcurrent <= 0 {
		c.Admission.MaxConcurrent = 5
	}
	if c.Admission.OverheadSLA <= 0 {
		c.Admission.OverheadSLA = 0.05
	}
	if c.Admission.DefaultBaseCost <= 0 {
		c.Admission.DefaultBaseCost = 1.0
	}
	c.Admission.BaseCosts = mergeFloats(DefaultBaseCosts, c.Admission.BaseCosts)

	if c.Locks.TTLSec <= 0 {
		c.Locks.TTLSec = 900
	}
	if c.Locks.SweepIntervalSec <= 0 {
		c.Locks.SweepIntervalSec = 60
	}

	if c.Budget.RepoCap <= 0 {
		c.Budget.RepoCap = 2500
	}
	if c.Budget.GlobalCap <= 0 {
		c.Budget.GlobalCap = 10000
	}
	if c.Budget.WarningRatio <= 0 {
		c.Budget.WarningRatio = 0.8
	}
	if c.Budget.ThrottleRatio <= 0 {
		c.Budget.ThrottleRatio = 0.95
	}
	if c.Budget.WindowHours <= 0 {
		c.Budget.WindowHours = 720
	}
	c.Budget.RepoCaps = mergeFloats(nil, c.Budget.RepoCaps)

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetDelaySec <= 0 {
		c.Breaker.ResetDelaySec = 60
	}

	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = 100
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.DrainIntervalSec <= 0 {
		c.Queue.DrainIntervalSec = 5
	}
	c.Queue.PriorityWeights = mergeFloats(DefaultPriorityWeights, c.Queue.PriorityWeights)
	if c.Queue.ClassGap <= 0 {
		c.Queue.ClassGap = 1000
	}
	if c.Queue.AgingPerSecond <= 0 {
		c.Queue.AgingPerSecond = 1
	}
	if c.Queue.MaxAgeBoost <= 0 {
		c.Queue.MaxAgeBoost = 999
	}
	if c.Queue.DefaultWaitSec <= 0 {
		c.Queue.DefaultWaitSec = 60
	}

	if c.Balancer.ImbalanceRatio <= 0 {
		c.Balancer.ImbalanceRatio = 0.30
	}

	if c.Sharding.MaxShards <= 0 {
		c.Sharding.MaxShards = c.Admission.MaxConcurrent
	}
	if c.Sharding.DiscoveryCacheSize <= 0 {
		c.Sharding.DiscoveryCacheSize = 64
	}
	if c.Sharding.DiscoveryTTLSec <= 0 {
		c.Sharding.DiscoveryTTLSec = 300
	}

	if c.Metrics.IntervalSec <= 0 {
		c.Metrics.IntervalSec = 30
	}
	if c.Metrics.CostSampleSize <= 0 {
		c.Metrics.CostSampleSize = 1000
	}

	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 10
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = 30
	}
	if c.Daemon.DebounceSec <= 0 {
		c.Daemon.DebounceSec = 0.3
	}

	if len(c.Notify.Events) == 0 {
		c.Notify.Events = append([]string(nil), DefaultNotifyEvents...)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}

func (c LocksConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

func (c LocksConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c BudgetConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

func (c BreakerConfig) ResetDelay() time.Duration {
	return time.Duration(c.ResetDelaySec) * time.Second
}

func (c QueueConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSec) * time.Second
}

func (c QueueConfig) DefaultWait() time.Duration {
	return time.Duration(c.DefaultWaitSec) * time.Second
}

func (c ShardingConfig) DiscoveryTTL() time.Duration {
	return time.Duration(c.DiscoveryTTLSec) * time.Second
}

func (c MetricsConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c DaemonConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func (c DaemonConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

func (c DaemonConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceSec * float64(time.Second))
}

// mergeFloats copies defaults and overlays overrides; the result never aliases either input.
func mergeFloats(defaults, overrides map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
