package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProcessSample is one finished (or rejected) process as the metrics
// collector sees it. Plain values keep this package free of manager
// types.
type ProcessSample struct {
	Program  string
	Status   string
	Reason   string
	ExitCode int
	Duration time.Duration
}

// Reasons attached to failed samples.
const (
	ReasonTimeout     = "timeout"
	ReasonSpawn       = "spawn"
	ReasonExit        = "exit"
	ReasonRateLimited = "rate_limited"
	ReasonCircuitOpen = "circuit_open"
)

// Metrics collects process counts and timings in memory.
type Metrics struct {
	programStats   map[string]*ProgramStats
	totalProcesses int64
	completed      int64
	failed         int64
	killed         int64
	rejected       int64
	timeouts       int64
	spawnErrors    int64
	rateLimited    int64
	circuitOpen    int64
	totalDuration  int64
	durationCount  int64
	minDuration    int64
	maxDuration    int64
	mu             sync.RWMutex
}

// ProgramStats contains per-program statistics.
type ProgramStats struct {
	LastRunAt     time.Time
	Program       string
	LastStatus    string
	TotalRuns     int64
	Completed     int64
	Failed        int64
	TotalDuration int64
	AvgDuration   int64
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		programStats: make(map[string]*ProgramStats),
		minDuration:  -1,
	}
}

// RecordProcess records one process outcome.
func (m *Metrics) RecordProcess(sample ProcessSample) {
	atomic.AddInt64(&m.totalProcesses, 1)

	switch sample.Status {
	case "completed":
		atomic.AddInt64(&m.completed, 1)
	case "killed":
		atomic.AddInt64(&m.killed, 1)
	case "rejected":
		atomic.AddInt64(&m.rejected, 1)
	default:
		atomic.AddInt64(&m.failed, 1)
	}

	switch sample.Reason {
	case ReasonTimeout:
		atomic.AddInt64(&m.timeouts, 1)
	case ReasonSpawn:
		atomic.AddInt64(&m.spawnErrors, 1)
	case ReasonRateLimited:
		atomic.AddInt64(&m.rateLimited, 1)
	case ReasonCircuitOpen:
		atomic.AddInt64(&m.circuitOpen, 1)
	}

	// Rejected commands never ran; their zero duration would skew
	// the timing stats.
	if sample.Status != "rejected" {
		m.recordDuration(sample.Duration)
	}

	m.updateProgramStats(sample)
}

func (m *Metrics) recordDuration(d time.Duration) {
	duration := d.Nanoseconds()
	atomic.AddInt64(&m.totalDuration, duration)
	atomic.AddInt64(&m.durationCount, 1)

	for {
		old := atomic.LoadInt64(&m.minDuration)
		if old >= 0 && duration >= old {
			break
		}
		if atomic.CompareAndSwapInt64(&m.minDuration, old, duration) {
			break
		}
	}

	for {
		old := atomic.LoadInt64(&m.maxDuration)
		if duration <= old {
			break
		}
		if atomic.CompareAndSwapInt64(&m.maxDuration, old, duration) {
			break
		}
	}
}

func (m *Metrics) updateProgramStats(sample ProcessSample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.programStats[sample.Program]
	if !ok {
		stats = &ProgramStats{Program: sample.Program}
		m.programStats[sample.Program] = stats
	}

	stats.TotalRuns++
	stats.TotalDuration += sample.Duration.Nanoseconds()
	stats.AvgDuration = stats.TotalDuration / stats.TotalRuns
	stats.LastRunAt = time.Now()
	stats.LastStatus = sample.Status

	if sample.Status == "completed" {
		stats.Completed++
	} else {
		stats.Failed++
	}
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	minDuration := atomic.LoadInt64(&m.minDuration)
	if minDuration < 0 {
		minDuration = 0
	}

	return MetricsSnapshot{
		TotalProcesses: atomic.LoadInt64(&m.totalProcesses),
		Completed:      atomic.LoadInt64(&m.completed),
		Failed:         atomic.LoadInt64(&m.failed),
		Killed:         atomic.LoadInt64(&m.killed),
		Rejected:       atomic.LoadInt64(&m.rejected),
		Timeouts:       atomic.LoadInt64(&m.timeouts),
		SpawnErrors:    atomic.LoadInt64(&m.spawnErrors),
		RateLimited:    atomic.LoadInt64(&m.rateLimited),
		CircuitOpen:    atomic.LoadInt64(&m.circuitOpen),
		AvgDuration:    m.avgDuration(),
		MinDuration:    time.Duration(minDuration),
		MaxDuration:    time.Duration(atomic.LoadInt64(&m.maxDuration)),
		ProgramStats:   m.getProgramStats(),
	}
}

// MetricsSnapshot is a point-in-time view of the collected metrics.
type MetricsSnapshot struct {
	ProgramStats   map[string]*ProgramStats
	TotalProcesses int64
	Completed      int64
	Failed         int64
	Killed         int64
	Rejected       int64
	Timeouts       int64
	SpawnErrors    int64
	RateLimited    int64
	CircuitOpen    int64
	AvgDuration    time.Duration
	MinDuration    time.Duration
	MaxDuration    time.Duration
}

// SuccessRate returns the completed share as a percentage.
func (s MetricsSnapshot) SuccessRate() float64 {
	if s.TotalProcesses == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.TotalProcesses) * 100
}

// ErrorRate returns the failed share as a percentage.
func (s MetricsSnapshot) ErrorRate() float64 {
	if s.TotalProcesses == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.TotalProcesses) * 100
}

func (m *Metrics) avgDuration() time.Duration {
	count := atomic.LoadInt64(&m.durationCount)
	if count == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&m.totalDuration) / count)
}

func (m *Metrics) getProgramStats() map[string]*ProgramStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ProgramStats, len(m.programStats))
	for k, v := range m.programStats {
		copied := *v
		result[k] = &copied
	}
	return result
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	atomic.StoreInt64(&m.totalProcesses, 0)
	atomic.StoreInt64(&m.completed, 0)
	atomic.StoreInt64(&m.failed, 0)
	atomic.StoreInt64(&m.killed, 0)
	atomic.StoreInt64(&m.rejected, 0)
	atomic.StoreInt64(&m.timeouts, 0)
	atomic.StoreInt64(&m.spawnErrors, 0)
	atomic.StoreInt64(&m.rateLimited, 0)
	atomic.StoreInt64(&m.circuitOpen, 0)
	atomic.StoreInt64(&m.totalDuration, 0)
	atomic.StoreInt64(&m.durationCount, 0)
	atomic.StoreInt64(&m.minDuration, -1)
	atomic.StoreInt64(&m.maxDuration, 0)

	m.mu.Lock()
	m.programStats = make(map[string]*ProgramStats)
	m.mu.Unlock()
}
