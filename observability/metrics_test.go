package observability

import (
	"sync"
	"testing"
	"time"
)

func TestMetrics_RecordProcess(t *testing.T) {
	m := NewMetrics()

	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: 10 * time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "sleep", Status: "failed", Reason: ReasonTimeout, Duration: 100 * time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "cat", Status: "killed", Duration: 50 * time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "rm", Status: "rejected"})

	s := m.Snapshot()
	if s.TotalProcesses != 4 {
		t.Errorf("expected 4 total processes, got %d", s.TotalProcesses)
	}
	if s.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", s.Completed)
	}
	if s.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", s.Failed)
	}
	if s.Killed != 1 {
		t.Errorf("expected 1 killed, got %d", s.Killed)
	}
	if s.Rejected != 1 {
		t.Errorf("expected 1 rejected, got %d", s.Rejected)
	}
	if s.Timeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", s.Timeouts)
	}
}

func TestMetrics_DurationBounds(t *testing.T) {
	m := NewMetrics()

	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: 10 * time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: 30 * time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: 20 * time.Millisecond})

	s := m.Snapshot()
	if s.MinDuration != 10*time.Millisecond {
		t.Errorf("expected min 10ms, got %v", s.MinDuration)
	}
	if s.MaxDuration != 30*time.Millisecond {
		t.Errorf("expected max 30ms, got %v", s.MaxDuration)
	}
	if s.AvgDuration != 20*time.Millisecond {
		t.Errorf("expected avg 20ms, got %v", s.AvgDuration)
	}
}

func TestMetrics_RejectedExcludedFromDurations(t *testing.T) {
	m := NewMetrics()

	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: 40 * time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "rm", Status: "rejected"})

	s := m.Snapshot()
	if s.MinDuration != 40*time.Millisecond {
		t.Errorf("rejection's zero duration should not become the min, got %v", s.MinDuration)
	}
	if s.AvgDuration != 40*time.Millisecond {
		t.Errorf("expected avg 40ms, got %v", s.AvgDuration)
	}
}

func TestMetrics_EmptySnapshot(t *testing.T) {
	m := NewMetrics()

	s := m.Snapshot()
	if s.TotalProcesses != 0 {
		t.Errorf("expected 0 processes, got %d", s.TotalProcesses)
	}
	if s.MinDuration != 0 {
		t.Errorf("expected zero min duration before any sample, got %v", s.MinDuration)
	}
	if s.SuccessRate() != 0 {
		t.Errorf("expected 0 success rate, got %f", s.SuccessRate())
	}
}

func TestMetricsSnapshot_Rates(t *testing.T) {
	m := NewMetrics()

	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "echo", Status: "failed", Reason: ReasonExit, Duration: time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "echo", Status: "killed", Duration: time.Millisecond})

	s := m.Snapshot()
	if s.SuccessRate() != 50.0 {
		t.Errorf("expected 50%% success rate, got %f", s.SuccessRate())
	}
	if s.ErrorRate() != 25.0 {
		t.Errorf("expected 25%% error rate, got %f", s.ErrorRate())
	}
}

func TestMetrics_ProgramStats(t *testing.T) {
	m := NewMetrics()

	m.RecordProcess(ProcessSample{Program: "claude", Status: "completed", Duration: 20 * time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "claude", Status: "failed", Reason: ReasonExit, Duration: 40 * time.Millisecond})
	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: time.Millisecond})

	s := m.Snapshot()
	stats, ok := s.ProgramStats["claude"]
	if !ok {
		t.Fatal("expected stats for claude")
	}
	if stats.TotalRuns != 2 {
		t.Errorf("expected 2 runs, got %d", stats.TotalRuns)
	}
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("expected 1 completed and 1 failed, got %d and %d", stats.Completed, stats.Failed)
	}
	if stats.LastStatus != "failed" {
		t.Errorf("expected last status failed, got %q", stats.LastStatus)
	}
	if stats.AvgDuration != (30 * time.Millisecond).Nanoseconds() {
		t.Errorf("expected avg 30ms, got %d", stats.AvgDuration)
	}
}

func TestMetrics_SnapshotIsolation(t *testing.T) {
	m := NewMetrics()
	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: time.Millisecond})

	s := m.Snapshot()
	s.ProgramStats["echo"].TotalRuns = 99

	if m.Snapshot().ProgramStats["echo"].TotalRuns != 1 {
		t.Error("mutating a snapshot should not affect the collector")
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()
	m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: time.Millisecond})

	m.Reset()

	s := m.Snapshot()
	if s.TotalProcesses != 0 {
		t.Errorf("expected 0 after reset, got %d", s.TotalProcesses)
	}
	if len(s.ProgramStats) != 0 {
		t.Errorf("expected empty program stats after reset, got %d", len(s.ProgramStats))
	}
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordProcess(ProcessSample{Program: "echo", Status: "completed", Duration: time.Millisecond})
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	if s.TotalProcesses != 800 {
		t.Errorf("expected 800 processes, got %d", s.TotalProcesses)
	}
	if s.ProgramStats["echo"].TotalRuns != 800 {
		t.Errorf("expected 800 runs for echo, got %d", s.ProgramStats["echo"].TotalRuns)
	}
}
