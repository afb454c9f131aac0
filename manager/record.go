package manager

import (
	"sort"
	"sync"
	"time"

	internalexec "github.com/victoralfred/goproc/internal/exec"
)

// Status is the lifecycle state of one submitted command.
//
// Transitions are monotonic and one-directional:
//
//	submitted → sanitizing → {rejected | spawning} → running →
//	{completed | failed | killed}
//
// Terminal states are never left again.
type Status int

const (
	// StatusSubmitted means the command is registered but not yet
	// validated.
	StatusSubmitted Status = iota
	// StatusSanitizing means the sanitizer is inspecting the command.
	StatusSanitizing
	// StatusRejected means the sanitizer refused the command. No
	// process ever existed.
	StatusRejected
	// StatusSpawning means the child process is being started.
	StatusSpawning
	// StatusRunning means the child process is alive.
	StatusRunning
	// StatusCompleted means the child exited with code 0.
	StatusCompleted
	// StatusFailed means the child exited nonzero, timed out, or
	// never started.
	StatusFailed
	// StatusKilled means the command was terminated by Kill or
	// manager shutdown.
	StatusKilled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusSanitizing:
		return "sanitizing"
	case StatusRejected:
		return "rejected"
	case StatusSpawning:
		return "spawning"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}

// ProcessRecord is the manager's view of one submitted command. The
// manager is the sole mutator; queries return copies, so a held
// record never changes under the caller.
type ProcessRecord struct {
	// ID is shared with the submitted Command.
	ID string

	// Program is the executable the command named.
	Program string

	// Status is the current lifecycle state.
	Status Status

	// CreatedAt is when the command was submitted.
	CreatedAt time.Time

	// CompletedAt is zero until the record is terminal.
	CompletedAt time.Time

	// PID is the OS process id, 0 until spawn succeeds.
	PID int

	// ExitCode is nil until the child has exited. -1 means the child
	// was ended by a signal.
	ExitCode *int

	// Signal names the terminating signal, when there was one.
	Signal string

	// Error describes the failure for rejected, failed and killed
	// records.
	Error string
}

// Duration returns the submit-to-terminal time, or the age of a
// record that is still in flight.
func (r ProcessRecord) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return time.Since(r.CreatedAt)
	}
	return r.CompletedAt.Sub(r.CreatedAt)
}

// trackedProcess pairs the externally visible record with the live
// process handle. All access goes through the mutex; the record
// leaves this struct only as a copy.
type trackedProcess struct {
	mu            sync.Mutex
	record        ProcessRecord
	handle        *internalexec.Handle
	killRequested bool

	// killedCh closes when a kill lands, interrupting simulated
	// waits. The real manager interrupts through process signals
	// instead.
	killedCh chan struct{}
}

func newTrackedProcess(id, program string) *trackedProcess {
	return &trackedProcess{
		record: ProcessRecord{
			ID:        id,
			Program:   program,
			Status:    StatusSubmitted,
			CreatedAt: time.Now(),
		},
		killedCh: make(chan struct{}),
	}
}

// snapshot returns a copy safe to hand to callers.
func (tp *trackedProcess) snapshot() ProcessRecord {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	rec := tp.record
	if tp.record.ExitCode != nil {
		code := *tp.record.ExitCode
		rec.ExitCode = &code
	}
	return rec
}

func (tp *trackedProcess) status() Status {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.record.Status
}

func (tp *trackedProcess) killed() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.killRequested
}

// advance moves a non-terminal record forward and reports whether
// the transition was applied. Terminal records never change again.
func (tp *trackedProcess) advance(to Status) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.record.Status.Terminal() {
		return false
	}
	tp.record.Status = to
	return true
}

// attach stores the live handle and PID, and reports whether a kill
// landed while the process was being spawned. When it did, the
// record is already terminal and the caller owns putting the
// freshly spawned child down.
func (tp *trackedProcess) attach(handle *internalexec.Handle) (killedMeanwhile bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.handle = handle
	tp.record.PID = handle.Pid()
	if tp.killRequested {
		return true
	}
	tp.record.Status = StatusRunning
	return false
}

// attachPID is attach for simulated processes, which have a PID but
// no handle.
func (tp *trackedProcess) attachPID(pid int) (killedMeanwhile bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.record.PID = pid
	if tp.killRequested {
		return true
	}
	tp.record.Status = StatusRunning
	return false
}

// markKilled applies the killed transition. It returns the live
// handle, nil when the process never spawned, and reports whether
// this call took the transition; repeats and already-terminal
// records return false.
func (tp *trackedProcess) markKilled(reason string) (*internalexec.Handle, bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.record.Status.Terminal() {
		return nil, false
	}
	tp.killRequested = true
	tp.record.Status = StatusKilled
	tp.record.CompletedAt = time.Now()
	tp.record.Error = reason
	close(tp.killedCh)
	return tp.handle, true
}

// noteExit backfills exit details onto a record that was already
// finalized by a kill. The status is left alone.
func (tp *trackedProcess) noteExit(exitCode *int, signal string) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.record.Status != StatusKilled || tp.record.ExitCode != nil {
		return
	}
	if exitCode != nil {
		code := *exitCode
		tp.record.ExitCode = &code
	}
	if signal != "" {
		tp.record.Signal = signal
	}
}

// finalize applies a terminal transition exactly once. It reports
// false when the record is already terminal, in which case nothing
// is modified.
func (tp *trackedProcess) finalize(to Status, exitCode *int, signal, errText string) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.record.Status.Terminal() {
		return false
	}
	tp.record.Status = to
	tp.record.CompletedAt = time.Now()
	if exitCode != nil {
		code := *exitCode
		tp.record.ExitCode = &code
	}
	tp.record.Signal = signal
	tp.record.Error = errText
	return true
}

// recordTable is the synchronization point between submissions, kills
// and queries. Records are only ever handed out as copies.
type recordTable struct {
	mu    sync.RWMutex
	procs map[string]*trackedProcess
}

func newRecordTable() *recordTable {
	return &recordTable{procs: make(map[string]*trackedProcess)}
}

// register tracks a fresh record for the command. A non-terminal
// record under the same id rejects the command; a terminal one is
// replaced.
func (t *recordTable) register(cmd *Command) (*trackedProcess, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.procs[cmd.ID]; ok && !existing.status().Terminal() {
		return nil, NewDuplicateIDError(cmd.ID)
	}
	tp := newTrackedProcess(cmd.ID, cmd.Program)
	t.procs[cmd.ID] = tp
	return tp, nil
}

func (t *recordTable) lookup(processID string) *trackedProcess {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.procs[processID]
}

func (t *recordTable) get(processID string) (ProcessRecord, bool) {
	tp := t.lookup(processID)
	if tp == nil {
		return ProcessRecord{}, false
	}
	return tp.snapshot(), true
}

// running returns snapshots of all running processes, oldest first.
func (t *recordTable) running() []ProcessRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make([]ProcessRecord, 0, len(t.procs))
	for _, tp := range t.procs {
		rec := tp.snapshot()
		if rec.Status == StatusRunning {
			active = append(active, rec)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// live returns the tracked processes that are not yet terminal.
func (t *recordTable) live() []*trackedProcess {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*trackedProcess, 0, len(t.procs))
	for _, tp := range t.procs {
		if !tp.status().Terminal() {
			out = append(out, tp)
		}
	}
	return out
}

// clear drops every record. Live trackedProcess pointers held by
// monitors stay valid.
func (t *recordTable) clear() {
	t.mu.Lock()
	t.procs = make(map[string]*trackedProcess)
	t.mu.Unlock()
}
