package stream

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// DefaultMaxBufferSize is the per-process chunk retention bound.
const DefaultMaxBufferSize = 4096

// Config configures a Streamer.
type Config struct {
	// MaxBufferSize is the number of most recent chunks retained per
	// process. Older chunks are dropped.
	MaxBufferSize int

	// Logger receives advisory notices about misuse (double opens,
	// publishes to unknown streams).
	Logger logr.Logger
}

// subscription scopes.
type scope int

const (
	scopeAll scope = iota
	scopeProcess
	scopeErrors
	scopeExit
)

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	id    uint64
	scope scope
	key   string
}

// streamBuffer is the bounded per-process chunk ring. closed marks a
// stream that saw its exit event: the buffer stays readable but
// accepts no further input.
type streamBuffer struct {
	mu     sync.Mutex
	max    int
	chunks []string
	start  int
	closed bool
}

func (b *streamBuffer) append(payload string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if len(b.chunks) < b.max {
		b.chunks = append(b.chunks, payload)
		return true
	}
	b.chunks[b.start] = payload
	b.start = (b.start + 1) % b.max
	return true
}

func (b *streamBuffer) concat() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for i := range b.chunks {
		sb.WriteString(b.chunks[(b.start+i)%b.max])
	}
	return sb.String()
}

func (b *streamBuffer) markClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.closed
	b.closed = true
	return !was
}

func (b *streamBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Streamer fans process output out to subscribers and keeps a bounded
// buffer of recent chunks per process.
//
// Delivery order within one event is global subscribers, then
// per-process subscribers, then per-type subscribers. For one process
// events are delivered in arrival order and the exit event is always
// last; no order is guaranteed across processes.
type Streamer struct {
	logger logr.Logger
	max    int

	mu       sync.RWMutex
	down     bool
	streams  map[string]*streamBuffer
	nextSub  uint64
	global   map[uint64]Handler
	byProc   map[string]map[uint64]Handler
	byErrors map[string]map[uint64]Handler
	byExit   map[string]map[uint64]Handler
}

// NewStreamer creates a Streamer. A nil config uses defaults.
func NewStreamer(config *Config) *Streamer {
	if config == nil {
		config = &Config{}
	}
	max := config.MaxBufferSize
	if max <= 0 {
		max = DefaultMaxBufferSize
	}
	logger := config.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Streamer{
		logger:   logger,
		max:      max,
		streams:  make(map[string]*streamBuffer),
		global:   make(map[uint64]Handler),
		byProc:   make(map[string]map[uint64]Handler),
		byErrors: make(map[string]map[uint64]Handler),
		byExit:   make(map[string]map[uint64]Handler),
	}
}

// Open starts buffering output for a process. Opening an already open
// stream is a no-op; a stream left behind by a finished process with
// the same id is replaced.
func (s *Streamer) Open(processID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		s.logger.V(1).Info("open after shutdown ignored", "process", processID)
		return
	}
	if existing, ok := s.streams[processID]; ok {
		if !existing.isClosed() {
			s.logger.Info("stream already open", "process", processID)
			return
		}
	}
	s.streams[processID] = &streamBuffer{max: s.max}
}

// IsOpen reports whether the process has an open stream that still
// accepts input.
func (s *Streamer) IsOpen(processID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.streams[processID]
	return ok && !buf.isClosed()
}

// Publish appends an output chunk to the process buffer and notifies
// subscribers. The event type should be EventStdout or EventStderr.
// Publishing to a process with no open stream is a logged no-op.
func (s *Streamer) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.RLock()
	buf, ok := s.streams[event.ProcessID]
	handlers := s.handlersForLocked(event)
	s.mu.RUnlock()

	if !ok || !buf.append(event.Payload) {
		s.logger.V(1).Info("dropping chunk for closed stream", "process", event.ProcessID, "type", event.Type.String())
		return
	}
	deliver(handlers, event)
}

// PublishError distributes an error-typed event. The message is not
// added to the output buffer.
func (s *Streamer) PublishError(processID, message string) {
	event := Event{
		ProcessID: processID,
		Type:      EventError,
		Payload:   message,
		Timestamp: time.Now(),
	}

	s.mu.RLock()
	buf, ok := s.streams[processID]
	handlers := s.handlersForLocked(event)
	s.mu.RUnlock()

	if !ok || buf.isClosed() {
		s.logger.V(1).Info("dropping error for closed stream", "process", processID)
		return
	}
	deliver(handlers, event)
}

// PublishExit distributes the exit event and closes the stream to
// further input. The buffer stays readable through FullOutput until
// Close or Shutdown releases it.
func (s *Streamer) PublishExit(processID string, exitCode int) {
	code := exitCode
	event := Event{
		ProcessID: processID,
		Type:      EventExit,
		Timestamp: time.Now(),
		ExitCode:  &code,
	}

	s.mu.RLock()
	buf, ok := s.streams[processID]
	handlers := s.handlersForLocked(event)
	s.mu.RUnlock()

	if !ok {
		s.logger.V(1).Info("exit for unknown stream", "process", processID)
		return
	}
	if !buf.markClosed() {
		s.logger.V(1).Info("duplicate exit ignored", "process", processID)
		return
	}
	deliver(handlers, event)
}

// Close releases the process buffer. A stream still accepting input
// gets a final error-typed lifecycle event before release; closing a
// stream that was never opened is a logged no-op.
func (s *Streamer) Close(processID string) {
	s.mu.Lock()
	buf, ok := s.streams[processID]
	if !ok {
		s.mu.Unlock()
		s.logger.Info("close of unopened stream", "process", processID)
		return
	}
	delete(s.streams, processID)
	var handlers []Handler
	event := Event{
		ProcessID: processID,
		Type:      EventError,
		Payload:   "output stream closed",
		Timestamp: time.Now(),
	}
	if !buf.isClosed() {
		handlers = s.handlersForLocked(event)
	}
	s.mu.Unlock()

	deliver(handlers, event)
}

// FullOutput returns the buffered chunks concatenated in arrival
// order, or the empty string for an unknown or released process.
func (s *Streamer) FullOutput(processID string) string {
	s.mu.RLock()
	buf, ok := s.streams[processID]
	s.mu.RUnlock()
	if !ok {
		return ""
	}
	return buf.concat()
}

// Subscribe registers a handler for every event from every process.
func (s *Streamer) Subscribe(h Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := Subscription{id: s.nextSubLocked(), scope: scopeAll}
	if s.down {
		return sub
	}
	s.global[sub.id] = h
	return sub
}

// SubscribeProcess registers a handler for every event from one
// process.
func (s *Streamer) SubscribeProcess(processID string, h Handler) Subscription {
	return s.subscribeKeyed(scopeProcess, processID, h)
}

// SubscribeErrors registers a handler for one process's error events.
func (s *Streamer) SubscribeErrors(processID string, h Handler) Subscription {
	return s.subscribeKeyed(scopeErrors, processID, h)
}

// SubscribeExit registers a handler for one process's exit event.
func (s *Streamer) SubscribeExit(processID string, h Handler) Subscription {
	return s.subscribeKeyed(scopeExit, processID, h)
}

func (s *Streamer) subscribeKeyed(sc scope, processID string, h Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := Subscription{id: s.nextSubLocked(), scope: sc, key: processID}
	if s.down {
		return sub
	}
	table := s.keyedTableLocked(sc)
	if table[processID] == nil {
		table[processID] = make(map[uint64]Handler)
	}
	table[processID][sub.id] = h
	return sub
}

// Unsubscribe removes a handler. Unsubscribing one that was never
// registered, or twice, is a silent no-op.
func (s *Streamer) Unsubscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch sub.scope {
	case scopeAll:
		delete(s.global, sub.id)
	default:
		table := s.keyedTableLocked(sub.scope)
		if handlers, ok := table[sub.key]; ok {
			delete(handlers, sub.id)
			if len(handlers) == 0 {
				delete(table, sub.key)
			}
		}
	}
}

// Shutdown force-closes every stream, clears all buffers and detaches
// every subscriber. Safe to call more than once.
func (s *Streamer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return
	}
	s.down = true
	s.streams = make(map[string]*streamBuffer)
	s.global = make(map[uint64]Handler)
	s.byProc = make(map[string]map[uint64]Handler)
	s.byErrors = make(map[string]map[uint64]Handler)
	s.byExit = make(map[string]map[uint64]Handler)
}

func (s *Streamer) nextSubLocked() uint64 {
	s.nextSub++
	return s.nextSub
}

func (s *Streamer) keyedTableLocked(sc scope) map[string]map[uint64]Handler {
	switch sc {
	case scopeErrors:
		return s.byErrors
	case scopeExit:
		return s.byExit
	default:
		return s.byProc
	}
}

// handlersForLocked snapshots the handlers an event will reach, in
// delivery order. Callers hold at least a read lock.
func (s *Streamer) handlersForLocked(event Event) []Handler {
	handlers := make([]Handler, 0, len(s.global)+4)
	for _, h := range sortedHandlers(s.global) {
		handlers = append(handlers, h)
	}
	for _, h := range sortedHandlers(s.byProc[event.ProcessID]) {
		handlers = append(handlers, h)
	}
	switch event.Type {
	case EventError:
		for _, h := range sortedHandlers(s.byErrors[event.ProcessID]) {
			handlers = append(handlers, h)
		}
	case EventExit:
		for _, h := range sortedHandlers(s.byExit[event.ProcessID]) {
			handlers = append(handlers, h)
		}
	}
	return handlers
}

// sortedHandlers orders a handler set by registration so delivery
// order is stable.
func sortedHandlers(m map[uint64]Handler) []Handler {
	if len(m) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = m[id]
	}
	return handlers
}

func deliver(handlers []Handler, event Event) {
	for _, h := range handlers {
		h(event)
	}
}
