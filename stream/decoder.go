package stream

import (
	"encoding/json"
	"strings"
	"sync"
)

// Line is one re-assembled line of process output.
type Line struct {
	// ProcessID identifies the producing process.
	ProcessID string

	// Text is the line without its trailing newline.
	Text string

	// JSON holds the raw message when the line parsed as a JSON
	// document, nil otherwise.
	JSON json.RawMessage
}

// LineHandler receives decoded lines.
type LineHandler func(Line)

// ToolMessage is the envelope shape emitted by AI tools that stream
// JSON lines. Unknown fields are ignored; plain-text lines never
// reach this type.
type ToolMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	Message struct {
		Model   string `json:"model,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
			Name string `json:"name,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

// Decode parses the line's JSON into a ToolMessage.
func (l Line) Decode() (*ToolMessage, bool) {
	if l.JSON == nil {
		return nil, false
	}
	var msg ToolMessage
	if err := json.Unmarshal(l.JSON, &msg); err != nil {
		return nil, false
	}
	return &msg, true
}

// LineDecoder re-assembles output chunks into whole lines. Lines that
// parse as JSON are surfaced with their raw message; everything else
// passes through as plain text. One decoder can track several
// processes at once.
type LineDecoder struct {
	handler LineHandler

	mu      sync.Mutex
	partial map[string]*strings.Builder
}

// NewLineDecoder creates a decoder that hands completed lines to
// handler.
func NewLineDecoder(handler LineHandler) *LineDecoder {
	return &LineDecoder{
		handler: handler,
		partial: make(map[string]*strings.Builder),
	}
}

// Handler adapts the decoder to the Streamer subscription model.
// Stdout chunks are decoded; the exit event flushes any partial line.
// Stderr and error events pass through untouched.
func (d *LineDecoder) Handler() Handler {
	return func(event Event) {
		switch event.Type {
		case EventStdout:
			d.Feed(event.ProcessID, event.Payload)
		case EventExit:
			d.Flush(event.ProcessID)
		}
	}
}

// Feed adds a chunk for a process and emits every completed line.
func (d *LineDecoder) Feed(processID, chunk string) {
	var lines []string

	d.mu.Lock()
	builder := d.partial[processID]
	if builder == nil {
		builder = &strings.Builder{}
		d.partial[processID] = builder
	}
	builder.WriteString(chunk)
	if strings.Contains(builder.String(), "\n") {
		buffered := builder.String()
		parts := strings.Split(buffered, "\n")
		lines = parts[:len(parts)-1]
		builder.Reset()
		builder.WriteString(parts[len(parts)-1])
	}
	d.mu.Unlock()

	for _, line := range lines {
		d.emit(processID, line)
	}
}

// Flush emits any buffered partial line for a process and forgets it.
func (d *LineDecoder) Flush(processID string) {
	d.mu.Lock()
	builder := d.partial[processID]
	var rest string
	if builder != nil {
		rest = builder.String()
		delete(d.partial, processID)
	}
	d.mu.Unlock()

	if rest != "" {
		d.emit(processID, rest)
	}
}

func (d *LineDecoder) emit(processID, text string) {
	line := Line{ProcessID: processID, Text: strings.TrimSuffix(text, "\r")}
	trimmed := strings.TrimSpace(line.Text)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		line.JSON = json.RawMessage(trimmed)
	}
	if d.handler != nil {
		d.handler(line)
	}
}
