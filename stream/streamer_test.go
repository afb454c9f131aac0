package stream

import (
	"fmt"
	"sync"
	"testing"
)

func TestStreamer_PublishAndFullOutput(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")

	for _, chunk := range []string{"hello ", "world", "\n"} {
		s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: chunk})
	}

	if got := s.FullOutput("p1"); got != "hello world\n" {
		t.Errorf("FullOutput = %q, want %q", got, "hello world\n")
	}
}

func TestStreamer_PublishWithoutOpenStream(t *testing.T) {
	s := NewStreamer(nil)

	var delivered []Event
	s.Subscribe(func(e Event) { delivered = append(delivered, e) })

	s.Publish(Event{ProcessID: "ghost", Type: EventStdout, Payload: "x"})

	if len(delivered) != 0 {
		t.Errorf("Expected no delivery for unknown stream, got %d events", len(delivered))
	}
	if got := s.FullOutput("ghost"); got != "" {
		t.Errorf("Expected empty output for unknown stream, got %q", got)
	}
}

func TestStreamer_OpenIsIdempotent(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")
	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "kept"})

	s.Open("p1")

	if got := s.FullOutput("p1"); got != "kept" {
		t.Errorf("Expected double open to keep the buffer, got %q", got)
	}
}

func TestStreamer_OrderedDeliveryWithExitLast(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")

	var got []string
	exits := 0
	s.SubscribeProcess("p1", func(e Event) {
		switch e.Type {
		case EventStdout:
			got = append(got, e.Payload)
		case EventExit:
			exits++
			got = append(got, fmt.Sprintf("exit:%d", *e.ExitCode))
		}
	})

	for _, chunk := range []string{"a", "b", "c"} {
		s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: chunk})
	}
	s.PublishExit("p1", 0)

	want := []string{"a", "b", "c", "exit:0"}
	if len(got) != len(want) {
		t.Fatalf("Delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Delivered %v, want %v", got, want)
		}
	}
	if exits != 1 {
		t.Errorf("Expected exactly one exit event, got %d", exits)
	}
}

func TestStreamer_ExitClosesInputButRetainsBuffer(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")
	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "before"})
	s.PublishExit("p1", 0)

	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "after"})

	if got := s.FullOutput("p1"); got != "before" {
		t.Errorf("Expected late chunk dropped, got %q", got)
	}
	if s.IsOpen("p1") {
		t.Error("Expected stream closed to input after exit")
	}
}

func TestStreamer_DuplicateExitDeliveredOnce(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")

	exits := 0
	s.SubscribeExit("p1", func(e Event) { exits++ })

	s.PublishExit("p1", 0)
	s.PublishExit("p1", 0)

	if exits != 1 {
		t.Errorf("Expected one exit delivery, got %d", exits)
	}
}

func TestStreamer_CloseReleasesBuffer(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")
	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "data"})
	s.PublishExit("p1", 0)

	if got := s.FullOutput("p1"); got != "data" {
		t.Fatalf("Expected buffer retained after exit, got %q", got)
	}

	s.Close("p1")
	if got := s.FullOutput("p1"); got != "" {
		t.Errorf("Expected buffer released after close, got %q", got)
	}
}

func TestStreamer_CloseOfOpenStreamEmitsLifecycleEvent(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")

	var events []Event
	s.SubscribeErrors("p1", func(e Event) { events = append(events, e) })

	s.Close("p1")

	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("Expected one error-typed lifecycle event, got %v", events)
	}
	if events[0].Payload != "output stream closed" {
		t.Errorf("Unexpected payload %q", events[0].Payload)
	}
}

func TestStreamer_CloseAfterExitIsSilent(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")
	s.PublishExit("p1", 0)

	var events []Event
	s.SubscribeErrors("p1", func(e Event) { events = append(events, e) })

	s.Close("p1")

	if len(events) != 0 {
		t.Errorf("Expected no lifecycle event after exit already closed the stream, got %v", events)
	}
}

func TestStreamer_CloseUnknownIsNoop(t *testing.T) {
	s := NewStreamer(nil)
	s.Close("never-opened")
	s.Close("never-opened")
}

func TestStreamer_RingBufferDropsOldest(t *testing.T) {
	s := NewStreamer(&Config{MaxBufferSize: 3})
	s.Open("p1")

	for i := 1; i <= 5; i++ {
		s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: fmt.Sprintf("%d", i)})
	}

	if got := s.FullOutput("p1"); got != "345" {
		t.Errorf("Expected three most recent chunks, got %q", got)
	}
}

func TestStreamer_SubscriptionRouting(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")
	s.Open("p2")

	counts := map[string]int{}
	s.Subscribe(func(e Event) { counts["global"]++ })
	s.SubscribeProcess("p1", func(e Event) { counts["p1"]++ })
	s.SubscribeProcess("p2", func(e Event) { counts["p2"]++ })
	s.SubscribeErrors("p1", func(e Event) { counts["p1-errors"]++ })
	s.SubscribeExit("p1", func(e Event) { counts["p1-exit"]++ })

	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "out"})
	s.PublishError("p1", "boom")
	s.PublishExit("p1", 2)

	if counts["global"] != 3 {
		t.Errorf("global = %d, want 3", counts["global"])
	}
	if counts["p1"] != 3 {
		t.Errorf("p1 = %d, want 3", counts["p1"])
	}
	if counts["p2"] != 0 {
		t.Errorf("p2 = %d, want 0", counts["p2"])
	}
	if counts["p1-errors"] != 1 {
		t.Errorf("p1-errors = %d, want 1", counts["p1-errors"])
	}
	if counts["p1-exit"] != 1 {
		t.Errorf("p1-exit = %d, want 1", counts["p1-exit"])
	}
}

func TestStreamer_GlobalBeforeProcessSubscribers(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")

	var order []string
	s.Subscribe(func(e Event) { order = append(order, "global") })
	s.SubscribeProcess("p1", func(e Event) { order = append(order, "process") })

	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "x"})

	if len(order) != 2 || order[0] != "global" || order[1] != "process" {
		t.Errorf("Delivery order = %v, want [global process]", order)
	}
}

func TestStreamer_Unsubscribe(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")

	calls := 0
	sub := s.SubscribeProcess("p1", func(e Event) { calls++ })

	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "one"})
	s.Unsubscribe(sub)
	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "two"})

	if calls != 1 {
		t.Errorf("Expected one delivery after unsubscribe, got %d", calls)
	}

	// Unknown and repeated unsubscribes are silent.
	s.Unsubscribe(sub)
	s.Unsubscribe(Subscription{id: 9999, scope: scopeProcess, key: "p1"})
}

func TestStreamer_ShutdownIsIdempotent(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")
	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "x"})

	calls := 0
	s.Subscribe(func(e Event) { calls++ })

	s.Shutdown()
	s.Shutdown()

	if got := s.FullOutput("p1"); got != "" {
		t.Errorf("Expected buffers cleared on shutdown, got %q", got)
	}

	s.Open("p2")
	s.Publish(Event{ProcessID: "p2", Type: EventStdout, Payload: "y"})
	if calls != 0 {
		t.Errorf("Expected detached subscriber to stay silent, got %d calls", calls)
	}
	if s.IsOpen("p2") {
		t.Error("Expected opens after shutdown to be ignored")
	}
}

func TestStreamer_ReopenAfterExitReplacesBuffer(t *testing.T) {
	s := NewStreamer(nil)
	s.Open("p1")
	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "old"})
	s.PublishExit("p1", 0)

	s.Open("p1")
	s.Publish(Event{ProcessID: "p1", Type: EventStdout, Payload: "new"})

	if got := s.FullOutput("p1"); got != "new" {
		t.Errorf("Expected fresh buffer after reopen, got %q", got)
	}
}

func TestStreamer_ConcurrentPublishers(t *testing.T) {
	s := NewStreamer(nil)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		id := fmt.Sprintf("p%d", p)
		s.Open(id)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Publish(Event{ProcessID: id, Type: EventStdout, Payload: "x"})
			}
			s.PublishExit(id, 0)
		}(id)
	}
	wg.Wait()

	for p := 0; p < 8; p++ {
		id := fmt.Sprintf("p%d", p)
		if got := len(s.FullOutput(id)); got != 100 {
			t.Errorf("%s: buffered %d bytes, want 100", id, got)
		}
	}
}

func TestEventTypeString(t *testing.T) {
	cases := map[EventType]string{
		EventStdout:   "stdout",
		EventStderr:   "stderr",
		EventExit:     "exit",
		EventError:    "error",
		EventType(42): "unknown",
	}
	for et, want := range cases {
		if got := et.String(); got != want {
			t.Errorf("EventType(%d).String() = %q, want %q", et, got, want)
		}
	}
}
