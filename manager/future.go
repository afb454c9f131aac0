package manager

// Future represents the pending result of an asynchronous command.
type Future struct {
	id     string
	output string
	err    error
	done   chan struct{}
	cancel func()
}

func newFuture(id string, cancel func()) *Future {
	return &Future{
		id:     id,
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// complete sets the result and signals completion.
func (f *Future) complete(output string, err error) {
	f.output = output
	f.err = err
	close(f.done)
}

// ID returns the process id the future resolves for. It is valid
// immediately, so callers can Kill or subscribe before completion.
func (f *Future) ID() string {
	return f.id
}

// Wait blocks until the result is available.
func (f *Future) Wait() (string, error) {
	<-f.done
	return f.output, f.err
}

// Done returns a channel that is closed when the result is ready.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Cancel abandons the wait. The underlying process keeps running
// and is still observable through its record; use Kill to stop it.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}
