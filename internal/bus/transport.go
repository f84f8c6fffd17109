package bus

import "sync"

// FuncTransport adapts a callback into a Transport for in-process
// subscribers such as tests and CLI tools. A nil OnHeartbeat accepts
// every heartbeat.
type FuncTransport struct {
	OnSend      func(Event) error
	OnHeartbeat func() error

	mu     sync.Mutex
	closed bool
}

func (f *FuncTransport) Send(ev Event) error {
	if f.isClosed() {
		return errClosedTransport
	}
	return f.OnSend(ev)
}

func (f *FuncTransport) Heartbeat() error {
	if f.isClosed() {
		return errClosedTransport
	}
	if f.OnHeartbeat == nil {
		return nil
	}
	return f.OnHeartbeat()
}

func (f *FuncTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether the bus has closed this transport.
func (f *FuncTransport) Closed() bool { return f.isClosed() }

func (f *FuncTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
