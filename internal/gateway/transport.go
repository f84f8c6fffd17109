package gateway

import (
	"errors"
	"sync"

	"github.com/nextlevelbuilder/roomgate/internal/bus"
)

var errTransportClosed = errors.New("gateway: transport closed")

// bufferedTransport is the bus side of a live connection. The bus calls
// Send and Heartbeat while holding its publish lock, so neither blocks:
// frames go into a bounded queue drained by the connection's writer
// goroutine, and a full queue fails the write with bus.ErrSlowConsumer.
type bufferedTransport struct {
	out  chan interface{} // bus.Event or a response frame
	ping chan struct{}
	done chan struct{}

	closeOnce sync.Once
	onClose   func()
}

func newBufferedTransport(size int, onClose func()) *bufferedTransport {
	return &bufferedTransport{
		out:     make(chan interface{}, size),
		ping:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (t *bufferedTransport) Send(ev bus.Event) error {
	return t.enqueue(ev)
}

// enqueue adds any frame to the outbound queue.
func (t *bufferedTransport) enqueue(frame interface{}) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.out <- frame:
		return nil
	default:
		return bus.ErrSlowConsumer
	}
}

// Heartbeat asks the writer for a keepalive. A heartbeat still pending from
// the previous tick means the writer is stuck.
func (t *bufferedTransport) Heartbeat() error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.ping <- struct{}{}:
		return nil
	default:
		return bus.ErrSlowConsumer
	}
}

func (t *bufferedTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.onClose != nil {
			t.onClose()
		}
	})
	return nil
}

// Done is closed once the transport is closed by either side.
func (t *bufferedTransport) Done() <-chan struct{} { return t.done }
