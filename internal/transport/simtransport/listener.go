package simtransport

import (
	"sync"

	"github.com/accelsess/rpcsession/internal/transport"
)

// listener implements transport.Listener for one bound URI.
type listener struct {
	uri      string
	onAccept transport.AcceptFunc
	driver   *Driver

	mu     sync.Mutex
	closed bool
}

// URI implements transport.Listener.
func (l *listener) URI() string { return l.uri }

// Close implements transport.Listener.
func (l *listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.driver.unbind(l.uri)
	return nil
}

func (l *listener) accept(t *simTransport) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()

	if closed {
		t.deliverRefused()
		return
	}
	l.onAccept(t)
}
