package simtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/accelsess/rpcsession/internal/bus"
	"github.com/accelsess/rpcsession/internal/transport"
)

// ErrRefused names a refused connection. Dial does not return it: when no
// Listener is bound to the dialed URI, refusal arrives asynchronously as a
// bus.Refused event, which carries no error value. Dial itself only fails
// for malformed input; real refusal is modeled as an event so
// callers exercise the same §4.6/§7 path a real driver would take.
var ErrRefused = errors.New("simtransport: connection refused")

// Driver is an in-process reference transport.Driver. Dial and Listen calls
// against the same Driver are paired by URI and wired directly together in
// memory, standing in for the real network transport (§1).
type Driver struct {
	mu        sync.Mutex
	listeners map[string]*listener
	nextID    atomic.Uint64
}

// NewDriver creates an empty Driver.
func NewDriver() *Driver {
	return &Driver{listeners: make(map[string]*listener)}
}

func (d *Driver) handle() bus.Handle {
	return bus.Handle(d.nextID.Add(1))
}

// Dial returns a Transport immediately; its ESTABLISHED or REFUSED outcome
// is delivered asynchronously via an event on the returned Transport's
// Observers bus, matching how a real dial never completes on the calling
// goroutine (§5).
func (d *Driver) Dial(ctx context.Context, uri string) (transport.Transport, error) {
	if uri == "" {
		return nil, fmt.Errorf("simtransport: dial: %w", errEmptyURI)
	}

	local := newSimTransport(d.handle(), uri)

	d.mu.Lock()
	l, ok := d.listeners[uri]
	d.mu.Unlock()

	if !ok {
		go local.deliverRefused()
		return local, nil
	}

	remote := newSimTransport(d.handle(), "simtransport:dial")
	local.pair(remote)
	remote.pair(local)

	go func() {
		local.deliverEstablished()
		remote.deliverEstablished()
		l.accept(remote)
	}()

	return local, nil
}

// Listen binds a Listener to uri. Only one Listener may be bound per URI at
// a time.
func (d *Driver) Listen(ctx context.Context, uri string, onAccept transport.AcceptFunc) (transport.Listener, error) {
	if uri == "" {
		return nil, fmt.Errorf("simtransport: listen: %w", errEmptyURI)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.listeners[uri]; exists {
		return nil, fmt.Errorf("simtransport: listen %s: %w", uri, errAlreadyBound)
	}

	l := &listener{uri: uri, onAccept: onAccept, driver: d}
	d.listeners[uri] = l
	return l, nil
}

func (d *Driver) unbind(uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, uri)
}

var errEmptyURI = errors.New("empty uri")
var errAlreadyBound = errors.New("uri already bound")
