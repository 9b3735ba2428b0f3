package ctxloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Context owns one run loop (§5 GLOSSARY). Its Run goroutine is the only
// goroutine that ever executes a posted func; Post is safe from any
// goroutine.
type Context struct {
	id     int
	wakeFD int
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
}

// New creates a Context identified by id, used only for logging. The
// wakeup primitive is a Linux eventfd via golang.org/x/sys/unix, the one
// place this package reaches for a raw OS primitive: a non-blocking eventfd
// that Post writes to and the idle run loop polls on.
func New(id int, logger *slog.Logger) (*Context, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("ctxloop: new context %d: %w", id, err)
	}
	return &Context{
		id:     id,
		wakeFD: fd,
		logger: logger.With(slog.Int("context_id", id)),
	}, nil
}

// Post enqueues fn for execution on the loop goroutine and wakes it if
// idle. Post never blocks and is safe from any goroutine (§5: "send
// operations enqueue and return").
func (c *Context) Post(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, fn)
	c.mu.Unlock()

	c.wake()
}

func (c *Context) wake() {
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(c.wakeFD, one[:])
}

func (c *Context) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(c.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// Run blocks until ctx is cancelled, executing posted work in FIFO order
// as it arrives. Exactly one goroutine — the poll loop that waits on the
// eventfd — ever calls into posted funcs.
func (c *Context) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.pollLoop(gctx)
	})

	err := g.Wait()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = unix.Close(c.wakeFD)

	return err
}

func (c *Context) pollLoop(ctx context.Context) error {
	pfd := []unix.PollFd{{Fd: int32(c.wakeFD), Events: unix.POLLIN}}

	for {
		c.runQueued()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := unix.Poll(pfd, 200)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("ctxloop: poll: %w", err)
		}
		if n > 0 {
			c.drainWake()
		}
	}
}

func (c *Context) runQueued() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		fn := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		fn()
	}
}
