// Package ctxloop implements the per-context run loop (§5): a
// single-threaded execution domain that is the sole thread driving every
// session, connection, transport handle and task bound to it. Work is
// posted from any goroutine via Post and executed on the loop's own
// goroutine in FIFO order, so callback code never races with itself.
package ctxloop
