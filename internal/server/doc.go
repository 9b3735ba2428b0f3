// Package server implements the Server Binder (§4.7): it owns the set of
// listen URIs a process has bound, and promotes every inbound Transport a
// Listener hands it into a freshly allocated acceptor Session. It also
// opens a per-session listener for each portal an accepted Session
// advertises, attaching worker connections back to that Session instead of
// starting new ones.
package server
