// Package bus implements the Observer Bus (§4.4): a typed, keyed
// publish-subscribe fan-out attached to each transport handle. Subscribers
// register under a key (the destination session id) so dispatch is a
// direct map lookup rather than a linear scan, and delivery happens
// synchronously on the caller's goroutine — matching the transport
// context's "handlers must not block" contract (§5).
package bus
