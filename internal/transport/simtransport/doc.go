// Package simtransport is an in-process reference transport.Driver: it
// connects Dial and Listen calls made against the same Driver instance
// directly through goroutines and each side's own bus.Bus, with no real
// network I/O. It exists
// for tests and local examples, standing in for the out-of-scope
// concrete RDMA/TCP driver (§1).
//
// Structured as a listener/sender split with an injectable test double,
// adapted from a pull-based Recv loop to the push-based bus.Event delivery
// this module's transport contract requires.
package simtransport
