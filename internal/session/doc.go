// Package session implements the Session state machine (§4.6) and the
// Client Connector's Connect operation (§4.8): setup handshake negotiation,
// portal/service round-robin assignment, and the connection list a Session
// owns across one or more bound transports.
package session
