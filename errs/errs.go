// Package errs defines the error-kind taxonomy shared by every layer of
// the stack: capacity exhaustion, malformed buffers, unresolved routes,
// protocol violations, timeouts, host/link failures, and connection
// resets. Callers compare against these sentinels with errors.Is; layers
// wrap them with fmt.Errorf("...: %w", ...) to attach context.
package errs

import "errors"

var (
	// ErrCapacity indicates a fixed-size table (ARP routes, DNS
	// entries, timers, TCP registrations, sockets) has no free slot.
	ErrCapacity = errors.New("no free slot")

	// ErrBuffer indicates an out-of-bounds or undersized buffer
	// operation.
	ErrBuffer = errors.New("buffer bounds violation")

	// ErrRoute indicates no ARP route (or no route to the destination
	// network) is known or resolvable.
	ErrRoute = errors.New("no route")

	// ErrProtocol indicates a received frame or segment fails
	// structural validation (bad checksum, bad header length, wrong
	// version).
	ErrProtocol = errors.New("protocol violation")

	// ErrTimeout indicates a retry budget was exhausted without a
	// response.
	ErrTimeout = errors.New("timed out")

	// ErrHost indicates failure of an injected host capability (the
	// link device refused a write, the clock misbehaved).
	ErrHost = errors.New("host failure")

	// ErrReset indicates a TCP connection was reset by the remote
	// peer or forcibly closed locally.
	ErrReset = errors.New("connection reset")

	// ErrClosed indicates an operation was attempted on an already
	// closed socket or route.
	ErrClosed = errors.New("closed")

	// ErrPortInUse indicates a listener registration named a local
	// port another listener already owns.
	ErrPortInUse = errors.New("port in use")
)
