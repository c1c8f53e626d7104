package peer

import "errors"

var (
	// ErrWrongStatus is returned when an operation needs a connected session
	// and the connection is in some other state.
	ErrWrongStatus = errors.New("peer: wrong connection status")

	// ErrTimeout is returned when no correlated response arrives within the
	// request timeout.
	ErrTimeout = errors.New("peer: request timed out")

	// ErrUnexpectedResponse is returned when the packet matched to a request
	// is not the variant the request expects.
	ErrUnexpectedResponse = errors.New("peer: unexpected response packet")

	// ErrAlreadyLinked is returned when an identifier is already registered
	// to a different relay address.
	ErrAlreadyLinked = errors.New("peer: connection already linked")

	// ErrNoSuchConnection is returned when no connection is registered under
	// the requested identifier.
	ErrNoSuchConnection = errors.New("peer: no such connection")

	// ErrNotOnline is returned when the requested connection exists but is
	// not connected.
	ErrNotOnline = errors.New("peer: connection not online")
)
