package server

// Error is a simple error type for server errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for server lifecycle and registration.
var (
	// ErrAlreadyStarted is returned when Start is called on a running
	// server. This is a programmer error and is never retried
	// internally.
	ErrAlreadyStarted = Error("server already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = Error("server not started")

	// ErrNilConfig is returned when constructing a server without a
	// configuration.
	ErrNilConfig = Error("configuration cannot be nil")

	// ErrNilProtocol is returned when registering a nil protocol
	// configuration.
	ErrNilProtocol = Error("protocol configuration cannot be nil")

	// ErrDuplicateProtocol is returned when registering two protocol
	// configurations with the same name.
	ErrDuplicateProtocol = Error("protocol already registered")

	// ErrConnClosed is returned by writes on a closed connection.
	ErrConnClosed = Error("connection closed")
)
