package memring

import (
	"errors"
	"fmt"

	"github.com/DeltaLaboratory/memring/internal/protocol"
	"github.com/DeltaLaboratory/memring/internal/serialize"
)

var (
	// ErrNotFound is returned when a key does not exist on its server. It is
	// distinct from a present key holding a nil value.
	ErrNotFound = errors.New("memring: key not found")

	// ErrNotStored is returned when a conditional store (add/replace,
	// append/prepend on a missing key) is rejected.
	ErrNotStored = errors.New("memring: not stored")

	// ErrCASConflict is returned when a compare-and-swap write carries a
	// stale token. The prior value is untouched.
	ErrCASConflict = errors.New("memring: cas conflict")

	// ErrClosed is returned for operations on a closed client.
	ErrClosed = errors.New("memring: client closed")

	// ErrNoServers is returned when no server can be resolved for a key.
	ErrNoServers = errors.New("memring: no servers available")
)

// Serialization boundary errors, surfaced as-is to callers.
type (
	MarshalError       = serialize.MarshalError
	UnmarshalError     = serialize.UnmarshalError
	ValueTooLargeError = serialize.ValueTooLargeError
)

// ServerError is a non-success status reported by a server, carrying the
// protocol status code and the message body the server sent with it.
type ServerError struct {
	Addr    string
	Status  uint16
	Message string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = protocol.Status(e.Status).String()
	}
	return fmt.Sprintf("memring: server %s: %s (0x%04x)", e.Addr, msg, e.Status)
}

// NetworkError wraps a connect/read/write failure against one server.
type NetworkError struct {
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("memring: server %s: %v", e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// MultiError aggregates per-server failures from fan-out operations.
// Operations that degrade gracefully return partial results alongside it.
type MultiError struct {
	PerServer map[string]error
}

func (e *MultiError) Error() string {
	return fmt.Sprintf("memring: %d servers failed", len(e.PerServer))
}

func (e *MultiError) Unwrap() error {
	errs := make([]error, 0, len(e.PerServer))
	for _, err := range e.PerServer {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// statusError maps a non-OK response status onto the error taxonomy.
func statusError(addr string, resp *protocol.Response) error {
	switch resp.Status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusKeyNotFound:
		return ErrNotFound
	case protocol.StatusKeyExists:
		return ErrCASConflict
	case protocol.StatusItemNotStored:
		return ErrNotStored
	default:
		return &ServerError{
			Addr:    addr,
			Status:  uint16(resp.Status),
			Message: string(resp.Value),
		}
	}
}
