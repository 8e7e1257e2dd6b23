package ensemble

import (
	"errors"
	"fmt"
)

// Transport and correlation errors.
var (
	// ErrNotConnected is returned when a send or call is attempted
	// while the session is not in the Connected state.
	ErrNotConnected = errors.New("not connected to server")

	// ErrConnectionClosed fails every outstanding request when the
	// connection drops or Disconnect is called.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout is returned when no response arrives for a request
	// within its timeout.
	ErrTimeout = errors.New("request timed out")
)

// RemoteError is an error response from the server for a specific
// request. It is business data, not a transport fault: callers receive
// it verbatim and the broker never retries it.
type RemoteError struct {
	Code    string
	Details string
}

func (e *RemoteError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("server error %s", e.Code)
	}

	return fmt.Sprintf("server error %s: %s", e.Code, e.Details)
}
