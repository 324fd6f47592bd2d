package relay

import (
	"errors"
	"fmt"
)

// TransportError reports a connection that broke or stalled during
// delivery. The affected connection is dropped; delivery to every other
// connection proceeds unaffected.
type TransportError struct {
	ConnectionID string
	Err          error
}

func (e *TransportError) Error() string {
	if e.ConnectionID == "" {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.ConnectionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

var (
	errSendBufferFull = errors.New("send buffer full")
	errIdleTimeout    = errors.New("idle timeout")
	errNotConnected   = errors.New("not connected")
)
