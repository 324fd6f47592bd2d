package state

import (
	"errors"
	"fmt"
)

// ErrTerminalSession is returned when a status change targets a session
// already in a terminal state.
var ErrTerminalSession = errors.New("session is in a terminal state")

// NotFoundError reports a lookup of an id that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
