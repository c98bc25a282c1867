package server

import (
	"errors"
	"fmt"

	"github.com/npezzotti/chatrooms/internal/database"
)

var (
	ErrNotMember          = errors.New("not a member of this room")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrServerClosed       = errors.New("chat server closed")
	ErrSessionClosed      = errors.New("session closed")
)

// ProtocolError reports an inbound frame that could not be decoded or failed
// validation.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed event: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// errorText maps an operation failure to the text sent in an error event.
// Internal details never reach the client.
func errorText(err error) string {
	var protoErr *ProtocolError
	switch {
	case errors.As(err, &protoErr):
		return protoErr.Error()
	case errors.Is(err, ErrNotMember):
		return ErrNotMember.Error()
	case errors.Is(err, ErrServiceUnavailable), database.IsKind(err, database.Unavailable):
		return "service unavailable, try again later"
	case database.IsKind(err, database.Constraint):
		return "request conflicts with existing data"
	default:
		return "internal server error"
	}
}
