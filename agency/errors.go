package agency

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every ProtocolError
var ErrProtocol = errors.New("agency: malformed request")

// ProtocolError reports a malformed batch or query. It is returned before
// anything reaches the log and is never retried.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "agency: " + e.Message
}

// Is lets errors.Is(err, ErrProtocol) match.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}
