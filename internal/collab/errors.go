// errors.go
package collab

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Error codes used by the protocol core.
const (
	ErrCodeInvalidProtocolVersion = 4019
	ErrCodeInvalidDefaultType     = 4020
	ErrCodeInvalidClientID        = 4021
	ErrCodeIllegalStateTransition = 5007
)

// Error is a protocol-coded error. Raw carries the full wire frame the error
// arrived on, when there is one, so callers can inspect the original message.
type Error struct {
	Code    int
	Message string
	Raw     json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func newError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// wireError converts a message error envelope into a local *Error carrying the
// original frame. A nil envelope yields a nil error.
func wireError(envelope *ErrorData, raw []byte) error {
	if envelope == nil {
		return nil
	}
	return &Error{
		Code:    envelope.Code,
		Message: envelope.Message,
		Raw:     json.RawMessage(append([]byte(nil), raw...)),
	}
}
