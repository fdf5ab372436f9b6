package gameapi

import "fmt"

// ErrorCode classifies a rejected mail send.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrItemNotFound
	ErrUserInHardcoreRonin
	ErrUserIsIgnoring
	ErrRequestFatal
	ErrInvalidUser
	ErrLimitReached
)

// String returns the wire name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "NONE"
	case ErrItemNotFound:
		return "ITEM_NOT_FOUND"
	case ErrUserInHardcoreRonin:
		return "USER_IN_HARDCORE_RONIN"
	case ErrUserIsIgnoring:
		return "USER_IS_IGNORING"
	case ErrRequestFatal:
		return "REQUEST_FATAL"
	case ErrInvalidUser:
		return "INVALID_USER"
	case ErrLimitReached:
		return "LIMIT_REACHED"
	default:
		return "UNKNOWN"
	}
}

// WithholdsItems reports whether a failure with this code leaves attached
// items withheld for the recipient rather than released back to inventory.
func (c ErrorCode) WithholdsItems() bool {
	switch c {
	case ErrItemNotFound, ErrUserInHardcoreRonin, ErrUserIsIgnoring, ErrRequestFatal:
		return true
	}
	return false
}

// SendError is a failed mail delivery. Transport distinguishes a dropped
// connection from a server-side rejection; the two are handled identically by
// the retry path but counted separately for diagnostics.
type SendError struct {
	Code      ErrorCode
	Transport bool
	Msg       string
}

func (e *SendError) Error() string {
	if e.Transport {
		return fmt.Sprintf("send failed (transport): %s", e.Msg)
	}
	return fmt.Sprintf("send rejected (%s): %s", e.Code, e.Msg)
}

// SendCode extracts the error class from a send failure. Transport faults and
// unrecognized errors map to ErrRequestFatal.
func SendCode(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}
	if se, ok := err.(*SendError); ok && !se.Transport {
		return se.Code
	}
	return ErrRequestFatal
}
