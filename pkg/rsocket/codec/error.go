package codec

import (
	"fmt"
)

// ErrorCode is the code carried in ERROR frames
type ErrorCode uint32

const (
	ErrorCodeInvalidSetup     ErrorCode = 0x00000001
	ErrorCodeUnsupportedSetup ErrorCode = 0x00000002
	ErrorCodeRejectedSetup    ErrorCode = 0x00000003
	ErrorCodeRejectedResume   ErrorCode = 0x00000004
	ErrorCodeConnectionError  ErrorCode = 0x00000101
	ErrorCodeConnectionClose  ErrorCode = 0x00000102
	ErrorCodeApplicationError ErrorCode = 0x00000201
	ErrorCodeRejected         ErrorCode = 0x00000202
	ErrorCodeCanceled         ErrorCode = 0x00000203
	ErrorCodeInvalid          ErrorCode = 0x00000204
)

// String implements fmt.Stringer
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeInvalidSetup:
		return "INVALID_SETUP"
	case ErrorCodeUnsupportedSetup:
		return "UNSUPPORTED_SETUP"
	case ErrorCodeRejectedSetup:
		return "REJECTED_SETUP"
	case ErrorCodeRejectedResume:
		return "REJECTED_RESUME"
	case ErrorCodeConnectionError:
		return "CONNECTION_ERROR"
	case ErrorCodeConnectionClose:
		return "CONNECTION_CLOSE"
	case ErrorCodeApplicationError:
		return "APPLICATION_ERROR"
	case ErrorCodeRejected:
		return "REJECTED"
	case ErrorCodeCanceled:
		return "CANCELED"
	case ErrorCodeInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("UNKNOWN(0x%08X)", uint32(c))
	}
}

// IsConnectionError reports whether errors with code c terminate the whole connection
func (c ErrorCode) IsConnectionError() bool {
	return c < ErrorCodeApplicationError
}

// Error is an error received from, or to be sent to, the peer in an ERROR frame
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
