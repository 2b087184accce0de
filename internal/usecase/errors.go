package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorTimeout      ErrorCode = "TIMEOUT"
	ErrorNetwork      ErrorCode = "NETWORK"
	ErrorUpstream     ErrorCode = "UPSTREAM"
	ErrorEmptyReply   ErrorCode = "EMPTY_REPLY"
	ErrorCanceled     ErrorCode = "CANCELED"
	ErrorInternal     ErrorCode = "INTERNAL"
)

type Error struct {
	Code   ErrorCode
	Reason string
	// Status is the gateway HTTP status for UPSTREAM errors, else 0.
	Status int
	// RequestID is the gateway's request id when it sent one.
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// UserMessage is the text to show an end user. It never carries transport
// or decoding detail.
func (e *Error) UserMessage() string {
	if e == nil {
		return ""
	}
	switch e.Code {
	case ErrorInvalidInput:
		if e.Reason == reasonTooLong {
			return "Your message is too long. Please shorten it and try again."
		}
		return "Please type a message first."
	case ErrorTimeout:
		return "The assistant took too long to answer. Please try again."
	case ErrorNetwork:
		return "Could not reach the assistant. Check your connection and try again."
	case ErrorUpstream:
		if e.Status == 429 {
			return "The assistant is busy right now. Please wait a moment and try again."
		}
		return "The assistant could not answer right now. Please try again later."
	case ErrorEmptyReply:
		return "The assistant returned an empty answer. Please rephrase and try again."
	case ErrorCanceled:
		return "Request canceled."
	default:
		return "Something went wrong. Please try again."
	}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
