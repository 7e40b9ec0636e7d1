package model

import (
	"fmt"
)

const (
	ErrCodeUnknownError          = 1
	ErrCodeResolutionFailed      = 100
	ErrCodeConnectionUnavailable = 101
	ErrCodeProtocolError         = 102
	ErrCodeUnsupportedCapability = 103
	ErrCodeBusClosed             = 104
)

var (
	// ErrResolutionFailed means no discovery endpoint was reachable and the
	// router's cache held nothing usable for the topic.
	ErrResolutionFailed = &Error{
		Code:        ErrCodeResolutionFailed,
		Description: "no broker endpoint resolved for topic",
	}

	// ErrConnectionUnavailable means the pool was exhausted or all
	// reconnect attempts to an endpoint failed.
	ErrConnectionUnavailable = &Error{
		Code:        ErrCodeConnectionUnavailable,
		Description: "no connection available for endpoint",
	}

	// ErrProtocolError means the peer sent a frame we could not parse.
	ErrProtocolError = &Error{
		Code:        ErrCodeProtocolError,
		Description: "malformed frame from peer",
	}

	// ErrUnsupportedCapability means the selected wire adapter lacks a
	// capability an operation requires.
	ErrUnsupportedCapability = &Error{
		Code:        ErrCodeUnsupportedCapability,
		Description: "broker does not support required capability",
	}

	// ErrBusClosed means an operation was attempted after Close.
	ErrBusClosed = &Error{
		Code:        ErrCodeBusClosed,
		Description: "bus is closed",
	}
)

// Error is a coded error. The code gives callers something stable to switch
// on, the description is for humans.
type Error struct {
	Code        uint8
	Description string
}

func (err *Error) Error() string {
	return fmt.Sprintf("%d|%s", err.Code, err.Description)
}

// TypedError converts an arbitrary error into an *Error, assigning the
// unknown code if it isn't one already.
func TypedError(err error) *Error {
	typed, ok := err.(*Error)
	if ok {
		return typed
	}
	return &Error{ErrCodeUnknownError, err.Error()}
}

// PublishError reports that a publish exhausted its retry budget. Reason
// holds the last underlying failure and Attempts how many sends were tried.
type PublishError struct {
	Reason   error
	Attempts int
}

func (err *PublishError) Error() string {
	return fmt.Sprintf("publish failed after %d attempts: %v", err.Attempts, err.Reason)
}

func (err *PublishError) Unwrap() error {
	return err.Reason
}
