package dslink

import (
	"errors"
	"fmt"
)

var (
	// network or http level handshake failure. Retried with backoff, never fatal.
	ErrHandshakeFailure = errors.New("handshake failure")
	// malformed envelope or unknown method. The whole batch is rejected.
	ErrProtocolViolation = errors.New("protocol violation")
	// the request targets a node that does not exist. No reply is sent.
	ErrPathNotFound = errors.New("path not found")
	// the declared permission does not cover the node permission. No reply is sent.
	ErrPermissionDenied = errors.New("permission denied")
	// unsubscribe/close for an id not in the table. Logged, not propagated.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	ErrNotConnected      = errors.New("not connected")
	ErrAttemptsExhausted = errors.New("connection attempts exhausted")
)

type HandshakeError struct {
	StatusCode int
	Message    string
	Err        error
}

func (self *HandshakeError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("handshake failure: %s", self.Err)
	}
	return fmt.Sprintf("handshake failure: status %d: %s", self.StatusCode, self.Message)
}

func (self *HandshakeError) Unwrap() []error {
	if self.Err != nil {
		return []error{ErrHandshakeFailure, self.Err}
	}
	return []error{ErrHandshakeFailure}
}

func protocolViolation(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, a...))
}
