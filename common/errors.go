package common

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/iselt/wiretap/common/frame"
	"github.com/iselt/wiretap/common/protocol"
)

// Error types for error handling and metrics
var (
	// Connection errors
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionLost    = errors.New("connection lost")
	ErrUnauthorized      = errors.New("unauthorized")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Protocol errors
	ErrFrameTooLarge = frame.ErrFrameTooLarge

	// System errors
	ErrHostsFile        = errors.New("hosts file update failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrResolveFailed    = errors.New("host resolution failed")
)

// Error type names used by RelayError.Type.
const (
	ErrorTypeConnection    = "connection"
	ErrorTypeConfiguration = "configuration"
	ErrorTypeProtocol      = "protocol"
	ErrorTypeSystem        = "system"
)

// RelayError represents a structured error with context
type RelayError struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Cause     error             `json:"cause,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

// NewRelayError creates a new structured relay error
func NewRelayError(errorType, message string, cause error) *RelayError {
	return &RelayError{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]string),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context information to the error
func (e *RelayError) WithContext(key, value string) *RelayError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func relayErrorType(err error) (string, bool) {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Type, true
	}
	return "", false
}

// Error classification functions
func IsConnectionError(err error) bool {
	if t, ok := relayErrorType(err); ok {
		return t == ErrorTypeConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrAlreadyConnected) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost)
}

func IsConfigurationError(err error) bool {
	if t, ok := relayErrorType(err); ok {
		return t == ErrorTypeConfiguration
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

func IsProtocolError(err error) bool {
	if t, ok := relayErrorType(err); ok {
		return t == ErrorTypeProtocol
	}

	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, protocol.ErrInsufficientData) ||
		errors.Is(err, protocol.ErrNotConstructible) ||
		errors.Is(err, protocol.ErrValueTooLarge) ||
		errors.Is(err, protocol.ErrUnsupportedKind) ||
		errors.Is(err, protocol.ErrTemplate)
}

func IsSystemError(err error) bool {
	if t, ok := relayErrorType(err); ok {
		return t == ErrorTypeSystem
	}

	return errors.Is(err, ErrHostsFile) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrResolveFailed)
}

// RecoveryStrategy is what the relay does after an error.
type RecoveryStrategy int

const (
	// RecoveryNone reports the error to the caller and changes nothing.
	RecoveryNone RecoveryStrategy = iota
	// RecoveryCancel forwards the original frame unchanged.
	RecoveryCancel
	// RecoveryDisconnect tears the session down. The relay never reconnects on its own.
	RecoveryDisconnect
)

func (s RecoveryStrategy) String() string {
	switch s {
	case RecoveryCancel:
		return "cancel"
	case RecoveryDisconnect:
		return "disconnect"
	}
	return "none"
}

// GetRecoveryStrategy determines the appropriate recovery strategy for an error
func GetRecoveryStrategy(err error) RecoveryStrategy {
	if err == nil {
		return RecoveryNone
	}
	if IsConnectionError(err) || errors.Is(err, ErrFrameTooLarge) {
		return RecoveryDisconnect
	}
	if IsConfigurationError(err) || IsSystemError(err) {
		return RecoveryNone // surfaced to whoever asked for the change
	}
	// protocol errors and anything raised by a hook
	return RecoveryCancel
}
