package protocol

import "errors"

var (
	// ErrInsufficientData is returned when fewer bytes remain than a read needs.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrNotConstructible is returned by mutations on parsed or corrupted messages.
	ErrNotConstructible = errors.New("message is not constructible")
	// ErrValueTooLarge is returned when a string does not fit its 16-bit prefix.
	ErrValueTooLarge = errors.New("value too large")
	// ErrUnsupportedKind is returned when a kind has no readable width.
	ErrUnsupportedKind = errors.New("unsupported value kind")
	// ErrTemplate is returned for malformed template text.
	ErrTemplate = errors.New("malformed packet template")
)
