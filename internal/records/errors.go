package records

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by record and snapshot stores. Callers classify failures with errors.Is.
var (
	// ErrNotFound is returned when a referenced snapshot, record or external id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest is returned when the input cannot be processed as given and must be fixed by the caller.
	ErrBadRequest = errors.New("bad request")

	// ErrTransient is returned for connection, pool, timeout and serialization failures.
	// The store does not retry; callers may.
	ErrTransient = errors.New("transient store error")

	// ErrFormatting is returned by formatters when parsed content cannot be rendered.
	// Saves never surface it: the content is stored as an error record instead.
	ErrFormatting = errors.New("record formatting failed")
)

// NotFoundf returns an ErrNotFound wrapping the formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// BadRequestf returns an ErrBadRequest wrapping the formatted message.
func BadRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
