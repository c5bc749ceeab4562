package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrStaleClaim         = errors.New("stale claim")
	ErrDependencyCycle    = errors.New("dependency cycle")
	ErrDefinitionConflict = errors.New("definition already exists with different content")
	ErrInvalidDefinition  = errors.New("invalid definition")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNoHealthyQueue     = errors.New("no healthy queue for region")
	ErrQueueEmpty         = errors.New("no instances ready")
	ErrCancelled          = errors.New("cancel requested")
	ErrLeaseLost          = errors.New("lease lost")
)

// Terminal marks a handler error as non-retryable. The instance goes straight to DEAD_LETTER.
//
//	return domain.Terminal(fmt.Errorf("bad payload: %w", err))
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// IsTerminal reports whether err was wrapped with Terminal.
func IsTerminal(err error) bool {
	var e terminalError
	return errors.As(err, &e)
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return fmt.Sprintf("terminal: %v", e.err) }
func (e terminalError) Unwrap() error { return e.err }

// Classify maps a handler result onto the (success, retryable) execution contract.
// A nil error is success; Terminal errors are not retryable; everything else is.
func Classify(err error) (success, retryable bool) {
	switch {
	case err == nil:
		return true, false
	case IsTerminal(err):
		return false, false
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return false, false
	}
	return false, true
}
