package vm

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// kindError is a sentinel that also matches a containerd errdefs class.
type kindError struct {
	msg   string
	class error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.class }

// Error kinds returned by the manager. Use errors.Is to branch on them.
var (
	ErrValidation       error = &kindError{msg: "invalid vm request", class: errdefs.ErrInvalidArgument}
	ErrVMNotFound       error = &kindError{msg: "vm not found", class: errdefs.ErrNotFound}
	ErrInvalidOperation error = &kindError{msg: "invalid operation", class: errdefs.ErrFailedPrecondition}
	ErrStorage          error = &kindError{msg: "storage error", class: errdefs.ErrUnknown}
	ErrHypervisor       error = &kindError{msg: "hypervisor error", class: errdefs.ErrUnavailable}
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func hypervisorError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrHypervisor, err)
}
