// Package hypervisor provides the native control interface for VM domains on a
// single host via libvirt.
package hypervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrDomainNotFound is returned by Lookup when no domain carries the requested id.
var ErrDomainNotFound = fmt.Errorf("domain not found: %w", errdefs.ErrNotFound)

// Domain is a lookup result for one hypervisor domain. It is a transient
// handle: callers keep the VM id and look the domain up again for each call.
type Domain struct {
	Name string
	UUID string
	ID   int32
}

// Adapter defines the primitives the VM manager needs from the hypervisor.
// All calls are synchronous and perform no retries.
type Adapter interface {
	Define(ctx context.Context, desc Descriptor) (Domain, error)
	Lookup(ctx context.Context, id string) (Domain, error)
	Start(ctx context.Context, dom Domain) error
	Shutdown(ctx context.Context, dom Domain) error
	Destroy(ctx context.Context, dom Domain) error
	Undefine(ctx context.Context, dom Domain) error
}

// Error wraps a failure reported by the control interface.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("libvirt %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("libvirt %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the domain does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDomainNotFound)
}
