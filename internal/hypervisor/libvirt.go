package hypervisor

import (
	"context"
	"fmt"
	"net"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

// LibvirtAdapter implements Adapter using the go-libvirt pure-Go client.
type LibvirtAdapter struct {
	l          *libvirt.Libvirt
	socketPath string
}

// Dial connects to the libvirt Unix socket at socketPath, performs the
// libvirt connect handshake, and returns a ready-to-use LibvirtAdapter.
func Dial(socketPath string) (*LibvirtAdapter, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("libvirt socket path must not be empty")
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %q: %w", socketPath, err)
	}

	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("libvirt connect: %w", err)
	}

	return &LibvirtAdapter{
		l:          l,
		socketPath: socketPath,
	}, nil
}

// Close disconnects from the libvirt daemon and releases the underlying
// network connection.
func (a *LibvirtAdapter) Close() error {
	if err := a.l.Disconnect(); err != nil {
		return fmt.Errorf("libvirt disconnect: %w", err)
	}
	return nil
}

// Define registers a persistent domain built from desc.
func (a *LibvirtAdapter) Define(ctx context.Context, desc Descriptor) (Domain, error) {
	if err := ctx.Err(); err != nil {
		return Domain{}, &Error{Op: "define", ID: desc.UUID, Err: err}
	}

	doc, err := desc.XML()
	if err != nil {
		return Domain{}, &Error{Op: "define", ID: desc.UUID, Err: err}
	}

	dom, err := a.l.DomainDefineXML(doc)
	if err != nil {
		return Domain{}, &Error{Op: "define", ID: desc.UUID, Err: err}
	}
	return toDomain(dom), nil
}

// Lookup resolves a VM id (the domain UUID) to a domain handle.
func (a *LibvirtAdapter) Lookup(ctx context.Context, id string) (Domain, error) {
	if err := ctx.Err(); err != nil {
		return Domain{}, &Error{Op: "lookup", ID: id, Err: err}
	}

	u, err := uuid.Parse(id)
	if err != nil {
		return Domain{}, &Error{Op: "lookup", ID: id, Err: fmt.Errorf("%w: %v", ErrDomainNotFound, err)}
	}

	dom, err := a.l.DomainLookupByUUID(libvirt.UUID(u))
	if err != nil {
		if libvirt.IsNotFound(err) {
			return Domain{}, &Error{Op: "lookup", ID: id, Err: fmt.Errorf("%w: %v", ErrDomainNotFound, err)}
		}
		return Domain{}, &Error{Op: "lookup", ID: id, Err: err}
	}
	return toDomain(dom), nil
}

// Start boots a defined domain.
func (a *LibvirtAdapter) Start(ctx context.Context, dom Domain) error {
	return a.call(ctx, "start", dom, a.l.DomainCreate)
}

// Shutdown asks the guest to power off via ACPI. It returns once the request
// is acknowledged, not when the domain has stopped.
func (a *LibvirtAdapter) Shutdown(ctx context.Context, dom Domain) error {
	return a.call(ctx, "shutdown", dom, a.l.DomainShutdown)
}

// Destroy stops a domain immediately, equivalent to pulling the power cord.
func (a *LibvirtAdapter) Destroy(ctx context.Context, dom Domain) error {
	return a.call(ctx, "destroy", dom, a.l.DomainDestroy)
}

// Undefine removes the persistent definition of a domain.
func (a *LibvirtAdapter) Undefine(ctx context.Context, dom Domain) error {
	return a.call(ctx, "undefine", dom, a.l.DomainUndefine)
}

func (a *LibvirtAdapter) call(ctx context.Context, op string, dom Domain, fn func(libvirt.Domain) error) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, ID: dom.UUID, Err: err}
	}

	ld, err := fromDomain(dom)
	if err != nil {
		return &Error{Op: op, ID: dom.UUID, Err: err}
	}
	if err := fn(ld); err != nil {
		return &Error{Op: op, ID: dom.UUID, Err: err}
	}
	return nil
}

// toDomain converts a go-libvirt domain into our handle type.
func toDomain(d libvirt.Domain) Domain {
	return Domain{
		Name: d.Name,
		UUID: uuid.UUID(d.UUID).String(),
		ID:   d.ID,
	}
}

// fromDomain rebuilds the go-libvirt domain value for an RPC call.
func fromDomain(d Domain) (libvirt.Domain, error) {
	u, err := uuid.Parse(d.UUID)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("parse domain uuid %q: %w", d.UUID, err)
	}
	return libvirt.Domain{
		Name: d.Name,
		UUID: libvirt.UUID(u),
		ID:   d.ID,
	}, nil
}
