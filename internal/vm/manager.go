package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/jamesprial/vmctl/internal/catalog"
	"github.com/jamesprial/vmctl/internal/hypervisor"
	"github.com/jamesprial/vmctl/internal/metrics"
)

// catalogStore is the subset of *catalog.Store the manager uses.
type catalogStore interface {
	Begin(ctx context.Context) (catalogTx, error)
	Get(ctx context.Context, id string) (*catalog.Record, error)
	List(ctx context.Context) ([]catalog.Record, error)
	UpdateState(ctx context.Context, id, from, to string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type catalogTx interface {
	Insert(rec *catalog.Record) error
	Commit() error
	Rollback() error
}

// storeAdapter lets *catalog.Store satisfy catalogStore.
type storeAdapter struct {
	*catalog.Store
}

func (s storeAdapter) Begin(ctx context.Context) (catalogTx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Manager coordinates the catalog and the hypervisor for VM lifecycle
// operations. It is safe for concurrent use.
//
// Every state-changing hypervisor call goes through a hypervisor.Guard, so
// such calls are serialized process-wide. Operations on the same VM id are
// additionally serialized by the manager.
type Manager struct {
	catalog  catalogStore
	hv       hypervisor.Adapter
	metrics  metrics.Recorder
	defaults hypervisor.Defaults
	locks    idLocks

	now   func() time.Time
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaults sets the host-wide domain settings used by CreateVM.
func WithDefaults(d hypervisor.Defaults) Option {
	return func(m *Manager) { m.defaults = d }
}

// NewManager returns a Manager over store and hv. If hv is not already a
// *hypervisor.Guard it is wrapped in one. rec may be nil.
func NewManager(store *catalog.Store, hv hypervisor.Adapter, rec metrics.Recorder, opts ...Option) *Manager {
	return newManager(storeAdapter{store}, hv, rec, opts...)
}

func newManager(store catalogStore, hv hypervisor.Adapter, rec metrics.Recorder, opts ...Option) *Manager {
	if _, ok := hv.(*hypervisor.Guard); !ok {
		hv = hypervisor.NewGuard(hv)
	}
	m := &Manager{
		catalog: store,
		hv:      hv,
		metrics: metrics.Safe(rec),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ VMManager = (*Manager)(nil)

// ListVMs returns every catalog entry ordered by name.
func (m *Manager) ListVMs(ctx context.Context) ([]VM, error) {
	log.G(ctx).Debug("listing vms")

	recs, err := m.catalog.List(ctx)
	if err != nil {
		return nil, storageError("list vms", err)
	}

	out := make([]VM, 0, len(recs))
	for i := range recs {
		v, err := fromRecord(&recs[i])
		if err != nil {
			return nil, storageError("list vms", err)
		}
		out = append(out, *v)
	}

	m.metrics.RecordVMCount(len(out))
	return out, nil
}

// GetVM returns the catalog entry for id.
func (m *Manager) GetVM(ctx context.Context, id string) (*VM, error) {
	return m.get(ctx, id)
}

// CreateVM validates req, records a stopped VM, and defines the matching
// domain. The catalog row is committed only after the domain is defined.
//
// If the commit fails after a successful define, the domain stays defined
// with no catalog row. That case is logged and returned as a storage error;
// it is not compensated.
func (m *Manager) CreateVM(ctx context.Context, req CreateRequest) (*VM, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}

	now := m.now()
	v := &VM{
		ID:        m.newID(),
		Name:      req.Name,
		State:     StateStopped,
		Resources: req.Resources,
		Owner:     req.Owner,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  req.Metadata,
	}
	if v.Metadata == nil {
		v.Metadata = emptyMetadata()
	}

	logger := log.G(ctx).WithFields(log.Fields{"vm": v.ID, "name": v.Name})
	logger.Info("creating vm")
	if req.Template != "" {
		logger.WithField("template", req.Template).Debug("template reference ignored")
	}

	rec, err := toRecord(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	tx, err := m.catalog.Begin(ctx)
	if err != nil {
		return nil, storageError("create vm", err)
	}
	if err := tx.Insert(rec); err != nil {
		_ = tx.Rollback()
		return nil, storageError("create vm", err)
	}

	if _, err := m.hv.Define(ctx, m.descriptor(v)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.WithError(rbErr).Warn("rollback after failed define")
		}
		return nil, hypervisorError(fmt.Sprintf("create vm %q", v.Name), err)
	}

	if err := tx.Commit(); err != nil {
		logger.WithError(err).Error("catalog commit failed after domain was defined; domain is orphaned")
		return nil, storageError(fmt.Sprintf("create vm %q", v.Name), err)
	}

	m.metrics.RecordVMCreated(v.Name)
	logger.Info("vm created")
	return v, nil
}

// StartVM boots the VM. Starting a running VM is a successful no-op that
// does not contact the hypervisor.
func (m *Manager) StartVM(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	v, err := m.get(ctx, id)
	if err != nil {
		return err
	}

	logger := log.G(ctx).WithFields(log.Fields{"vm": id, "name": v.Name})
	if v.State == StateRunning {
		logger.Warn("vm already running")
		return nil
	}
	logger.Info("starting vm")

	dom, err := m.hv.Lookup(ctx, id)
	if err != nil {
		return hypervisorError(fmt.Sprintf("start vm %q", id), err)
	}
	if err := m.hv.Start(ctx, dom); err != nil {
		return hypervisorError(fmt.Sprintf("start vm %q", id), err)
	}

	if err := m.catalog.UpdateState(ctx, id, string(v.State), string(StateRunning), m.now()); err != nil {
		return m.catalogError(fmt.Sprintf("start vm %q", id), err)
	}

	m.metrics.RecordVMStarted(v.Name)
	logger.Info("vm started")
	return nil
}

// StopVM stops a running VM, forcibly when force is set. Stopping a VM that
// is not running is a successful no-op that does not contact the hypervisor.
//
// A graceful stop only asks the guest to shut down; the row is marked
// stopped once the request is acknowledged.
func (m *Manager) StopVM(ctx context.Context, id string, force bool) error {
	unlock := m.locks.lock(id)
	defer unlock()

	v, err := m.get(ctx, id)
	if err != nil {
		return err
	}

	logger := log.G(ctx).WithFields(log.Fields{"vm": id, "name": v.Name, "force": force})
	if v.State != StateRunning {
		logger.WithField("state", v.State).Warn("vm is not running")
		return nil
	}
	logger.Info("stopping vm")

	dom, err := m.hv.Lookup(ctx, id)
	if err != nil {
		return hypervisorError(fmt.Sprintf("stop vm %q", id), err)
	}
	if force {
		err = m.hv.Destroy(ctx, dom)
	} else {
		err = m.hv.Shutdown(ctx, dom)
	}
	if err != nil {
		return hypervisorError(fmt.Sprintf("stop vm %q", id), err)
	}

	if err := m.catalog.UpdateState(ctx, id, string(StateRunning), string(StateStopped), m.now()); err != nil {
		return m.catalogError(fmt.Sprintf("stop vm %q", id), err)
	}

	m.metrics.RecordVMStopped(v.Name)
	logger.Info("vm stopped")
	return nil
}

// DeleteVM undefines the domain and removes the catalog row. The VM must be
// stopped. A domain that cannot be looked up is treated as already gone.
func (m *Manager) DeleteVM(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	v, err := m.get(ctx, id)
	if err != nil {
		return err
	}

	logger := log.G(ctx).WithFields(log.Fields{"vm": id, "name": v.Name})
	if v.State != StateStopped {
		return fmt.Errorf("delete vm %q: %w: vm must be stopped before deletion (state %s)", id, ErrInvalidOperation, v.State)
	}
	logger.Info("deleting vm")

	dom, err := m.hv.Lookup(ctx, id)
	switch {
	case err != nil && hypervisor.IsNotFound(err):
		logger.Debug("domain already absent")
	case err != nil:
		logger.WithError(err).Warn("domain lookup failed; treating domain as absent")
	default:
		if err := m.hv.Undefine(ctx, dom); err != nil {
			return hypervisorError(fmt.Sprintf("delete vm %q", id), err)
		}
	}

	if err := m.catalog.Delete(ctx, id); err != nil {
		return m.catalogError(fmt.Sprintf("delete vm %q", id), err)
	}

	m.metrics.RecordVMDeleted(v.Name)
	logger.Info("vm deleted")
	return nil
}

// get fetches and decodes the row for id.
func (m *Manager) get(ctx context.Context, id string) (*VM, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("get vm %q: %w", id, err)
	}
	rec, err := m.catalog.Get(ctx, id)
	if err != nil {
		return nil, m.catalogError(fmt.Sprintf("get vm %q", id), err)
	}
	v, err := fromRecord(rec)
	if err != nil {
		return nil, storageError(fmt.Sprintf("get vm %q", id), err)
	}
	return v, nil
}

// catalogError maps a catalog failure onto the manager's error kinds.
func (m *Manager) catalogError(op string, err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrVMNotFound)
	}
	return storageError(op, err)
}

func (m *Manager) descriptor(v *VM) hypervisor.Descriptor {
	return hypervisor.Descriptor{
		UUID:     v.ID,
		Name:     v.Name,
		VCPUs:    v.Resources.VCPUs,
		MemoryMB: v.Resources.MemoryMB,
		DiskGB:   v.Resources.DiskGB,
		Owner:    v.Owner,
		Defaults: m.defaults,
	}
}
