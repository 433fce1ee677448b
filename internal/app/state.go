// Package app assembles the process-wide collaborators once at startup and
// hands them to the command and server layers.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jamesprial/vmctl/internal/catalog"
	"github.com/jamesprial/vmctl/internal/config"
	"github.com/jamesprial/vmctl/internal/hypervisor"
	"github.com/jamesprial/vmctl/internal/metrics"
	"github.com/jamesprial/vmctl/internal/safety"
	"github.com/jamesprial/vmctl/internal/vm"
)

// Loader produces a validated configuration. It is called once by New and
// again on every Reload.
type Loader func() (*config.Config, error)

// Connector opens the hypervisor control interface described by cfg.
type Connector func(ctx context.Context, cfg *config.Config) (hypervisor.Adapter, error)

// DialLibvirt is the production Connector.
func DialLibvirt(_ context.Context, cfg *config.Config) (hypervisor.Adapter, error) {
	return hypervisor.Dial(cfg.Paths.LibvirtSocket)
}

// State is the process context. Only the configuration is replaced after
// construction; the catalog, hypervisor handle, metrics and manager keep
// their identity for the life of the process.
type State struct {
	cfg  atomic.Pointer[config.Config]
	load Loader

	catalog  *catalog.Store
	guard    *hypervisor.Guard
	registry *prometheus.Registry
	metrics  metrics.Recorder
	manager  *vm.Manager
}

// New loads the configuration and builds every collaborator from it. On
// failure anything already opened is closed again.
func New(ctx context.Context, load Loader, connect Connector) (*State, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	store, err := catalog.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	adapter, err := connect(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect hypervisor: %w", err)
	}
	guard := hypervisor.NewGuard(adapter)

	s := &State{
		load:     load,
		catalog:  store,
		guard:    guard,
		registry: prometheus.NewRegistry(),
		metrics:  metrics.Nop{},
	}
	if cfg.Metrics.Enabled {
		if err := s.registerMetrics(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	s.cfg.Store(cfg)

	s.manager = vm.NewManager(store, guard, s.metrics, vm.WithDefaults(hypervisor.Defaults{
		Arch:     cfg.Hypervisor.Arch,
		Network:  cfg.Hypervisor.Network,
		ImageDir: cfg.Storage.ImageDir,
	}))

	log.G(ctx).WithFields(log.Fields{
		"database": cfg.Storage.DatabasePath,
		"socket":   cfg.Paths.LibvirtSocket,
	}).Debug("process context ready")
	return s, nil
}

func (s *State) registerMetrics() error {
	if err := s.registry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}
	if err := s.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("register process collector: %w", err)
	}
	p, err := metrics.NewPrometheus(s.registry)
	if err != nil {
		return fmt.Errorf("register vm metrics: %w", err)
	}
	s.metrics = p
	return nil
}

// Config returns the current configuration. Callers must treat it as
// read-only.
func (s *State) Config() *config.Config { return s.cfg.Load() }

// Manager returns the VM manager.
func (s *State) Manager() *vm.Manager { return s.manager }

// Gatherer exposes the metrics registry for an HTTP handler.
func (s *State) Gatherer() prometheus.Gatherer { return s.registry }

// Filter builds the VM name filter from the current configuration.
func (s *State) Filter() *safety.Filter {
	cfg := s.Config()
	return safety.NewFilter(cfg.Safety.VMs.Allowlist, cfg.Safety.VMs.Denylist)
}

// Reload loads the configuration again and swaps it in. On error the
// current configuration stays in effect. Settings consumed at construction
// (storage, socket, hypervisor defaults, metrics) only change on restart.
func (s *State) Reload(ctx context.Context) error {
	next, err := s.load()
	if err != nil {
		log.G(ctx).WithError(err).Error("config reload failed, keeping current config")
		return fmt.Errorf("reload config: %w", err)
	}
	prev := s.cfg.Swap(next)

	entry := log.G(ctx)
	if prev.Storage != next.Storage || prev.Paths != next.Paths ||
		prev.Hypervisor != next.Hypervisor || prev.Metrics != next.Metrics {
		entry.Warn("storage, hypervisor or metrics settings changed; restart to apply")
	}
	entry.Info("config reloaded")
	return nil
}

// Close releases the hypervisor connection and the catalog.
func (s *State) Close() error {
	var errs []error
	if s.guard != nil {
		if err := s.guard.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close hypervisor: %w", err))
		}
	}
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close catalog: %w", err))
		}
	}
	return errors.Join(errs...)
}
