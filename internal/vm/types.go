// Package vm provides virtual machine lifecycle management backed by a
// durable catalog and libvirt.
package vm

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// State represents the lifecycle state recorded for a virtual machine.
type State string

const (
	StateStopped   State = "stopped"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateSuspended State = "suspended"
	StateCrashed   State = "crashed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateStopped, StateRunning, StatePaused, StateSuspended, StateCrashed:
		return true
	}
	return false
}

// Resources describes the compute shape of a VM.
type Resources struct {
	VCPUs    int `json:"vcpus"`
	MemoryMB int `json:"memory_mb"`
	DiskGB   int `json:"disk_gb"`
}

// VM is a catalog entry for one virtual machine.
type VM struct {
	ID        string
	Name      string
	State     State
	Resources Resources
	Owner     string // empty when unset
	CreatedAt time.Time
	UpdatedAt time.Time
	// Metadata is caller-defined structured data, never interpreted here.
	Metadata *structpb.Value
}

// MarshalJSON renders the VM with its metadata as plain JSON.
func (v VM) MarshalJSON() ([]byte, error) {
	meta := json.RawMessage("null")
	if v.Metadata != nil {
		b, err := protojson.Marshal(v.Metadata)
		if err != nil {
			return nil, err
		}
		meta = b
	}

	var owner *string
	if v.Owner != "" {
		owner = &v.Owner
	}

	return json.Marshal(struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		State     State           `json:"state"`
		Resources Resources       `json:"resources"`
		Owner     *string         `json:"owner"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
		Metadata  json.RawMessage `json:"metadata"`
	}{
		ID:        v.ID,
		Name:      v.Name,
		State:     v.State,
		Resources: v.Resources,
		Owner:     owner,
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
		Metadata:  meta,
	})
}

// CreateRequest holds parameters for creating a new VM.
type CreateRequest struct {
	Name      string
	Resources Resources
	Owner     string
	// Template is accepted for compatibility and otherwise ignored.
	Template string
	Metadata *structpb.Value
}

// VMManager defines the operations exposed to command and API layers.
type VMManager interface {
	ListVMs(ctx context.Context) ([]VM, error)
	GetVM(ctx context.Context, id string) (*VM, error)
	CreateVM(ctx context.Context, req CreateRequest) (*VM, error)
	StartVM(ctx context.Context, id string) error
	StopVM(ctx context.Context, id string, force bool) error
	DeleteVM(ctx context.Context, id string) error
}
