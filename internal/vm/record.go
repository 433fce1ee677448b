package vm

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jamesprial/vmctl/internal/catalog"
)

// emptyMetadata is the value stored when a request carries no metadata.
func emptyMetadata() *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{}})
}

// toRecord serializes v into its catalog row.
func toRecord(v *VM) (*catalog.Record, error) {
	res, err := json.Marshal(v.Resources)
	if err != nil {
		return nil, fmt.Errorf("encode resources: %w", err)
	}

	meta := v.Metadata
	if meta == nil {
		meta = emptyMetadata()
	}
	metaJSON, err := protojson.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	rec := &catalog.Record{
		ID:        v.ID,
		Name:      v.Name,
		State:     string(v.State),
		Resources: string(res),
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
		Metadata:  string(metaJSON),
	}
	if v.Owner != "" {
		owner := v.Owner
		rec.Owner = &owner
	}
	return rec, nil
}

// fromRecord decodes a catalog row.
func fromRecord(rec *catalog.Record) (*VM, error) {
	v := &VM{
		ID:        rec.ID,
		Name:      rec.Name,
		State:     State(rec.State),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if !v.State.Valid() {
		return nil, fmt.Errorf("row %s: unknown state %q", rec.ID, rec.State)
	}
	if err := json.Unmarshal([]byte(rec.Resources), &v.Resources); err != nil {
		return nil, fmt.Errorf("row %s: decode resources: %w", rec.ID, err)
	}
	if rec.Owner != nil {
		v.Owner = *rec.Owner
	}

	v.Metadata = &structpb.Value{}
	if err := protojson.Unmarshal([]byte(rec.Metadata), v.Metadata); err != nil {
		return nil, fmt.Errorf("row %s: decode metadata: %w", rec.ID, err)
	}
	return v, nil
}
