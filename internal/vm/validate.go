package vm

import (
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/types/known/structpb"
)

// Request bounds.
const (
	MaxNameLength = 63
	MinVCPUs      = 1
	MaxVCPUs      = 64
	MinMemoryMB   = 512
	MaxMemoryMB   = 1024 * 1024
)

// Validate checks req against the catalog bounds. It has no side effects.
func (req CreateRequest) Validate() error {
	if n := utf8.RuneCountInString(req.Name); n < 1 || n > MaxNameLength {
		return validationErrorf("name must be 1-%d characters, got %d", MaxNameLength, n)
	}
	if !utf8.ValidString(req.Name) {
		return validationErrorf("name must be valid UTF-8")
	}

	r := req.Resources
	if r.VCPUs < MinVCPUs || r.VCPUs > MaxVCPUs {
		return validationErrorf("vcpus must be between %d and %d, got %d", MinVCPUs, MaxVCPUs, r.VCPUs)
	}
	if r.MemoryMB < MinMemoryMB || r.MemoryMB > MaxMemoryMB {
		return validationErrorf("memory_mb must be between %d and %d, got %d", MinMemoryMB, MaxMemoryMB, r.MemoryMB)
	}
	if r.DiskGB < 0 {
		return validationErrorf("disk_gb must not be negative, got %d", r.DiskGB)
	}

	if req.Metadata != nil {
		if err := checkFinite(req.Metadata); err != nil {
			return err
		}
	}
	return nil
}

// checkFinite rejects NaN and infinite numbers, which have no JSON form.
func checkFinite(v *structpb.Value) error {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if math.IsNaN(k.NumberValue) || math.IsInf(k.NumberValue, 0) {
			return validationErrorf("metadata numbers must be finite")
		}
	case *structpb.Value_ListValue:
		for _, item := range k.ListValue.GetValues() {
			if err := checkFinite(item); err != nil {
				return err
			}
		}
	case *structpb.Value_StructValue:
		for _, field := range k.StructValue.GetFields() {
			if err := checkFinite(field); err != nil {
				return err
			}
		}
	}
	return nil
}
