package hypervisor

import (
	"fmt"
	"path/filepath"

	"libvirt.org/go/libvirtxml"
)

// Defaults holds host-wide settings applied to every domain definition.
type Defaults struct {
	// Arch is the guest architecture, e.g. "x86_64" or "aarch64".
	Arch string
	// Network is the libvirt network the primary interface attaches to.
	// Empty means no interface is defined.
	Network string
	// ImageDir is where per-VM qcow2 disks are expected to live.
	ImageDir string
}

// Descriptor is everything needed to define a domain for one VM.
type Descriptor struct {
	UUID     string
	Name     string
	VCPUs    int
	MemoryMB int
	DiskGB   int
	Owner    string

	Defaults Defaults
}

// machineFor returns the machine type used for arch.
func machineFor(arch string) string {
	switch arch {
	case "aarch64", "riscv64", "loongarch64":
		return "virt"
	default:
		return "q35"
	}
}

// DomainNamePrefix prefixes every domain name vmctl defines.
const DomainNamePrefix = "vmctl-"

// DomainName is the libvirt domain name. libvirt requires names to be unique
// per host and restricts their characters, so it is derived from the UUID;
// the VM name goes in the title.
func (d Descriptor) DomainName() string {
	return DomainNamePrefix + d.UUID
}

// DiskPath returns the qcow2 path the domain's primary disk points at.
func (d Descriptor) DiskPath() string {
	return filepath.Join(d.Defaults.ImageDir, d.UUID+".qcow2")
}

// Domain builds the libvirt domain document for the descriptor.
func (d Descriptor) Domain() *libvirtxml.Domain {
	arch := d.Defaults.Arch
	if arch == "" {
		arch = "x86_64"
	}

	dom := &libvirtxml.Domain{
		Type:  "kvm",
		Name:  d.DomainName(),
		UUID:  d.UUID,
		Title: d.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(d.MemoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(d.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    arch,
				Machine: machineFor(arch),
				Type:    "hvm",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode:  "host-passthrough",
			Check: "partial",
		},
		Devices: &libvirtxml.DomainDeviceList{},
	}
	if d.Owner != "" {
		dom.Description = fmt.Sprintf("owner: %s", d.Owner)
	}

	if d.DiskGB > 0 {
		dom.Devices.Disks = append(dom.Devices.Disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: d.DiskPath()},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
		})
	}

	if d.Defaults.Network != "" {
		dom.Devices.Interfaces = append(dom.Devices.Interfaces, libvirtxml.DomainInterface{
			Source: &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: d.Defaults.Network},
			},
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		})
	}

	return dom
}

// XML renders the domain document.
func (d Descriptor) XML() (string, error) {
	if d.UUID == "" || d.Name == "" {
		return "", fmt.Errorf("descriptor: uuid and name are required")
	}
	doc, err := d.Domain().Marshal()
	if err != nil {
		return "", fmt.Errorf("descriptor %s: marshal domain xml: %w", d.UUID, err)
	}
	return doc, nil
}
