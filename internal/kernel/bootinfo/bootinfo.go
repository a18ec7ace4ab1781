// Package bootinfo defines the boot info block handed from the UEFI
// bootloader (out of scope, spec.md §1) to kernel_main.
package bootinfo

import "github.com/BugenZhao/litchi-go/internal/kernel/memory"

// MemoryType classifies a UEFI memory descriptor.
type MemoryType int

const (
	MemoryTypeReserved MemoryType = iota
	MemoryTypeConventional
	MemoryTypeBootServicesCode
	MemoryTypeBootServicesData
	MemoryTypeOther
)

// Usable reports whether descriptors of this type may be handed to the
// frame allocator (spec.md §6: "CONVENTIONAL | BOOT_SERVICES_CODE |
// BOOT_SERVICES_DATA").
func (t MemoryType) Usable() bool {
	switch t {
	case MemoryTypeConventional, MemoryTypeBootServicesCode, MemoryTypeBootServicesData:
		return true
	default:
		return false
	}
}

// MemoryDescriptor is one entry of the UEFI memory map.
type MemoryDescriptor struct {
	Type       MemoryType
	PhysStart  memory.PhysAddr
	PageCount  uint64
}

// BootInfo is the record received by kernel_main (spec.md §6). It is set
// exactly once during bootstrap and is read-only afterward.
type BootInfo struct {
	Identifier         string
	KernelEntry        memory.VirtAddr
	KernelStackTop     memory.VirtAddr
	KernelPageTable    memory.Frame
	UEFIRuntime        uintptr // opaque UEFI runtime system table pointer
	PhysicalOffset     uint64
	MemoryDescriptors  []MemoryDescriptor
}

// UsableFrameCount sums the page counts of every usable descriptor.
func (b *BootInfo) UsableFrameCount() uint64 {
	var total uint64
	for _, d := range b.MemoryDescriptors {
		if d.Type.Usable() {
			total += d.PageCount
		}
	}
	return total
}
