// Package platform models the external collaborators spec.md §1 declares
// out of scope: the physical frame allocator, the ELF loader, the
// LAPIC/IOAPIC driver wrappers, and ACPI info. Each is a small interface
// plus a deterministic default implementation so the rest of the kernel can
// be built and tested without real firmware or hardware underneath it.
package platform

import (
	"fmt"
	"sync"

	"github.com/BugenZhao/litchi-go/internal/kernel/memory"
)

// BitmapFrameAllocator is the default FrameAllocator: a free-list over a
// fixed pool of frame numbers. Real boot firmware would seed this from the
// UEFI memory map's "usable" descriptors (bootinfo.Usable); tests seed it
// with an arbitrary frame count.
type BitmapFrameAllocator struct {
	mu   sync.Mutex
	next uint64
	max  uint64
	free []memory.Frame
}

// NewBitmapFrameAllocator creates an allocator able to hand out frameCount
// frames starting at frame number 0.
func NewBitmapFrameAllocator(frameCount uint64) *BitmapFrameAllocator {
	return &BitmapFrameAllocator{max: frameCount}
}

func (a *BitmapFrameAllocator) AllocateFrame() (memory.Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		f := a.free[n-1]
		a.free = a.free[:n-1]
		return f, true
	}
	if a.next >= a.max {
		return memory.Frame{}, false
	}
	f := memory.Frame{Number: a.next}
	a.next++
	return f, true
}

func (a *BitmapFrameAllocator) DeallocateFrame(f memory.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, f)
}

// ELFConfig carries the parameters the opaque ELF loader needs beyond the
// raw bytes: where to place the stack and how big to make it. The loader
// itself (segment parsing, relocation, stack setup) is external per
// spec.md §1.
type ELFConfig struct {
	StackTop  memory.VirtAddr
	StackSize uint64
}

// ELFLoader loads an ELF image into pt using alloc for backing frames and
// returns the entry point. Treated as opaque: spec.md §1 names it
// `load(config, bytes, allocator, page_table) → entry`.
type ELFLoader interface {
	Load(cfg ELFConfig, data []byte, alloc memory.FrameAllocator, pt *memory.AddressSpace) (memory.VirtAddr, error)
}

// NopELFLoader is a minimal stand-in loader used by tests and by
// cmd/litchi when no real loader is wired in: it maps one writable,
// executable user page at a fixed entry address, plus cfg.StackSize worth
// of writable user stack pages counting down from the page at cfg.StackTop.
// The payload bytes are not copied anywhere. This is enough to exercise the
// task-creation path without a real ELF parser.
type NopELFLoader struct{}

func (NopELFLoader) Load(cfg ELFConfig, data []byte, alloc memory.FrameAllocator, pt *memory.AddressSpace) (memory.VirtAddr, error) {
	const entryPage = memory.VirtAddr(0x0000_4000_0000_0000)

	if _, err := pt.AllocateAndMapTo(entryPage, memory.FlagWritable|memory.FlagUser); err != nil {
		return 0, fmt.Errorf("platform: nop elf loader: map entry page: %w", err)
	}

	stackPages := (cfg.StackSize + memory.PageSize - 1) / memory.PageSize
	for i := uint64(0); i < stackPages; i++ {
		page := cfg.StackTop.AlignDown() - memory.VirtAddr(i*memory.PageSize)
		if _, err := pt.AllocateAndMapTo(page, memory.FlagWritable|memory.FlagUser); err != nil {
			return 0, fmt.Errorf("platform: nop elf loader: map stack page: %w", err)
		}
	}

	return entryPage, nil
}

// Lapic is the opaque local-APIC wrapper (enable/EOI primitives, spec.md §1).
type Lapic interface {
	EnableTimer(vector uint8, intervalSlices uint32)
	EOI()
}

// Ioapic is the opaque I/O-APIC wrapper (enable/EOI/mask primitives,
// spec.md §1).
type Ioapic interface {
	Enable(irq uint8, vector uint8)
	EOI()
	Mask(irq uint8, masked bool)
}

// NopAPIC is a no-op Lapic+Ioapic used in tests.
type NopAPIC struct{}

func (NopAPIC) EnableTimer(uint8, uint32)   {}
func (NopAPIC) EOI()                        {}
func (NopAPIC) Enable(irq uint8, vec uint8) {}
func (NopAPIC) Mask(irq uint8, masked bool) {}

// ACPIInfo is the opaque result of ACPI/MADT parsing (spec.md §1). Litchi's
// own code never inspects its fields, only threads the pointer through
// boot; a real implementation would carry the MADT local/IO APIC addresses.
type ACPIInfo struct {
	LapicAddr  memory.PhysAddr
	IoapicAddr memory.PhysAddr
}
