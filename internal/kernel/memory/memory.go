// Package memory implements the per-task address-space manager: page-table
// bookkeeping, user-pointer validation, and RAII frame cleanup.
//
// There is no real MMU here — page tables are modeled as a software map from
// page-aligned virtual addresses to mappings, which is sufficient to carry
// every invariant spec.md §4.2 names (kernel-mirror sharing, user-access
// checks, traced-vs-untraced frame release) without a hardware walker.
package memory

import (
	"fmt"
	"sync"
)

// PageSize is the size of one page/frame, matching the hardware's 4 KiB page.
const PageSize = 0x1000

// VirtAddr is a virtual address.
type VirtAddr uint64

// AlignDown rounds v down to the nearest page boundary.
func (v VirtAddr) AlignDown() VirtAddr { return VirtAddr(uint64(v) &^ (PageSize - 1)) }

// AlignUp rounds v up to the nearest page boundary.
func (v VirtAddr) AlignUp() VirtAddr {
	return VirtAddr((uint64(v) + PageSize - 1) &^ (PageSize - 1))
}

// IsAligned reports whether v is page-aligned.
func (v VirtAddr) IsAligned() bool { return uint64(v)%PageSize == 0 }

// PhysAddr is a physical address.
type PhysAddr uint64

// Frame identifies one physical page frame by its frame number.
type Frame struct {
	Number uint64
}

// Addr returns the physical address of the start of the frame.
func (f Frame) Addr() PhysAddr { return PhysAddr(f.Number * PageSize) }

// PageFlags are the per-mapping permission/attribute bits the kernel cares
// about. They mirror the hardware page-table entry bits the spec names.
type PageFlags uint8

const (
	FlagPresent PageFlags = 1 << iota
	FlagWritable
	FlagUser
	FlagNoExecute
)

func (f PageFlags) Has(bit PageFlags) bool { return f&bit == bit }

// FrameAllocator is the opaque physical-frame allocator collaborator
// (spec.md §1: "allocate_frame/deallocate_frame"). Implementations live in
// internal/kernel/platform; this package only depends on the interface shape.
type FrameAllocator interface {
	AllocateFrame() (Frame, bool)
	DeallocateFrame(Frame)
}

// KernelSpaceBase is the lowest virtual address considered part of the
// shared kernel half. Every address space's mappings at or above this
// boundary are expected to be identical (the "kernel mirror").
const KernelSpaceBase VirtAddr = 0xFFFF_8000_0000_0000

type mapping struct {
	frame Frame
	flags PageFlags
}

// ErrOutOfMemory is returned by AllocateAndMapTo when the backing allocator
// is exhausted; callers translate this into killing the requesting task
// rather than propagating it further (spec.md §7 kind 1).
var ErrOutOfMemory = fmt.Errorf("memory: out of physical frames")

// AddressSpace is a per-task page table (the spec's PageTableWrapper).
//
// A kernel address space is untraced: its frames are permanent and Close is
// a no-op. A user address space is traced: every frame installed through
// AllocateAndMapTo is recorded and released by Close, mirroring
// original_source's RaiiFrameAllocator (new_traced/new_untraced). mu guards
// every field below it, matching spec.md §4.2's "mutex-protected page-table
// view" and the teacher's habit of guarding shared VM state with its own
// sync.Mutex rather than relying on single-threaded convention.
type AddressSpace struct {
	kernel bool

	mu    sync.Mutex
	pages map[VirtAddr]mapping

	alloc     FrameAllocator
	allocated []Frame

	content map[VirtAddr]byte
}

// NewKernel creates the single untraced kernel address space. Its mappings
// are never released.
func NewKernel() *AddressSpace {
	return &AddressSpace{
		kernel: true,
		pages:  make(map[VirtAddr]mapping),
	}
}

// NewUser creates a traced user address space whose kernel half is a copy of
// kernelSpace's current kernel-range mappings (spec.md §3 "kernel mirror"
// invariant).
//
// Per DESIGN.md's resolution of spec.md §9's open question, this is the
// hardened variant: the user half starts out completely unmapped (not a
// byte-wise copy of a shared table), and only entries at or above
// KernelSpaceBase are copied, so kernel/user disjointness is structural
// rather than conventional.
func NewUser(kernelSpace *AddressSpace, alloc FrameAllocator) *AddressSpace {
	as := &AddressSpace{
		pages: make(map[VirtAddr]mapping),
		alloc: alloc,
	}
	for page, m := range kernelSpace.snapshot() {
		if page >= KernelSpaceBase {
			as.pages[page] = m
		}
	}
	return as
}

func (as *AddressSpace) snapshot() map[VirtAddr]mapping {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make(map[VirtAddr]mapping, len(as.pages))
	for k, v := range as.pages {
		out[k] = v
	}
	return out
}

// IsKernel reports whether this is the untraced kernel address space.
func (as *AddressSpace) IsKernel() bool { return as.kernel }

var currentLoaded *AddressSpace

// Load switches the (simulated) page-table register to this address space.
func (as *AddressSpace) Load() { currentLoaded = as }

// Current returns the address space most recently Load-ed, or nil.
func Current() *AddressSpace { return currentLoaded }

// MapTo installs a single page->frame mapping, overwriting any existing
// mapping for that page. page must be page-aligned.
func (as *AddressSpace) MapTo(page VirtAddr, frame Frame, flags PageFlags) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mapToLocked(page, frame, flags)
}

func (as *AddressSpace) mapToLocked(page VirtAddr, frame Frame, flags PageFlags) error {
	if !page.IsAligned() {
		return fmt.Errorf("memory: page 0x%x is not page-aligned", page)
	}
	as.pages[page] = mapping{frame: frame, flags: flags | FlagPresent}
	return nil
}

// AllocateAndMapTo allocates a fresh frame and maps it at page. It returns
// ErrOutOfMemory (not a panic) on allocator exhaustion, per spec.md §4.2 —
// callers such as ExtendCurrentHeap rely on this to kill the caller instead
// of crashing the kernel.
func (as *AddressSpace) AllocateAndMapTo(page VirtAddr, flags PageFlags) (Frame, error) {
	if as.alloc == nil {
		return Frame{}, fmt.Errorf("memory: address space has no frame allocator")
	}
	frame, ok := as.alloc.AllocateFrame()
	if !ok {
		return Frame{}, ErrOutOfMemory
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.mapToLocked(page, frame, flags); err != nil {
		as.alloc.DeallocateFrame(frame)
		return Frame{}, err
	}
	if as.allocated != nil || !as.kernel {
		as.allocated = append(as.allocated, frame)
	}
	return frame, nil
}

// Unmap removes a mapping for page, if any. It does not release the frame —
// callers that own the frame via a traced allocation release it through
// Close.
func (as *AddressSpace) Unmap(page VirtAddr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.pages, page)
}

// CheckUserAccessible reports whether every page covering [base, base+len)
// is mapped present and carries FlagUser. A zero-length range is always
// accessible.
func (as *AddressSpace) CheckUserAccessible(base VirtAddr, length uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.checkUserAccessibleLocked(base, length)
}

func (as *AddressSpace) checkUserAccessibleLocked(base VirtAddr, length uint64) bool {
	if length == 0 {
		return true
	}
	start := base.AlignDown()
	end := VirtAddr(uint64(base) + length).AlignUp()
	for page := start; page < end; page += PageSize {
		m, ok := as.pages[page]
		if !ok || !m.flags.Has(FlagPresent) || !m.flags.Has(FlagUser) {
			return false
		}
	}
	return true
}

// Translate returns the frame and flags mapped at the page containing page,
// if any.
func (as *AddressSpace) Translate(page VirtAddr) (Frame, PageFlags, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	m, ok := as.pages[page.AlignDown()]
	return m.frame, m.flags, ok
}

// WriteBytes stores data at addr in this address space's simulated RAM,
// after checking every covered page is present and USER-accessible (the
// CheckUserAccessible test; the WRITABLE flag is not checked). Used by
// syscall handlers that copy bytes into a validated user slice descriptor.
func (as *AddressSpace) WriteBytes(addr VirtAddr, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.checkUserAccessibleLocked(addr, uint64(len(data))) {
		return fmt.Errorf("memory: write to inaccessible range at 0x%x, len %d", addr, len(data))
	}
	if as.content == nil {
		as.content = make(map[VirtAddr]byte)
	}
	for i, b := range data {
		as.content[addr+VirtAddr(i)] = b
	}
	return nil
}

// ReadBytes reads length bytes starting at addr out of this address space's
// simulated RAM, after the same user-accessibility check WriteBytes performs.
func (as *AddressSpace) ReadBytes(addr VirtAddr, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.checkUserAccessibleLocked(addr, length) {
		return nil, fmt.Errorf("memory: read from inaccessible range at 0x%x, len %d", addr, length)
	}
	out := make([]byte, length)
	for i := range out {
		out[i] = as.content[addr+VirtAddr(i)]
	}
	return out, nil
}

// Close releases every frame this (traced) address space owns. It is a
// no-op for the untraced kernel address space, matching
// RaiiFrameAllocator::new_untraced never deallocating.
func (as *AddressSpace) Close() {
	if as.kernel || as.alloc == nil {
		return
	}

	as.mu.Lock()
	allocated := as.allocated
	as.allocated = nil
	as.mu.Unlock()

	for _, f := range allocated {
		as.alloc.DeallocateFrame(f)
	}
}
