// Package kernel wires every subsystem package together into kernel_main
// (spec.md §4.10) and holds the process-wide singletons spec.md §9 calls
// for: the task manager, the kernel address space, the broadcast senders,
// and the tick counter, each reachable only through a With* helper that
// acquires the global lock — the software stand-in for "disable interrupts,
// acquire, restore" (spec.md §5's locking discipline), since a
// single-goroutine kernel has no real interrupt-enable flag to clear.
package kernel

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/BugenZhao/litchi-go/internal/kernel/bootinfo"
	"github.com/BugenZhao/litchi-go/internal/kernel/broadcast"
	"github.com/BugenZhao/litchi-go/internal/kernel/config"
	"github.com/BugenZhao/litchi-go/internal/kernel/executor"
	"github.com/BugenZhao/litchi-go/internal/kernel/interrupt"
	"github.com/BugenZhao/litchi-go/internal/kernel/memory"
	"github.com/BugenZhao/litchi-go/internal/kernel/platform"
	"github.com/BugenZhao/litchi-go/internal/kernel/resource"
	"github.com/BugenZhao/litchi-go/internal/kernel/task"
	"github.com/BugenZhao/litchi-go/internal/kernel/timer"
	"github.com/BugenZhao/litchi-go/internal/kernel/trap"
)

// KernelHeapBase and KernelStackTop are the fixed kernel virtual addresses
// spec.md §6 names. Litchi has no custom linked-list allocator of its own
// (Go's runtime heap already serves that role); these constants exist so
// the memory layout doc in bootinfo/logging matches spec.md exactly, not
// because any AddressSpace mapping is installed at them.
const (
	KernelHeapBase  memory.VirtAddr = 0x4444_0000_0000
	KernelHeapPages                 = 32 * 1024 * 1024 / memory.PageSize
	KernelStackTop  memory.VirtAddr = 0x6667_0000_0000
	KernelStackPages                = 20
)

var globalMu sync.Mutex

// global holds every process-wide singleton spec.md §9 lists. Zero value
// until Bootstrap runs; Bootstrap panics if called twice, matching the boot
// info invariant ("set exactly once, read-only afterwards") generalized to
// the whole singleton set.
var global struct {
	bootInfo *bootinfo.BootInfo
	kernelAS *memory.AddressSpace
	tasks    *task.TaskManager
	serial   *broadcast.Sender[byte]
	ticks    *timer.TickCounter
	resources *resource.Registry
	exec     *executor.Executor
	acpi     *platform.ACPIInfo
	ctrl     *interrupt.Controller
	started  bool
}

// WithTaskManager calls fn with the singleton task manager held under the
// global lock.
func WithTaskManager(fn func(*task.TaskManager)) {
	globalMu.Lock()
	defer globalMu.Unlock()
	fn(global.tasks)
}

// WithKernelAddressSpace calls fn with the singleton kernel address space
// held under the global lock.
func WithKernelAddressSpace(fn func(*memory.AddressSpace)) {
	globalMu.Lock()
	defer globalMu.Unlock()
	fn(global.kernelAS)
}

// WithSerial calls fn with the singleton serial broadcast sender held under
// the global lock.
func WithSerial(fn func(*broadcast.Sender[byte])) {
	globalMu.Lock()
	defer globalMu.Unlock()
	fn(global.serial)
}

// WithTicks calls fn with the singleton tick counter held under the global
// lock.
func WithTicks(fn func(*timer.TickCounter)) {
	globalMu.Lock()
	defer globalMu.Unlock()
	fn(global.ticks)
}

// WithACPI calls fn with the singleton ACPI info held under the global
// lock.
func WithACPI(fn func(*platform.ACPIInfo)) {
	globalMu.Lock()
	defer globalMu.Unlock()
	fn(global.acpi)
}

// BootInfo returns the boot info block stored during Bootstrap. It is
// read-only after that point; the read still goes through the global lock.
func BootInfo() *bootinfo.BootInfo {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global.bootInfo
}

// Config carries everything Bootstrap needs from its caller: the opaque
// external collaborators spec.md §1 places out of scope, plus the boot
// manifest and the embedded binaries it names.
type Config struct {
	Boot           *bootinfo.BootInfo
	FrameAllocator memory.FrameAllocator
	ELFLoader      platform.ELFLoader
	Lapic          platform.Lapic
	Ioapic         platform.Ioapic
	ACPI           platform.ACPIInfo

	// Manifest is the YAML boot manifest naming the user binaries to load
	// and their priorities (internal/kernel/config).
	Manifest []byte
	// Binaries maps a manifest task's name to its embedded ELF bytes.
	Binaries map[string][]byte

	// ELFConfig is shared by every task loaded from the manifest (stack
	// placement); a real bootloader would derive per-binary values from
	// its own ELF headers, which is opaque per spec.md §1.
	ELFConfig          platform.ELFConfig
	CodeSegment        uint64
	DataSegment        uint64

	// ExitFunc stands in for the QEMU isa-debug-exit port (spec.md §6).
	ExitFunc func(success bool)
}

// Bootstrap implements kernel_main (spec.md §4.10): initializes every
// singleton exactly once, loads the manifest's user binaries, and returns
// the interrupt controller so the caller's trap trampoline loop can start
// calling ScheduleAndRun. Litchi never calls this a second time in a single
// process, matching "boot info ... set exactly once".
func Bootstrap(cfg Config) (*interrupt.Controller, error) {
	globalMu.Lock()
	if global.started {
		globalMu.Unlock()
		panic("kernel: Bootstrap called more than once")
	}
	global.started = true
	globalMu.Unlock()

	// init serial logger
	initLogger()

	// store boot info globally (read-only afterward)
	globalMu.Lock()
	global.bootInfo = cfg.Boot
	globalMu.Unlock()
	slog.Info("kernel: boot info stored", "identifier", cfg.Boot.Identifier)

	// BSS check: nothing to verify under the Go runtime's own zero-init
	// guarantee for package-level state; kept as a named step for parity
	// with spec.md §4.10's ordering.
	slog.Debug("kernel: bss check (no-op under the Go runtime)")

	// segment table, frame allocator, memory
	if cfg.FrameAllocator == nil {
		return nil, fmt.Errorf("kernel: bootstrap requires a frame allocator")
	}
	kernelAS := memory.NewKernel()
	kernelAS.Load()

	// kernel heap: spec.md's linked-list allocator mapped at KernelHeapBase
	// is superseded by the Go runtime's own heap; KernelHeapBase/Pages exist
	// only so logging and the memory-layout doc match spec.md's addresses.
	slog.Info("kernel: heap available", "base", fmt.Sprintf("0x%x", KernelHeapBase), "pages", KernelHeapPages)

	// ACPI info
	globalMu.Lock()
	acpi := cfg.ACPI
	global.acpi = &acpi
	globalMu.Unlock()

	// interrupts disabled, IDT loaded, APIC/IOAPIC enabled
	tasks := task.New(kernelAS)
	serial := broadcast.NewSender[byte]()
	ticks := timer.New()
	exec := executor.New()
	registry := resource.NewRegistry()
	if err := registry.RegisterFactory("/device/term", func() (resource.Resource, error) {
		return resource.NewTermDevice(serial), nil
	}); err != nil {
		return nil, fmt.Errorf("kernel: register term device: %w", err)
	}

	ctrl := &interrupt.Controller{
		TM:        tasks,
		Exec:      exec,
		Timer:     ticks,
		Serial:    serial,
		Resources: registry,
		Lapic:     cfg.Lapic,
		Ioapic:    cfg.Ioapic,
		ExitFunc:  cfg.ExitFunc,
	}
	if ctrl.Lapic != nil {
		ctrl.Lapic.EnableTimer(uint8(trap.VectorAPICTimer), 1)
	}
	if ctrl.Ioapic != nil {
		ctrl.Ioapic.Enable(4, uint8(trap.VectorSerialIn))
	}

	globalMu.Lock()
	global.kernelAS = kernelAS
	global.tasks = tasks
	global.serial = serial
	global.ticks = ticks
	global.resources = registry
	global.exec = exec
	global.ctrl = ctrl
	globalMu.Unlock()

	// breakpoint self-test: schedule the idle task (the only task that
	// exists before any manifest entry is loaded) so OnBreakpoint has a
	// running task to put back, then fire it synthetically.
	slog.Info("kernel: running breakpoint self-test")
	tasks.Schedule()
	ctrl.OnBreakpoint(&trap.Frame{})

	// kernel-task executor initialized (see above; executor.New already
	// runs an empty poll loop cleanly)
	exec.Poll()

	// embedded user binaries loaded
	if err := loadManifest(tasks, cfg); err != nil {
		return nil, err
	}

	slog.Info("kernel: bootstrap complete, entering schedule loop")
	return ctrl, nil
}

func loadManifest(tasks *task.TaskManager, cfg Config) error {
	if len(cfg.Manifest) == 0 {
		slog.Warn("kernel: no boot manifest provided, no user tasks loaded")
		return nil
	}
	manifest, err := config.Parse(cfg.Manifest)
	if err != nil {
		return fmt.Errorf("kernel: load boot manifest: %w", err)
	}

	for _, spec := range manifest.Tasks {
		elfBytes, ok := cfg.Binaries[spec.Name]
		if !ok {
			return fmt.Errorf("kernel: manifest names task %q with no embedded binary", spec.Name)
		}
		loader := cfg.ELFLoader
		if loader == nil {
			loader = platform.NopELFLoader{}
		}
		id, err := tasks.LoadUserWithPriority(spec.Name, elfBytes, loader, cfg.FrameAllocator, cfg.ELFConfig, cfg.CodeSegment, cfg.DataSegment, spec.ResolvedPriority())
		if err != nil {
			return fmt.Errorf("kernel: load user task %q: %w", spec.Name, err)
		}
		slog.Info("kernel: loaded user task", "name", spec.Name, "id", id, "priority", spec.ResolvedPriority())
	}
	return nil
}

var loggerOnce sync.Once

// initLogger installs a package-level slog logger. Real hardware would
// route this to COM1 (spec.md §6: "<LEVEL>: file:line: message", level
// filter = Info); here the standard library's text handler writes one
// key=value line per record (level and message, no file:line) to the
// process's stderr, which stands in for the serial port.
func initLogger() {
	loggerOnce.Do(func() {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
		slog.SetDefault(slog.New(handler))
	})
}
