// litchi boots the kernel against a YAML manifest and a directory of
// embedded user binaries, standing in for the UEFI bootloader's jump to
// kernel_main (spec.md §4.10). Real hardware has no flags or filesystem at
// this point; this entry point's job is purely to assemble the
// kernel.Config a bootloader would otherwise construct from firmware
// tables and an embedded payload section.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BugenZhao/litchi-go/internal/kernel"
	"github.com/BugenZhao/litchi-go/internal/kernel/bootinfo"
	"github.com/BugenZhao/litchi-go/internal/kernel/memory"
	"github.com/BugenZhao/litchi-go/internal/kernel/platform"
	"github.com/BugenZhao/litchi-go/internal/kernel/trap"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	manifestPath := fs.String("manifest", "", "path to the YAML boot manifest")
	binDir := fs.String("bindir", "", "directory of embedded user binaries, one file per manifest task name")
	frames := fs.Uint64("frames", 1<<20, "number of 4KiB frames the physical allocator may hand out")
	ticks := fs.Int("ticks", 64, "number of schedule_and_run iterations to drive after boot")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "litchi: -manifest is required")
		fs.Usage()
		os.Exit(1)
	}

	if err := run(*manifestPath, *binDir, *frames, *ticks); err != nil {
		fmt.Fprintf(os.Stderr, "litchi: %v\n", err)
		os.Exit(1)
	}
}

func run(manifestPath, binDir string, frames uint64, ticks int) error {
	manifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read boot manifest: %w", err)
	}

	binaries, err := loadBinaries(binDir)
	if err != nil {
		return err
	}

	boot := &bootinfo.BootInfo{
		Identifier: "litchi",
		MemoryDescriptors: []bootinfo.MemoryDescriptor{
			{Type: bootinfo.MemoryTypeConventional, PhysStart: 0, PageCount: frames},
		},
	}

	exitCode := 0
	cfg := kernel.Config{
		Boot:           boot,
		FrameAllocator: platform.NewBitmapFrameAllocator(frames),
		ELFLoader:      platform.NopELFLoader{},
		Lapic:          platform.NopAPIC{},
		Ioapic:         platform.NopAPIC{},
		ACPI:           platform.ACPIInfo{},
		Manifest:       manifest,
		Binaries:       binaries,
		ELFConfig: platform.ELFConfig{
			StackTop:  memory.VirtAddr(0x0000_7fff_ffff_f000),
			StackSize: 16 * memory.PageSize,
		},
		CodeSegment: 0x2b,
		DataSegment: 0x33,
		ExitFunc: func(success bool) {
			if !success {
				exitCode = 1
			}
		},
	}

	ctrl, err := kernel.Bootstrap(cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// No real trampoline delivers timer/serial/syscall vectors here; drive
	// the preemptive half of the loop (spec.md §4.6 schedule_and_run, §4.1
	// APIC timer) the bounded number of times a caller asked for, as a
	// smoke-test substitute for the hardware interrupt stream.
	//
	// Bootstrap's breakpoint self-test leaves the idle task running with its
	// saved frame already consumed (it was handed to Schedule's caller and
	// discarded there), so the first frame here must come from a synthetic
	// timer yield exactly like kernel_test.go's boot test does, never from
	// an unprimed ScheduleAndRun call.
	ctrl.TM.PutBack(&trap.Frame{}, true)
	frame := ctrl.ScheduleAndRun()
	for i := 0; i < ticks; i++ {
		frame = ctrl.Dispatch(&trap.Inner{Vector: trap.VectorAPICTimer, Frame: *frame}, 0)
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// loadBinaries reads one file per manifest task from dir, named after the
// task (e.g. dir/shell). Litchi has no ELF parser of its own (spec.md §1
// treats loading as an opaque external collaborator), so these bytes are
// handed to the ELF loader verbatim.
func loadBinaries(dir string) (map[string][]byte, error) {
	if dir == "" {
		return nil, fmt.Errorf("-bindir is required")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read bindir: %w", err)
	}

	binaries := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read binary %q: %w", e.Name(), err)
		}
		binaries[e.Name()] = data
	}
	return binaries, nil
}
