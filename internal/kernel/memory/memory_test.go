package memory

import "testing"

type countingAllocator struct {
	next   uint64
	limit  uint64
	frames []Frame
}

func (a *countingAllocator) AllocateFrame() (Frame, bool) {
	if a.limit > 0 && a.next >= a.limit {
		return Frame{}, false
	}
	f := Frame{Number: a.next}
	a.next++
	a.frames = append(a.frames, f)
	return f, true
}

func (a *countingAllocator) DeallocateFrame(f Frame) {
	for i, got := range a.frames {
		if got == f {
			a.frames = append(a.frames[:i], a.frames[i+1:]...)
			return
		}
	}
}

func TestNewUserCopiesOnlyKernelHalf(t *testing.T) {
	kernel := NewKernel()
	if err := kernel.MapTo(KernelSpaceBase, Frame{Number: 1}, FlagWritable); err != nil {
		t.Fatalf("MapTo kernel: %v", err)
	}
	if err := kernel.MapTo(0x1000, Frame{Number: 2}, FlagWritable|FlagUser); err != nil {
		t.Fatalf("MapTo user: %v", err)
	}

	alloc := &countingAllocator{next: 100}
	user := NewUser(kernel, alloc)

	if _, _, ok := user.Translate(KernelSpaceBase); !ok {
		t.Fatalf("expected kernel-half mapping to be mirrored")
	}
	if _, _, ok := user.Translate(0x1000); ok {
		t.Fatalf("expected user-half mapping to NOT be mirrored")
	}
}

func TestCheckUserAccessible(t *testing.T) {
	alloc := &countingAllocator{}
	as := NewUser(NewKernel(), alloc)

	if !as.CheckUserAccessible(0x2000, 0) {
		t.Fatalf("zero length must always be accessible")
	}
	if as.CheckUserAccessible(0x2000, 8) {
		t.Fatalf("unmapped range must not be accessible")
	}

	if _, err := as.AllocateAndMapTo(0x2000, FlagWritable|FlagUser); err != nil {
		t.Fatalf("AllocateAndMapTo: %v", err)
	}
	if !as.CheckUserAccessible(0x2000, 8) {
		t.Fatalf("expected mapped+user range to be accessible")
	}
	if as.CheckUserAccessible(0x2000, PageSize+8) {
		t.Fatalf("expected range spanning an unmapped second page to fail")
	}

	kernelOnly, err := as.AllocateAndMapTo(0x3000, FlagWritable)
	if err != nil {
		t.Fatalf("AllocateAndMapTo: %v", err)
	}
	_ = kernelOnly
	if as.CheckUserAccessible(0x3000, 8) {
		t.Fatalf("non-USER mapping must not be accessible to user checks")
	}
}

func TestAllocateAndMapToOOM(t *testing.T) {
	alloc := &countingAllocator{limit: 1}
	as := NewUser(NewKernel(), alloc)

	if _, err := as.AllocateAndMapTo(0x1000, FlagWritable|FlagUser); err != nil {
		t.Fatalf("first allocation should succeed: %v", err)
	}
	if _, err := as.AllocateAndMapTo(0x2000, FlagWritable|FlagUser); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestCloseReleasesTracedFrames(t *testing.T) {
	alloc := &countingAllocator{}
	as := NewUser(NewKernel(), alloc)

	if _, err := as.AllocateAndMapTo(0x1000, FlagWritable|FlagUser); err != nil {
		t.Fatalf("AllocateAndMapTo: %v", err)
	}
	if len(alloc.frames) != 1 {
		t.Fatalf("expected 1 frame allocated, got %d", len(alloc.frames))
	}
	as.Close()
	if len(alloc.frames) != 0 {
		t.Fatalf("expected Close to release all traced frames, got %d remaining", len(alloc.frames))
	}
}

func TestWriteReadBytesRoundTrip(t *testing.T) {
	alloc := &countingAllocator{}
	as := NewUser(NewKernel(), alloc)

	if _, err := as.AllocateAndMapTo(0x5000, FlagWritable|FlagUser); err != nil {
		t.Fatalf("AllocateAndMapTo: %v", err)
	}

	want := []byte("hello, litchi")
	if err := as.WriteBytes(0x5000, want); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got, err := as.ReadBytes(0x5000, uint64(len(want)))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("round-trip mismatch: got %q, want %q", got, want)
	}
}

func TestWriteBytesRejectsUnmappedRange(t *testing.T) {
	alloc := &countingAllocator{}
	as := NewUser(NewKernel(), alloc)

	if err := as.WriteBytes(0x9000, []byte("nope")); err == nil {
		t.Fatalf("expected WriteBytes to an unmapped page to fail")
	}
}

func TestKernelAddressSpaceCloseIsNoop(t *testing.T) {
	kernel := NewKernel()
	if err := kernel.MapTo(0x1000, Frame{Number: 1}, FlagWritable); err != nil {
		t.Fatalf("MapTo: %v", err)
	}
	kernel.Close()
	if _, _, ok := kernel.Translate(0x1000); !ok {
		t.Fatalf("kernel address space mappings must survive Close")
	}
}
