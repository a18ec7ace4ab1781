package interrupt

import (
	"testing"

	"github.com/BugenZhao/litchi-go/internal/kernel/broadcast"
	"github.com/BugenZhao/litchi-go/internal/kernel/executor"
	"github.com/BugenZhao/litchi-go/internal/kernel/memory"
	"github.com/BugenZhao/litchi-go/internal/kernel/platform"
	"github.com/BugenZhao/litchi-go/internal/kernel/resource"
	"github.com/BugenZhao/litchi-go/internal/kernel/task"
	"github.com/BugenZhao/litchi-go/internal/kernel/timer"
	"github.com/BugenZhao/litchi-go/internal/kernel/trap"
	"github.com/BugenZhao/litchi-go/internal/kernel/usyscall"
)

func newTestController(t *testing.T) (*Controller, *platform.BitmapFrameAllocator) {
	t.Helper()
	kernelAS := memory.NewKernel()
	kernelAS.Load()
	tm := task.New(kernelAS)
	alloc := platform.NewBitmapFrameAllocator(4096)
	serial := broadcast.NewSender[byte]()
	registry := resource.NewRegistry()
	registry.RegisterFactory("/device/term", func() (resource.Resource, error) {
		return resource.NewTermDevice(serial), nil
	})
	c := &Controller{
		TM:        tm,
		Exec:      executor.New(),
		Timer:     timer.New(),
		Serial:    serial,
		Resources: registry,
	}
	return c, alloc
}

func loadUser(t *testing.T, c *Controller, alloc *platform.BitmapFrameAllocator, name string) uint64 {
	t.Helper()
	cfg := platform.ELFConfig{StackTop: 0x1889_0000_1000, StackSize: 4 * memory.PageSize}
	id, err := c.TM.LoadUser(name, []byte("payload"), platform.NopELFLoader{}, alloc, cfg, 0x2b, 0x33)
	if err != nil {
		t.Fatalf("LoadUser(%s): %v", name, err)
	}
	return id
}

func TestSyscallGetTaskIdRoundTrip(t *testing.T) {
	c, alloc := newTestController(t)
	a := loadUser(t, c, alloc, "a")

	c.TM.Schedule()
	cur, _ := c.TM.Current()
	if cur.ID != a {
		t.Fatalf("expected task a running")
	}

	if err := cur.Transport.WriteRequest(usyscall.Request{Kind: usyscall.KindGetTaskId}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	c.syscallInner()

	resp, err := cur.Transport.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Kind != usyscall.RespGetTaskId || resp.TaskID != a {
		t.Fatalf("expected GetTaskId{%d}, got %+v", a, resp)
	}
	if _, ok := c.TM.Current(); !ok {
		t.Fatalf("GetTaskId must not kill or yield the caller")
	}
}

func TestSyscallPrintIllegalPointerKillsTask(t *testing.T) {
	c, alloc := newTestController(t)
	a := loadUser(t, c, alloc, "a")
	loadUser(t, c, alloc, "b")

	c.TM.Schedule()
	cur, _ := c.TM.Current()
	if cur.ID != a {
		t.Fatalf("expected task a running")
	}

	req := usyscall.Request{Kind: usyscall.KindPrint, Str: usyscall.UserSlice{Ptr: 0xdead_0000, Len: 4}}
	if err := cur.Transport.WriteRequest(req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	c.syscallInner()

	if _, ok := c.TM.Current(); ok {
		t.Fatalf("illegal Print pointer must kill the caller, leaving no running task")
	}
}

func TestSyscallSleepPendsAndResumesWithPageTable(t *testing.T) {
	c, alloc := newTestController(t)
	a := loadUser(t, c, alloc, "a")
	loadUser(t, c, alloc, "b")

	c.TM.Schedule()
	cur, _ := c.TM.Current()
	if cur.ID != a {
		t.Fatalf("expected task a running")
	}
	if err := cur.Transport.WriteRequest(usyscall.Request{Kind: usyscall.KindSleep, Slot: 3}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	aTransport := cur.Transport
	c.TM.PutBack(&trap.Frame{}, false) // syscall entry saves a's frame, as OnSyscall does
	c.syscallInner()

	if _, ok := c.TM.Current(); ok {
		t.Fatalf("Sleep must pend the caller, leaving no running task")
	}
	c.ScheduleAndRun() // picks up task b so OnAPICTimer has a running task to put back

	// Tick until a's 3-slice deadline fires and it is scheduled again; b
	// runs preemptively throughout.
	var foundA bool
	for i := 0; i < 10 && !foundA; i++ {
		c.OnAPICTimer(&trap.Frame{})
		if cur, ok := c.TM.Current(); ok && cur.ID == a {
			foundA = true
		}
	}
	if !foundA {
		t.Fatalf("task a never resumed after sleeping 3 slices")
	}
	if aCur, _ := c.TM.Current(); memory.Current() != aCur.PageTable {
		t.Fatalf("task a resumed without its own page table loaded")
	}
	if c.Timer.Current() < 3 {
		t.Fatalf("expected at least 3 ticks to have elapsed, got %d", c.Timer.Current())
	}

	resp, err := aTransport.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Kind != usyscall.RespOk {
		t.Fatalf("expected Ok response after sleep resume, got %+v", resp)
	}
}

func TestSyscallOpenUnknownPathIsNotSupported(t *testing.T) {
	c, alloc := newTestController(t)
	a := loadUser(t, c, alloc, "a")

	c.TM.Schedule()
	cur, _ := c.TM.Current()
	if cur.ID != a {
		t.Fatalf("expected task a running")
	}

	path := "/device/nope"
	if err := cur.PageTable.WriteBytes(0x1889_0000_0000, []byte(path)); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	req := usyscall.Request{Kind: usyscall.KindOpen, Path: usyscall.UserSlice{Ptr: 0x1889_0000_0000, Len: uint64(len(path))}}
	if err := cur.Transport.WriteRequest(req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	c.syscallInner()

	resp, err := cur.Transport.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Kind != usyscall.RespOpen || resp.OpenOK {
		t.Fatalf("expected Open err response, got %+v", resp)
	}
	if resp.OpenErr != uint8(resource.NotSupported) {
		t.Fatalf("expected NotSupported, got errno kind %d", resp.OpenErr)
	}
}

func TestSerialBroadcastThroughTermRead(t *testing.T) {
	c, alloc := newTestController(t)
	a := loadUser(t, c, alloc, "a")

	c.TM.Schedule()
	cur, _ := c.TM.Current()
	if cur.ID != a {
		t.Fatalf("expected task a running")
	}

	path := "/device/term"
	if err := cur.PageTable.WriteBytes(0x1889_0000_0000, []byte(path)); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	openReq := usyscall.Request{Kind: usyscall.KindOpen, Path: usyscall.UserSlice{Ptr: 0x1889_0000_0000, Len: uint64(len(path))}}
	if err := cur.Transport.WriteRequest(openReq); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	c.syscallInner()

	openResp, err := cur.Transport.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !openResp.OpenOK {
		t.Fatalf("expected Open to succeed, got %+v", openResp)
	}

	readBuf := usyscall.UserSlice{Ptr: 0x1888_ffff_f000, Len: 256}
	readReq := usyscall.Request{Kind: usyscall.KindRead, Handle: openResp.OpenHandle, Buf: readBuf}
	if err := cur.Transport.WriteRequest(readReq); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	c.TM.PutBack(&trap.Frame{}, false) // syscall entry saves a's frame, as OnSyscall does
	c.syscallInner()                   // pends a, spawns the read-then-respond future

	if _, ok := c.TM.Current(); ok {
		t.Fatalf("Read on an empty term must pend the caller")
	}
	// First poll of the spawned future (what ScheduleAndRun does after the
	// syscall): the term read subscribes to the serial channel here.
	c.Exec.Poll()

	for _, b := range []byte("hi\n") {
		c.Serial.SendAll(b)
		c.Exec.Poll()
	}

	var foundA bool
	for i := 0; i < 10 && !foundA; i++ {
		c.ScheduleAndRun()
		cur, ok := c.TM.Current()
		if ok && cur.ID == a {
			foundA = true
			break
		}
		c.TM.PutBack(&trap.Frame{}, true)
	}
	if !foundA {
		t.Fatalf("task a never resumed after term read completed")
	}

	resp, err := cur.Transport.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !resp.ReadOK || resp.ReadLen != 3 {
		t.Fatalf("expected Read{3}, got %+v", resp)
	}
	got, err := cur.PageTable.ReadBytes(readBuf.Ptr, resp.ReadLen)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(got) != "hi\n" {
		t.Fatalf("expected %q copied into caller buffer, got %q", "hi\n", got)
	}
}

func TestSyscallExitDropsCurrentTask(t *testing.T) {
	c, alloc := newTestController(t)
	a := loadUser(t, c, alloc, "a")
	loadUser(t, c, alloc, "b")

	c.TM.Schedule()
	cur, _ := c.TM.Current()
	if cur.ID != a {
		t.Fatalf("expected task a running")
	}
	if err := cur.Transport.WriteRequest(usyscall.Request{Kind: usyscall.KindExit}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	c.syscallInner()

	if _, ok := c.TM.Current(); ok {
		t.Fatalf("Exit must drop the current task")
	}
	c.TM.Schedule()
	if cur, ok := c.TM.Current(); !ok || cur.ID != 1025 {
		t.Fatalf("expected the surviving task b (1025) to be scheduled next")
	}
}

func TestOnAPICTimerYieldsAndIncrementsTick(t *testing.T) {
	c, alloc := newTestController(t)
	loadUser(t, c, alloc, "a")
	loadUser(t, c, alloc, "b")

	c.TM.Schedule()
	cur, _ := c.TM.Current()
	firstID := cur.ID

	c.OnAPICTimer(&trap.Frame{})
	if c.Timer.Current() != 1 {
		t.Fatalf("expected tick counter to advance to 1, got %d", c.Timer.Current())
	}
	cur2, ok := c.TM.Current()
	if !ok || cur2.ID == firstID {
		t.Fatalf("expected APIC timer to yield away from task %d", firstID)
	}
}
