// Package interrupt wires the trap/task/executor/timer/broadcast/resource/
// usyscall packages together into the vector handlers spec.md §4.1 names
// and the `schedule_and_run` loop that interleaves cooperative kernel work
// with preemptive user scheduling, grounded on
// original_source/litchi-kernel/src/interrupt/{interrupt.rs,user_handlers.rs,
// trap_handlers.rs} and internal/chipset/{builder.go,lineset.go}'s
// dispatch-table shape.
package interrupt

import (
	"fmt"
	"log/slog"

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

// Fatal is the panic value raised (never recovered from) on a
// kernel-invariant violation reaching the controller — spec.md §7 kind 2: "fatal; log and exit with
// failure (panic behavior)". Exit is modeled as ExitFunc rather than an
// actual process exit so tests can observe it.
type Fatal struct {
	Reason string
}

func (f *Fatal) Error() string { return fmt.Sprintf("interrupt: fatal: %s", f.Reason) }

// Controller owns every singleton the vector handlers touch and implements
// spec.md §4.1's dispatch table plus `schedule_and_run`.
type Controller struct {
	TM        *task.TaskManager
	Exec      *executor.Executor
	Timer     *timer.TickCounter
	Serial    *broadcast.Sender[byte]
	Resources *resource.Registry
	Lapic     platform.Lapic
	Ioapic    platform.Ioapic

	// ExitFunc is called in place of a real process exit on a kernel-fatal
	// condition (spec.md §6 "Exit via QEMU isa-debug-exit"), with false, or
	// on a Halt syscall, with true. Defaults to a no-op if nil.
	ExitFunc func(success bool)

	vectors trap.Table
}

// table lazily builds the vector dispatch table (spec.md §4.1's IDT),
// routing each registered vector to its handler so Dispatch never has to
// branch by hand.
func (c *Controller) table() trap.Table {
	if c.vectors == nil {
		c.vectors = trap.NewTable()
		c.vectors.Register(trap.VectorBreakpoint, func(in *trap.Inner) *trap.Frame {
			return c.OnBreakpoint(&in.Frame)
		})
		c.vectors.Register(trap.VectorDoubleFault, func(in *trap.Inner) *trap.Frame {
			c.OnDoubleFault(&in.Frame)
			return nil // unreachable: OnDoubleFault is always fatal.
		})
		c.vectors.Register(trap.VectorPageFault, func(in *trap.Inner) *trap.Frame {
			return c.OnPageFault(&in.Frame)
		})
		c.vectors.Register(trap.VectorAPICTimer, func(in *trap.Inner) *trap.Frame {
			return c.OnAPICTimer(&in.Frame)
		})
		c.vectors.Register(trap.VectorSyscall, func(in *trap.Inner) *trap.Frame {
			return c.OnSyscall(&in.Frame)
		})
	}
	return c.vectors
}

// Dispatch implements the IDT lookup spec.md §4.1 describes: routes a
// delivered vector to its registered handler and returns the frame to
// resume with. Serial-in is special-cased since its handler additionally
// needs the byte the UART data register produced, which Inner does not
// carry — the UART read itself is an opaque external collaborator
// (spec.md §1). A vector with no registered handler is a kernel invariant
// violation (spec.md §7 kind 2).
func (c *Controller) Dispatch(in *trap.Inner, serialByte byte) *trap.Frame {
	if in.Vector == trap.VectorSerialIn {
		return c.OnSerialIn(&in.Frame, serialByte)
	}
	frame, ok := c.table().Dispatch(in)
	if !ok {
		c.fatal("no handler registered for vector %d", in.Vector)
	}
	return frame
}

func (c *Controller) exit(success bool) {
	if c.ExitFunc != nil {
		c.ExitFunc(success)
	}
}

func (c *Controller) fatal(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	slog.Error("interrupt: kernel invariant violated, halting", "reason", reason)
	c.exit(false)
	panic(&Fatal{Reason: reason})
}

// ScheduleAndRun polls the kernel async executor once and then asks the
// task manager for the next frame to resume (spec.md §4.6: "schedule_and_run
// calls poll() before asking the task manager for the next user frame").
func (c *Controller) ScheduleAndRun() *trap.Frame {
	c.Exec.Poll()
	return c.TM.Schedule()
}

// OnBreakpoint implements the breakpoint vector: logs and returns (spec.md
// §4.1 vector table).
func (c *Controller) OnBreakpoint(frame *trap.Frame) *trap.Frame {
	slog.Info("interrupt: breakpoint", "rip", frame.HW.RIP)
	c.TM.PutBack(frame, false)
	return c.ScheduleAndRun()
}

// OnDoubleFault implements the double-fault vector: always fatal (spec.md
// §4.1: "logs and exits with failure").
func (c *Controller) OnDoubleFault(frame *trap.Frame) {
	c.fatal("double fault at rip 0x%x", frame.HW.RIP)
}

// OnPageFault implements the page-fault vector (spec.md §4.1, §7 kind 1/2):
// fatal if the faulting context was the kernel's own (the idle task, which
// always runs on the kernel address space); otherwise kill the current
// task and continue scheduling.
func (c *Controller) OnPageFault(frame *trap.Frame) *trap.Frame {
	cur, ok := c.TM.Current()
	if !ok {
		c.fatal("page fault with no running task")
	}
	if cur.PageTable.IsKernel() {
		c.fatal("page fault in kernel context (task %d)", cur.ID)
	}
	slog.Warn("interrupt: user page fault, killing task", "id", cur.ID, "name", cur.Name, "rip", frame.HW.RIP)
	c.TM.DropCurrent()
	return c.ScheduleAndRun()
}

// OnAPICTimer implements the APIC-timer vector (spec.md §4.1, §4.8):
// preserves registers (the caller already captured frame), marks
// yielded=true, increments the slice counter, and EOIs.
func (c *Controller) OnAPICTimer(frame *trap.Frame) *trap.Frame {
	c.TM.PutBack(frame, true)
	c.Timer.IncSlice()
	if c.Lapic != nil {
		c.Lapic.EOI()
	}
	return c.ScheduleAndRun()
}

// OnSerialIn implements the serial-in vector (spec.md §4.1, §6): reads one
// byte (passed in by the caller, standing in for the UART read), pushes it
// to the broadcast channel, and EOIs. Does not yield the caller.
func (c *Controller) OnSerialIn(frame *trap.Frame, b byte) *trap.Frame {
	c.TM.PutBack(frame, false)
	c.Serial.SendAll(b)
	if c.Ioapic != nil {
		c.Ioapic.EOI()
	}
	if c.Lapic != nil {
		c.Lapic.EOI()
	}
	return c.ScheduleAndRun()
}

// OnSyscall implements the syscall vector (spec.md §4.1, §4.3): does not
// yield the caller by itself, dispatches the buffered request, and writes a
// response unless dispatch killed the task.
func (c *Controller) OnSyscall(frame *trap.Frame) *trap.Frame {
	c.TM.PutBack(frame, false)
	c.syscallInner()
	return c.ScheduleAndRun()
}

func (c *Controller) syscallInner() {
	cur, ok := c.TM.Current()
	if !ok {
		c.fatal("syscall with no running task")
	}
	slog.Debug("interrupt: serving syscall", "id", cur.ID)

	req, err := cur.Transport.ReadRequest()
	if err != nil {
		slog.Warn("interrupt: malformed syscall request, killing task", "id", cur.ID, "err", err)
		c.TM.DropCurrent()
		return
	}

	resp, killed := c.dispatch(cur, req)
	if killed {
		return // nobody left to read the response (spec.md §4.3).
	}
	if err := cur.Transport.WriteResponse(resp); err != nil {
		c.fatal("failed to write syscall response: %v", err)
	}
}

// dispatch implements handle_syscall (spec.md §4.3), grounded on
// original_source/litchi-kernel/src/syscall.rs. killed reports whether the
// request caused the current task to be dropped, in which case resp is
// meaningless and must not be written.
func (c *Controller) dispatch(cur *task.Task, req usyscall.Request) (resp usyscall.Response, killed bool) {
	switch req.Kind {
	case usyscall.KindPrint:
		if !cur.PageTable.CheckUserAccessible(req.Str.Ptr, req.Str.Len) {
			slog.Warn("interrupt: illegal pointer for Print, killing task", "id", cur.ID)
			c.TM.DropCurrent()
			return usyscall.Response{}, true
		}
		str, err := cur.PageTable.ReadBytes(req.Str.Ptr, req.Str.Len)
		if err != nil {
			c.TM.DropCurrent()
			return usyscall.Response{}, true
		}
		fmt.Print(string(str))
		return usyscall.Response{Kind: usyscall.RespOk}, false

	case usyscall.KindExtendHeap:
		if err := c.TM.ExtendCurrentHeap(memory.VirtAddr(req.Top)); err != nil {
			return usyscall.Response{}, true // ExtendCurrentHeap already killed the caller on OOM.
		}
		return usyscall.Response{Kind: usyscall.RespOk}, false

	case usyscall.KindGetTaskId:
		return usyscall.Response{Kind: usyscall.RespGetTaskId, TaskID: cur.ID}, false

	case usyscall.KindYield:
		c.TM.YieldCurrent()
		return usyscall.Response{Kind: usyscall.RespOk}, false

	case usyscall.KindSleep:
		if req.Slot != 0 {
			handle := c.TM.PendCurrent()
			c.Exec.Spawn(sleepThenRespond{
				sleep: c.Timer.Sleep(req.Slot),
				tm:    c.TM,
				h:     handle,
			})
			return usyscall.Response{}, true // pended: nobody to read a response now (spec.md §4.3).
		}
		return usyscall.Response{Kind: usyscall.RespOk}, false

	case usyscall.KindOpen:
		if !cur.PageTable.CheckUserAccessible(req.Path.Ptr, req.Path.Len) {
			slog.Warn("interrupt: illegal pointer for Open, killing task", "id", cur.ID)
			c.TM.DropCurrent()
			return usyscall.Response{}, true
		}
		pathBytes, err := cur.PageTable.ReadBytes(req.Path.Ptr, req.Path.Len)
		if err != nil {
			c.TM.DropCurrent()
			return usyscall.Response{}, true
		}
		r, openErr := c.Resources.Open(string(pathBytes))
		if openErr != nil {
			var rerr *resource.Error
			kind := resource.NotSupported
			if asResourceError(openErr, &rerr) {
				kind = rerr.Kind
			}
			return usyscall.Response{Kind: usyscall.RespOpen, OpenOK: false, OpenErr: uint8(kind)}, false
		}
		h, _ := c.TM.AddCurrentResource(r)
		return usyscall.Response{Kind: usyscall.RespOpen, OpenOK: true, OpenHandle: uint64(h)}, false

	case usyscall.KindRead:
		if !cur.PageTable.CheckUserAccessible(req.Buf.Ptr, req.Buf.Len) {
			slog.Warn("interrupt: illegal buffer for Read, killing task", "id", cur.ID)
			c.TM.DropCurrent()
			return usyscall.Response{}, true
		}
		r, ok := c.TM.GetCurrentResource(resource.Handle(req.Handle))
		if !ok {
			return usyscall.Response{Kind: usyscall.RespRead, ReadOK: false, ReadErr: uint8(resource.Closed)}, false
		}
		handle := c.TM.PendCurrent()
		c.Exec.Spawn(readThenRespond{
			read: r.Read(int(req.Buf.Len)),
			tm:   c.TM,
			h:    handle,
			buf:  req.Buf,
		})
		return usyscall.Response{}, true // pended: nobody to read a response now (spec.md §4.3).

	case usyscall.KindHalt:
		slog.Info("interrupt: halt requested", "id", cur.ID)
		c.exit(true)
		return usyscall.Response{Kind: usyscall.RespOk}, false

	case usyscall.KindExit:
		c.TM.DropCurrent()
		return usyscall.Response{}, true

	default:
		slog.Warn("interrupt: unrecognized syscall kind, killing task", "id", cur.ID, "kind", req.Kind)
		c.TM.DropCurrent()
		return usyscall.Response{}, true
	}
}

func asResourceError(err error, target **resource.Error) bool {
	if e, ok := err.(*resource.Error); ok {
		*target = e
		return true
	}
	return false
}

// sleepThenRespond is the kernel-task future spawned by Syscall::Sleep
// (spec.md §4.5): it awaits the tick deadline, then resumes the pended
// task with response Ok.
type sleepThenRespond struct {
	sleep executor.Future[struct{}]
	tm    *task.TaskManager
	h     *task.PendingTaskHandle
}

func (s sleepThenRespond) Poll(cx *executor.Context) (struct{}, bool) {
	if _, ready := s.sleep.Poll(cx); !ready {
		return struct{}{}, false
	}
	s.tm.ResumeTask(s.h, func() {
		writeResponseIntoRunning(s.tm, usyscall.Response{Kind: usyscall.RespOk})
	})
	return struct{}{}, true
}

// readThenRespond is the kernel-task future spawned by Syscall::Read: it
// awaits the resource read, copies the bytes into the caller's buffer, and
// resumes with a Read response carrying the byte count (spec.md §4.5, §4.9).
type readThenRespond struct {
	read executor.Future[resource.ReadResult]
	tm   *task.TaskManager
	h    *task.PendingTaskHandle
	buf  usyscall.UserSlice
}

func (r readThenRespond) Poll(cx *executor.Context) (struct{}, bool) {
	result, ready := r.read.Poll(cx)
	if !ready {
		return struct{}{}, false
	}
	buf := r.buf
	r.tm.ResumeTask(r.h, func() {
		resp := writeReadResultIntoRunning(r.tm, result, buf)
		writeResponseIntoRunning(r.tm, resp)
	})
	return struct{}{}, true
}

// writeReadResultIntoRunning copies the bytes a resource Read produced into
// the resumed caller's buffer (truncated to the buffer's length) and builds
// the matching Read response. Must run after the caller's page table is
// loaded (spec.md §4.5 pre-scheduling hook), since the copy targets its
// address space.
func writeReadResultIntoRunning(tm *task.TaskManager, result resource.ReadResult, buf usyscall.UserSlice) usyscall.Response {
	if result.Err != nil {
		kind := resource.NotSupported
		var rerr *resource.Error
		if asResourceError(result.Err, &rerr) {
			kind = rerr.Kind
		}
		return usyscall.Response{Kind: usyscall.RespRead, ReadOK: false, ReadErr: uint8(kind)}
	}

	n := uint64(len(result.Data))
	if n > buf.Len {
		n = buf.Len
	}
	cur, ok := tm.Current()
	if !ok {
		return usyscall.Response{Kind: usyscall.RespRead, ReadOK: false, ReadErr: uint8(resource.Closed)}
	}
	if err := cur.PageTable.WriteBytes(buf.Ptr, result.Data[:n]); err != nil {
		slog.Error("interrupt: failed to copy Read result into caller buffer", "id", cur.ID, "err", err)
		return usyscall.Response{Kind: usyscall.RespRead, ReadOK: false, ReadErr: uint8(resource.Closed)}
	}
	return usyscall.Response{Kind: usyscall.RespRead, ReadOK: true, ReadLen: n}
}

// writeResponseIntoRunning writes resp into the out-buffer of whichever
// task tm currently has running. Called from a pre_scheduling hook, which
// spec.md §4.5 guarantees runs after that task's page table (and hence its
// Transport, which lives in Go heap memory rather than mapped pages, but
// models the same "only this task observes this write" property) is current.
func writeResponseIntoRunning(tm *task.TaskManager, resp usyscall.Response) {
	cur, ok := tm.Current()
	if !ok {
		return
	}
	if err := cur.Transport.WriteResponse(resp); err != nil {
		slog.Error("interrupt: failed to write resumed syscall response", "id", cur.ID, "err", err)
	}
}
