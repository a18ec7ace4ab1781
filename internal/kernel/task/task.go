// Package task implements the task manager (spec.md §3, §4.4, §4.5): task
// records, priority ready queues, the idle task, run/yield/drop/pend/resume,
// heap extension, and the per-task resource table. This is the CORE
// component of the kernel (spec.md §2: "28%" of the implementation budget),
// grounded on original_source/litchi-kernel/src/task/task.rs's TaskManager
// shape, generalized from its single `running`/`ready: VecDeque` pair into
// spec.md's priority-classed ready set, pending map, and zombie sweep.
package task

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"weak"

	"github.com/BugenZhao/litchi-go/internal/kernel/memory"
	"github.com/BugenZhao/litchi-go/internal/kernel/platform"
	"github.com/BugenZhao/litchi-go/internal/kernel/resource"
	"github.com/BugenZhao/litchi-go/internal/kernel/trap"
	"github.com/BugenZhao/litchi-go/internal/kernel/usyscall"
)

// Priority is a small integer placing a task in an ordered set of FIFO
// queues; lower value means higher priority (spec.md glossary).
type Priority uint8

const (
	UserPriority Priority = 128
	IdlePriority Priority = 255
)

// IdleTaskID is the idle task's fixed identity (spec.md §3: "Idle task has
// fixed id 0").
const IdleTaskID = 0

// firstUserID is where monotonically increasing user task ids start
// (spec.md §3: "user ids start at 1024").
const firstUserID = 1024

// UserHeapBase is where a fresh user task's heap starts (spec.md §6: "user
// heap base defined by the user-common constants"), chosen disjoint from
// the stack and syscall-buffer ranges.
const UserHeapBase memory.VirtAddr = 0x2000_0000_0000

// Task is a schedulable unit: either the permanent idle task (borrowing the
// kernel address space) or a user task (owning a traced address space).
type Task struct {
	ID       uint64
	Name     string
	Priority Priority

	HeapTop   memory.VirtAddr
	PageTable *memory.AddressSpace

	// Frame is the saved trap frame; nil exactly when this task equals
	// TaskManager.running (spec.md §3 invariant).
	Frame *trap.Frame

	Resources *resource.HandleTable
	Transport *usyscall.Transport

	// PreScheduling is the one-shot hook run after this task's page table
	// is loaded but before its frame is restored (spec.md §3, §4.5).
	PreScheduling func()
}

// pendingToken is not zero-sized: every zero-size allocation shares one
// address that is never freed, so a weak pointer to it would never go dead.
type pendingToken struct{ _ *byte }

type pendingEntry struct {
	task  *Task
	token weak.Pointer[pendingToken]
}

// PendingTaskHandle is the liveness token for a pended task (spec.md §3):
// holding it alive keeps the task reachable; letting it be collected
// without calling ResumeTask marks the task a zombie for the next sweep.
type PendingTaskHandle struct {
	tm    *TaskManager
	id    uint64
	token *pendingToken
}

// ID returns the pended task's id.
func (h *PendingTaskHandle) ID() uint64 { return h.id }

// TaskManager owns every task record: the currently running one, the
// priority-classed ready queues, and the pending set (spec.md §3).
type TaskManager struct {
	mu sync.Mutex

	kernelAS *memory.AddressSpace

	running *Task
	ready   map[Priority][]*Task
	pending map[uint64]*pendingEntry

	nextID uint64
}

// New returns a TaskManager with only the idle task present, running on the
// kernel address space (spec.md §3: "Always contains an idle task
// somewhere; thus the ready set is never empty across all priorities").
func New(kernelAS *memory.AddressSpace) *TaskManager {
	tm := &TaskManager{
		kernelAS: kernelAS,
		ready:    make(map[Priority][]*Task),
		pending:  make(map[uint64]*pendingEntry),
		nextID:   firstUserID,
	}
	idle := &Task{
		ID:        IdleTaskID,
		Name:      "idle",
		Priority:  IdlePriority,
		PageTable: kernelAS,
		Frame:     &trap.Frame{},
		Resources: resource.NewHandleTable(),
	}
	tm.pushReadyLocked(idle)
	return tm
}

func kernelPanic(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Error("kernel invariant violated", "detail", msg)
	panic("task: kernel invariant violated: " + msg)
}

func (tm *TaskManager) pushReadyLocked(t *Task) {
	tm.ready[t.Priority] = append(tm.ready[t.Priority], t)
}

// popHighestLocked pops the oldest task from the lowest-numbered non-empty
// priority class (spec.md §4.4 step 2: "pop the highest-priority non-empty
// ready queue (FIFO within class)").
func (tm *TaskManager) popHighestLocked() *Task {
	if len(tm.ready) == 0 {
		return nil
	}
	prios := make([]Priority, 0, len(tm.ready))
	for p, q := range tm.ready {
		if len(q) > 0 {
			prios = append(prios, p)
		}
	}
	if len(prios) == 0 {
		return nil
	}
	sort.Slice(prios, func(i, j int) bool { return prios[i] < prios[j] })
	p := prios[0]
	q := tm.ready[p]
	t := q[0]
	tm.ready[p] = q[1:]
	return t
}

func (tm *TaskManager) readyCountExcludingLocked(prio Priority) int {
	n := 0
	for p, q := range tm.ready {
		if p != prio {
			n += len(q)
		}
	}
	return n
}

// sweepZombiesLocked drops every pending entry whose handle was dropped
// without resuming (spec.md §4.5: "zombie reclamation").
func (tm *TaskManager) sweepZombiesLocked() {
	for id, entry := range tm.pending {
		if entry.token.Value() == nil {
			delete(tm.pending, id)
			slog.Warn("task: reclaiming zombie pended task", "id", id, "name", entry.task.Name)
		}
	}
}

// LoadUser creates a fresh user task at the default user priority class
// (spec.md §3 lifecycle, §4.4 `load_user`). See LoadUserWithPriority for
// boot manifests that assign a non-default priority class.
func (tm *TaskManager) LoadUser(
	name string,
	elfBytes []byte,
	loader platform.ELFLoader,
	alloc memory.FrameAllocator,
	elfCfg platform.ELFConfig,
	codeSegment, dataSegment uint64,
) (uint64, error) {
	return tm.LoadUserWithPriority(name, elfBytes, loader, alloc, elfCfg, codeSegment, dataSegment, UserPriority)
}

// LoadUserWithPriority is LoadUser generalized to a caller-chosen priority
// class, for boot manifests that place some tasks above or below the
// default user priority: allocate a traced address space, load the ELF
// image and stack via the external loader, map the two syscall buffer
// pages, build the initial trap frame, and publish it ready to run.
func (tm *TaskManager) LoadUserWithPriority(
	name string,
	elfBytes []byte,
	loader platform.ELFLoader,
	alloc memory.FrameAllocator,
	elfCfg platform.ELFConfig,
	codeSegment, dataSegment uint64,
	priority Priority,
) (uint64, error) {
	as := memory.NewUser(tm.kernelAS, alloc)

	entry, err := loader.Load(elfCfg, elfBytes, alloc, as)
	if err != nil {
		as.Close()
		return 0, fmt.Errorf("task: load user %q: %w", name, err)
	}

	const bufferFlags = memory.FlagWritable | memory.FlagUser | memory.FlagNoExecute
	for i := uint64(0); i < usyscall.BufferPages; i++ {
		off := memory.VirtAddr(i * memory.PageSize)
		if _, err := as.AllocateAndMapTo(usyscall.InBufferBase+off, bufferFlags); err != nil {
			as.Close()
			return 0, fmt.Errorf("task: load user %q: map in-buffer: %w", name, err)
		}
		if _, err := as.AllocateAndMapTo(usyscall.OutBufferBase+off, bufferFlags); err != nil {
			as.Close()
			return 0, fmt.Errorf("task: load user %q: map out-buffer: %w", name, err)
		}
	}

	frame := trap.NewUserFrame(uint64(entry), uint64(elfCfg.StackTop), codeSegment, dataSegment)

	tm.mu.Lock()
	defer tm.mu.Unlock()

	id := tm.nextID
	tm.nextID++

	t := &Task{
		ID:        id,
		Name:      name,
		Priority:  priority,
		HeapTop:   UserHeapBase,
		PageTable: as,
		Frame:     &frame,
		Resources: resource.NewHandleTable(),
		Transport: usyscall.NewTransport(),
	}
	slog.Info("task: new user task", "id", id, "name", name)
	tm.pushReadyLocked(t)
	return id, nil
}

// Schedule implements spec.md §4.4 `schedule() -> TrapFrame`.
func (tm *TaskManager) Schedule() *trap.Frame {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.sweepZombiesLocked()

	if tm.running == nil {
		t := tm.popHighestLocked()
		if t == nil {
			kernelPanic("no task to schedule, not even idle")
		}
		t.PageTable.Load()
		tm.running = t
	}

	if memory.Current() != tm.running.PageTable {
		kernelPanic("loaded page table does not match running task %d", tm.running.ID)
	}

	if tm.running.PreScheduling != nil {
		fn := tm.running.PreScheduling
		tm.running.PreScheduling = nil
		// The hook may call back into the manager (e.g. Current), so it
		// runs without tm.mu held.
		tm.mu.Unlock()
		fn()
		tm.mu.Lock()
	}

	frame := tm.running.Frame
	if frame == nil {
		kernelPanic("running task %d has no saved frame", tm.running.ID)
	}
	tm.running.Frame = nil
	return frame
}

// PutBack implements spec.md §4.4 `put_back(frame, yielded)`.
func (tm *TaskManager) PutBack(frame *trap.Frame, yielded bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.running == nil {
		kernelPanic("put_back with no running task")
	}
	tm.running.Frame = frame
	if yielded {
		tm.yieldCurrentLocked()
	}
}

func (tm *TaskManager) yieldCurrentLocked() {
	t := tm.running
	if t == nil {
		return
	}
	if t.Priority == IdlePriority && tm.readyCountExcludingLocked(IdlePriority) == 0 {
		// Yielding the idle task back to itself is pointless (spec.md §4.4).
		return
	}
	tm.running = nil
	tm.pushReadyLocked(t)
}

// YieldCurrent implements spec.md §4.4 `yield_current`.
func (tm *TaskManager) YieldCurrent() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.yieldCurrentLocked()
}

// DropCurrent implements spec.md §4.4 `drop_current`: switch to the kernel
// page table first (so unmapping the task's frames is safe), then release
// its address space.
func (tm *TaskManager) DropCurrent() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t := tm.running
	if t == nil {
		kernelPanic("drop_current with no running task")
	}
	tm.kernelAS.Load()
	tm.running = nil
	t.PageTable.Close()
	slog.Info("task: dropped task", "id", t.ID, "name", t.Name)
}

// PendCurrent implements spec.md §4.4 `pend_current`.
func (tm *TaskManager) PendCurrent() *PendingTaskHandle {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t := tm.running
	if t == nil {
		kernelPanic("pend_current with no running task")
	}
	tm.kernelAS.Load()
	tm.running = nil

	token := &pendingToken{}
	tm.pending[t.ID] = &pendingEntry{task: t, token: weak.Make(token)}
	return &PendingTaskHandle{tm: tm, id: t.ID, token: token}
}

// ResumeTask implements spec.md §4.4 `resume_task(handle, pre_scheduling)`.
// It reports false if the handle's task was already reclaimed as a zombie.
func (tm *TaskManager) ResumeTask(handle *PendingTaskHandle, preScheduling func()) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	entry, ok := tm.pending[handle.id]
	if !ok {
		return false
	}
	delete(tm.pending, handle.id)

	entry.task.PreScheduling = preScheduling
	tm.pushReadyLocked(entry.task)
	runtime.KeepAlive(handle.token)
	return true
}

// ExtendCurrentHeap implements spec.md §4.4 `extend_current_heap`: align up
// to 4 KiB, map every new page, and kill the caller on the first OOM.
func (tm *TaskManager) ExtendCurrentHeap(newTop memory.VirtAddr) error {
	tm.mu.Lock()

	t := tm.running
	if t == nil {
		tm.mu.Unlock()
		kernelPanic("extend_current_heap with no running task")
	}

	newTop = newTop.AlignUp()
	if newTop <= t.HeapTop {
		tm.mu.Unlock()
		return nil
	}

	const heapFlags = memory.FlagWritable | memory.FlagUser | memory.FlagNoExecute
	for page := t.HeapTop; page < newTop; page += memory.PageSize {
		if _, err := t.PageTable.AllocateAndMapTo(page, heapFlags); err != nil {
			tm.mu.Unlock()
			tm.DropCurrent()
			return fmt.Errorf("task: extend heap: %w", err)
		}
	}
	t.HeapTop = newTop
	tm.mu.Unlock()
	return nil
}

// AddCurrentResource implements spec.md §4.4 `add_current_resource`.
func (tm *TaskManager) AddCurrentResource(r resource.Resource) (resource.Handle, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running == nil {
		kernelPanic("add_current_resource with no running task")
	}
	return tm.running.Resources.Add(r), nil
}

// GetCurrentResource implements spec.md §4.4 `get_current_resource`.
func (tm *TaskManager) GetCurrentResource(h resource.Handle) (resource.Resource, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running == nil {
		kernelPanic("get_current_resource with no running task")
	}
	return tm.running.Resources.Get(h)
}

// Current returns the running task, if any.
func (tm *TaskManager) Current() (*Task, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.running, tm.running != nil
}

// CurrentID returns the running task's id, if any.
func (tm *TaskManager) CurrentID() (uint64, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running == nil {
		return 0, false
	}
	return tm.running.ID, true
}

// PendingCount reports the number of currently pended tasks; used by tests
// to observe zombie reclamation.
func (tm *TaskManager) PendingCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}
