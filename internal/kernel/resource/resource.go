// Package resource implements the polymorphic capability layer (spec.md
// §4.9): the Resource interface, per-task handle tables, a path-keyed
// registry (grounded on internal/chipset/builder.go's name-keyed device
// registry), and the "/device/term" resource.
package resource

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/BugenZhao/litchi-go/internal/kernel/broadcast"
	"github.com/BugenZhao/litchi-go/internal/kernel/executor"
)

// ErrorKind is one of the three resource-operation error kinds spec.md §4.9
// names. Each carries a real POSIX errno (via golang.org/x/sys/unix) rather
// than an opaque string, so a resource error is directly meaningful to
// anything logging or surfacing it the way a real kernel would.
type ErrorKind int

const (
	NotSupported ErrorKind = iota
	NotExists
	Closed
)

func (k ErrorKind) String() string {
	switch k {
	case NotSupported:
		return "NotSupported"
	case NotExists:
		return "NotExists"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Errno returns the POSIX errno this kind corresponds to.
func (k ErrorKind) Errno() unix.Errno {
	switch k {
	case NotSupported:
		return unix.ENOSYS
	case NotExists:
		return unix.ENOENT
	case Closed:
		return unix.EBADF
	default:
		return unix.EINVAL
	}
}

// Error is a resource operation failure (spec.md §7 kind 4: "surfaced to
// the caller").
type Error struct {
	Kind ErrorKind
}

func (e *Error) Error() string {
	return fmt.Sprintf("resource: %s (errno %d)", e.Kind, e.Kind.Errno())
}

// ReadResult is the outcome of a Resource.Read.
type ReadResult struct {
	Data []byte
	Err  error
}

// WriteResult is the outcome of a Resource.Write.
type WriteResult struct {
	N   int
	Err error
}

// Resource is the capability object every open handle refers to (spec.md
// §3/§4.9). Reads and writes are asynchronous (poll-based futures, not
// goroutines, to stay consistent with the single-threaded kernel executor).
type Resource interface {
	Name() string
	Read(maxLen int) executor.Future[ReadResult]
	Write(data []byte) executor.Future[WriteResult]
}

// Handle is a dense, per-task, monotonically increasing resource handle.
type Handle uint64

// HandleTable is a task's open-resource table (spec.md §3: "ordered map
// ResourceHandle -> shared Resource"). Resources are plain Go interface
// values; the garbage collector subsumes the reference counting the
// original implementation needed explicitly.
type HandleTable struct {
	mu        sync.Mutex
	next      Handle
	resources map[Handle]Resource
	order     []Handle
}

// NewHandleTable returns an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{resources: make(map[Handle]Resource)}
}

// Add inserts r under a freshly allocated handle.
func (t *HandleTable) Add(r Resource) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.resources[h] = r
	t.order = append(t.order, h)
	return h
}

// Get returns the resource at h, if any.
func (t *HandleTable) Get(h Handle) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.resources[h]
	return r, ok
}

// Factory creates a fresh Resource instance for a successful Open.
type Factory func() (Resource, error)

// Registry maps resource paths to factories (spec.md §4.9/§6: "/device/term
// is the only recognized path; others yield NotSupported"), grounded on
// internal/chipset/builder.go's RegisterDevice/name-keyed dispatch.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// RegisterFactory binds path to factory. Re-registering the same path is an
// error.
func (r *Registry) RegisterFactory(path string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[path]; exists {
		return fmt.Errorf("resource: path %q already registered", path)
	}
	r.factories[path] = factory
	return nil
}

// Open resolves path to a fresh Resource, or a NotSupported *Error if no
// factory is registered for it.
func (r *Registry) Open(path string) (Resource, error) {
	r.mu.Lock()
	factory, ok := r.factories[path]
	r.mu.Unlock()
	if !ok {
		return nil, &Error{Kind: NotSupported}
	}
	return factory()
}

const backspace = 0x7f

// TermDevice is the "/device/term" resource (spec.md §4.9): its Read
// subscribes once to the serial broadcast channel and accumulates bytes
// until either maxLen is reached or '\n' is observed, honoring backspace by
// popping the last accumulated byte.
type TermDevice struct {
	serial *broadcast.Sender[byte]
}

// NewTermDevice wraps the kernel's serial-in broadcast sender.
func NewTermDevice(serial *broadcast.Sender[byte]) *TermDevice {
	return &TermDevice{serial: serial}
}

func (t *TermDevice) Name() string { return "/device/term" }

type termReadFuture struct {
	dev    *TermDevice
	maxLen int
	recv   *broadcast.Receiver[byte]
	buf    []byte
}

func (f *termReadFuture) Poll(cx *executor.Context) (ReadResult, bool) {
	if f.recv == nil {
		f.recv = f.dev.serial.Subscribe()
	}
	waker := cx.Waker()
	for {
		if f.maxLen > 0 && len(f.buf) >= f.maxLen {
			return ReadResult{Data: f.buf}, true
		}
		b, ok := f.recv.PollNext(waker.Wake)
		if !ok {
			return ReadResult{}, false
		}
		if b == backspace {
			if len(f.buf) > 0 {
				f.buf = f.buf[:len(f.buf)-1]
			}
			continue
		}
		f.buf = append(f.buf, b)
		if b == '\n' {
			return ReadResult{Data: f.buf}, true
		}
	}
}

// Read returns a future that completes once a line (or maxLen bytes) has
// been accumulated from the serial channel.
func (t *TermDevice) Read(maxLen int) executor.Future[ReadResult] {
	return &termReadFuture{dev: t, maxLen: maxLen}
}

// Write logs the number of bytes written (not their content) and reports
// all of them as written; no buffering or line discipline applies on the
// write side.
func (t *TermDevice) Write(data []byte) executor.Future[WriteResult] {
	slog.Info("term: write", "bytes", len(data))
	return executor.Ready(WriteResult{N: len(data)})
}
