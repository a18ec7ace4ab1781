// Package usyscall implements the user-syscall wire protocol (spec.md
// §4.3, §6): the Request/Response discriminated unions and the shared
// in/out buffer pages they are marshalled through, grounded on
// original_source/litchi-user-common/src/syscall.rs's Syscall/SyscallResponse
// enums and fixed buffer addresses. Dispatch itself (deciding what a
// request does) lives in internal/kernel/interrupt; this package only
// carries the wire format.
package usyscall

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/BugenZhao/litchi-go/internal/kernel/memory"
)

// Vector is the software-interrupt vector a user task raises to enter the
// kernel (spec.md §7: "vector 114, software int from user").
const Vector = 114

// InBufferBase, OutBufferBase and BufferPages are the fixed, kernel-chosen
// virtual addresses and size of the two shared pages mapped into every
// user address space (spec.md §7), matching
// litchi-user-common::syscall::{SYSCALL_IN_ADDR,SYSCALL_OUT_ADDR,SYSCALL_BUFFER_PAGES}.
const (
	InBufferBase  memory.VirtAddr = 0x1333_0000_0000
	OutBufferBase memory.VirtAddr = 0x1334_0000_0000
	BufferPages                   = 10
	BufferSize                    = BufferPages * memory.PageSize
)

// Kind discriminates the Request union (spec.md §4.3: "Print{str},
// ExtendHeap{top}, GetTaskId, Yield, Sleep{slice}, Open{path},
// Read{handle, buf}, Halt, Exit").
type Kind uint8

const (
	KindPrint Kind = iota
	KindExtendHeap
	KindGetTaskId
	KindYield
	KindSleep
	KindOpen
	KindRead
	KindHalt
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindPrint:
		return "Print"
	case KindExtendHeap:
		return "ExtendHeap"
	case KindGetTaskId:
		return "GetTaskId"
	case KindYield:
		return "Yield"
	case KindSleep:
		return "Sleep"
	case KindOpen:
		return "Open"
	case KindRead:
		return "Read"
	case KindHalt:
		return "Halt"
	case KindExit:
		return "Exit"
	default:
		return "Unknown"
	}
}

// UserSlice is a borrowed slice descriptor pointing into the caller's
// address space (spec.md §4.3: "only POD and borrowed slice descriptors
// ... whose validity the kernel checks before use"). It never owns the
// bytes it describes.
type UserSlice struct {
	Ptr memory.VirtAddr
	Len uint64
}

// Request is the flat, fixed-layout union of every recognized syscall.
// Only the fields relevant to Kind are meaningful; serialization is a raw
// structural copy (spec.md §4.3), so the struct carries every variant's
// payload side by side rather than through an interface.
type Request struct {
	Kind Kind

	Str  UserSlice // Print
	Top  uint64    // ExtendHeap
	Slot uint64    // Sleep: number of slices to sleep

	Path   UserSlice // Open
	Handle uint64    // Read
	Buf    UserSlice // Read
}

// RespKind discriminates the Response union (spec.md §4.3: "Ok,
// GetTaskId{task_id}, Open{handle: Result<Handle,Err>}, Read{len:
// Result<usize,Err>}").
type RespKind uint8

const (
	RespOk RespKind = iota
	RespGetTaskId
	RespOpen
	RespRead
)

// Response is the flat, fixed-layout union of every syscall result.
// OpenOK/ReadOK discriminate the embedded Result<T, Err>; the error kind
// is carried as a plain uint8 (a resource.ErrorKind) to keep the struct
// free of owned pointers.
type Response struct {
	Kind RespKind

	TaskID uint64 // GetTaskId

	OpenOK     bool   // Open
	OpenHandle uint64 // Open: ok case
	OpenErr    uint8  // Open: err case (resource.ErrorKind)

	ReadOK  bool   // Read
	ReadLen uint64 // Read: ok case
	ReadErr uint8  // Read: err case (resource.ErrorKind)
}

// EncodeRequest serializes req into a fixed-size byte slice suitable for
// writing into the in-buffer page.
func EncodeRequest(req Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, req); err != nil {
		return nil, fmt.Errorf("usyscall: encode request: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a Request out of raw in-buffer bytes.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &req); err != nil {
		return Request{}, fmt.Errorf("usyscall: decode request: %w", err)
	}
	return req, nil
}

// EncodeResponse serializes resp into a fixed-size byte slice suitable for
// writing into the out-buffer page.
func EncodeResponse(resp Response) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, resp); err != nil {
		return nil, fmt.Errorf("usyscall: encode response: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses a Response out of raw out-buffer bytes.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &resp); err != nil {
		return Response{}, fmt.Errorf("usyscall: decode response: %w", err)
	}
	return resp, nil
}

// Transport is the pair of shared pages mapped into a single user address
// space at InBufferBase/OutBufferBase (spec.md §4.3: "Two page-aligned,
// USER+WRITABLE+NX regions ... one for the request, one for the
// response"). Each task owns exactly one Transport: the backing arrays
// model the physical page content both the user task and the kernel see
// through that task's mappings, so a write from one side is visible to a
// read from the other without any extra synchronization (no other task's
// code runs concurrently in the single-threaded kernel).
type Transport struct {
	in  [BufferSize]byte
	out [BufferSize]byte
}

// NewTransport returns a zeroed pair of buffer pages for one task.
func NewTransport() *Transport {
	return &Transport{}
}

// WriteRequest is the user-side half of a syscall: marshal req into the
// in-buffer (spec.md §4.3: "User side: write request into the in-buffer").
func (t *Transport) WriteRequest(req Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	copy(t.in[:], data)
	return nil
}

// ReadRequest is the kernel-side half of dispatch: unmarshal the pending
// request out of the in-buffer (spec.md §4.3: "Kernel side: read request
// from the in-buffer").
func (t *Transport) ReadRequest() (Request, error) {
	return DecodeRequest(t.in[:])
}

// WriteResponse is the kernel-side half of dispatch: marshal resp into the
// out-buffer. Callers must skip this entirely if dispatch killed the
// current task (spec.md §4.3: "If the dispatch killed the current task, do
// NOT write a response").
func (t *Transport) WriteResponse(resp Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	copy(t.out[:], data)
	return nil
}

// ReadResponse is the user-side half of a syscall: unmarshal the result
// out of the out-buffer on return from the software interrupt (spec.md
// §4.3: "read response from the out-buffer on return").
func (t *Transport) ReadResponse() (Response, error) {
	return DecodeResponse(t.out[:])
}
