// Package shm implements cross-platform named shared memory: create,
// attach, size, byte-slice view, close and unlink.
//
// A Handle is created once by whichever process owns the segment (via
// Create) and attached by any number of cooperating processes (via
// Attach). Close releases only this process's mapping; Unlink removes
// the name from the kernel namespace and must be called by exactly one
// participant, at most once, across all processes sharing the segment.
//
// The concrete backend (posix, darwin, windows) is selected once per
// process via build tags, behind the common platformOps interface.
package shm

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/apposed/appose-go/metrics"
)

// platformOps is implemented once per OS backend (posix, darwin,
// windows) and holds whatever OS handle/descriptor the backend needs
// to unmap and unlink a segment.
type platformOps interface {
	unmap(h *Handle) error
	unlink(h *Handle) error
}

// Handle is a named, memory-mapped shared-memory segment.
type Handle struct {
	name   string
	size   int64
	data   []byte
	closed bool
	ops    platformOps
}

// Close unmaps this process's view of the segment and releases its
// handle. It does not unlink the name. Idempotent: a second Close is a
// no-op. After Close, Data and further operations are invalid.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.ops.unmap(h)
	metrics.SharedMemorySegmentsOpen.Dec()
	return err
}

// Unlink removes the segment's name from the kernel namespace. Exactly
// one participant sharing the segment should call this, at most once;
// it is idempotent on an already-unlinked name.
func (h *Handle) Unlink() error {
	return h.ops.unlink(h)
}

// Name returns the segment's system-wide identifier.
func (h *Handle) Name() string { return h.name }

// Size returns the segment's size in bytes.
func (h *Handle) Size() int64 { return h.size }

// Data returns a byte slice backed directly by the mapped memory. It is
// valid from a successful Create/Attach until Close. Go has no raw
// pointer type a caller could portably dereference, so a slice header
// over the mapping is used instead, giving the same zero-copy
// read/write access.
func (h *Handle) Data() []byte { return h.data }

// Closed reports whether Close has already been called on this handle.
func (h *Handle) Closed() bool { return h.closed }

// Kind enumerates the categories of error a shm operation can fail with.
type Kind int

const (
	ErrExists Kind = iota
	ErrNotFound
	ErrIO
	ErrNameTooLong
)

func (k Kind) String() string {
	switch k {
	case ErrExists:
		return "ShmExists"
	case ErrNotFound:
		return "ShmNotFound"
	case ErrIO:
		return "ShmIO"
	case ErrNameTooLong:
		return "ShmNameTooLong"
	default:
		return "ShmError"
	}
}

// Error is the error type surfaced synchronously by every shm operation.
type Error struct {
	Kind Kind
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Name)
}

func (e *Error) Unwrap() error { return e.Err }

// randomName generates a random segment name with the given leading
// prefix (callers pass the platform-appropriate prefix, e.g. "/" on
// POSIX). Create checks it for collisions and retries on one.
func randomName(prefix string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "appose-" + hex.EncodeToString(b), nil
}

// Create allocates a new shared-memory segment of exactly size bytes. If
// name is empty, a unique name is generated. Fails with a *Error of Kind
// ErrExists if the name is already in use, or ErrIO for other OS errors.
func Create(name string, size int64) (*Handle, error) {
	if size <= 0 {
		return nil, &Error{Kind: ErrIO, Name: name, Err: fmt.Errorf("size must be > 0, got %d", size)}
	}
	generate := name == ""
	for {
		if generate {
			generated, err := randomName(namePrefix)
			if err != nil {
				return nil, &Error{Kind: ErrIO, Err: err}
			}
			name = generated
		}
		h, err := createBackend(name, size)
		var shmErr *Error
		if generate && errors.As(err, &shmErr) && shmErr.Kind == ErrExists {
			// Generated name collided with an existing segment; try another.
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.SharedMemorySegmentsOpen.Inc()
		return h, nil
	}
}

// Attach opens an existing segment by name and maps the first size
// bytes. Fails with ErrNotFound or ErrIO.
func Attach(name string, size int64) (*Handle, error) {
	if size <= 0 {
		return nil, &Error{Kind: ErrIO, Name: name, Err: fmt.Errorf("size must be > 0, got %d", size)}
	}
	h, err := attachBackend(name, size)
	if err != nil {
		return nil, err
	}
	metrics.SharedMemorySegmentsOpen.Inc()
	return h, nil
}
