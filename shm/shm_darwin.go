//go:build darwin

package shm

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// namePrefix: POSIX shared-memory names begin with a leading "/".
const namePrefix = "/"

// pshmnamlen is Darwin's PSHMNAMLEN (the kernel's shared-memory name
// length limit, excluding the leading "/"). Names longer than this are
// truncated.
const pshmnamlen = 30

// darwinName truncates name (after any leading "/") to pshmnamlen bytes
// and re-adds the leading slash.
func darwinName(name string) string {
	trimmed := strings.TrimPrefix(name, "/")
	if len(trimmed) > pshmnamlen {
		trimmed = trimmed[:pshmnamlen]
	}
	return "/" + trimmed
}

// shmOpen and shmUnlink call the real shm_open(2)/shm_unlink(2) syscalls.
// x/sys/unix does not wrap these librt-style calls on Darwin directly
// (unlike Linux, where shm_open is just open() on a tmpfs path), but
// their syscall numbers are present in the generated Darwin syscall
// tables, so we invoke them the same way the stdlib's own darwin files
// invoke other libSystem-backed syscalls.
func shmOpen(path string, flags int, mode uint32) (int, error) {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return -1, err
	}
	fd, _, errno := unix.Syscall(unix.SYS_SHM_OPEN, uintptr(unsafe.Pointer(p)), uintptr(flags), uintptr(mode))
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func shmUnlink(path string) error {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_SHM_UNLINK, uintptr(unsafe.Pointer(p)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

type darwinOps struct{ fd int }

func (o *darwinOps) unmap(h *Handle) error {
	if h.data != nil {
		if err := unix.Munmap(h.data); err != nil {
			return &Error{Kind: ErrIO, Name: h.name, Err: err}
		}
	}
	if err := unix.Close(o.fd); err != nil {
		return &Error{Kind: ErrIO, Name: h.name, Err: err}
	}
	return nil
}

func (o *darwinOps) unlink(h *Handle) error {
	if err := shmUnlink(darwinName(h.name)); err != nil && !errors.Is(err, unix.ENOENT) {
		return &Error{Kind: ErrIO, Name: h.name, Err: err}
	}
	return nil
}

func createBackend(name string, size int64) (*Handle, error) {
	path := darwinName(name)
	fd, err := shmOpen(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			// If shm_open reports the segment already exists, attach
			// rather than recreate when the size matches.
			existing, attachErr := attachBackend(name, size)
			if attachErr == nil {
				return existing, nil
			}
			return nil, &Error{Kind: ErrExists, Name: name, Err: err}
		}
		return nil, &Error{Kind: ErrIO, Name: name, Err: err}
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, &Error{Kind: ErrIO, Name: name, Err: fmt.Errorf("ftruncate: %w", err)}
	}
	return mapFd(name, fd, size)
}

func attachBackend(name string, size int64) (*Handle, error) {
	path := darwinName(name)
	fd, err := shmOpen(path, unix.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, &Error{Kind: ErrNotFound, Name: name, Err: err}
		}
		return nil, &Error{Kind: ErrIO, Name: name, Err: err}
	}
	return mapFd(name, fd, size)
}

func mapFd(name string, fd int, size int64) (*Handle, error) {
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, &Error{Kind: ErrIO, Name: name, Err: fmt.Errorf("mmap: %w", err)}
	}
	return &Handle{name: name, size: size, data: data, ops: &darwinOps{fd: fd}}, nil
}
