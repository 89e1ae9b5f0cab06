//go:build linux

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// namePrefix: POSIX shared-memory names begin with a leading "/".
const namePrefix = "/"

// shmDir is where glibc's shm_open(3) itself resolves POSIX shared-memory
// names to on Linux: a tmpfs mount. Opening the path directly is not a
// shortcut around shm_open, it is what shm_open does.
const shmDir = "/dev/shm"

func shmPath(name string) string {
	return filepath.Join(shmDir, strings.TrimPrefix(name, "/"))
}

type unixOps struct{ fd int }

func (o *unixOps) unmap(h *Handle) error {
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

func (o *unixOps) unlink(h *Handle) error {
	if err := os.Remove(shmPath(h.name)); err != nil && !os.IsNotExist(err) {
		return &Error{Kind: ErrIO, Name: h.name, Err: err}
	}
	return nil
}

func createBackend(name string, size int64) (*Handle, error) {
	fd, err := unix.Open(shmPath(name), unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
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
	fd, err := unix.Open(shmPath(name), unix.O_RDWR, 0)
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
	return &Handle{name: name, size: size, data: data, ops: &unixOps{fd: fd}}, nil
}
