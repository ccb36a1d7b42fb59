// File: internal/shm/shm.go
// Package shm implements POSIX shared-memory regions used as the
// backing store for the orchestrator<->handler IPC ring buffer:
// writable, MAP_SHARED, /dev/shm-backed regions that two unrelated
// processes can open by name.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/momentics/aetherless/internal/apperr"
)

const (
	// MinSize and MaxSize bound the region size.
	MinSize = 65536
	MaxSize = 1073741824

	shmDir = "/dev/shm"
)

// Region is a named, mmap-backed shared memory region. It is safe for
// concurrent use by the single orchestrator-side owner and the single
// handler-side peer; callers coordinate access via internal/ring, not
// via Region itself.
type Region struct {
	mu     sync.Mutex
	name   string
	path   string
	size   int
	data   []byte
	fd     int
	closed bool
	owner  bool // true if this side created (and therefore unlinks) the region
}

func pathFor(name string) string {
	return filepath.Join(shmDir, name)
}

// Create allocates a new named shared-memory region of the given size,
// truncated and zero-filled, owned by the caller: Close() will unlink
// it. size is used as given, not rounded; out-of-range sizes are a
// HardValidation error.
func Create(name string, size int) (*Region, error) {
	if size < MinSize || size > MaxSize {
		return nil, apperr.New(apperr.KindHardValidation, "shm region size out of bounds").
			WithContext("size", size).WithContext("min", MinSize).WithContext("max", MaxSize)
	}
	path := pathFor(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCreate, fmt.Sprintf("create shm region %q", name), err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, apperr.Wrap(apperr.KindCreate, fmt.Sprintf("truncate shm region %q", name), err)
	}
	data, err := mapRegion(fd, size)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, apperr.Wrap(apperr.KindMap, fmt.Sprintf("mmap shm region %q", name), err)
	}
	return &Region{name: name, path: path, size: size, data: data, fd: fd, owner: true}, nil
}

// Open maps an existing named shared-memory region created by the
// owning side. The returned Region's Close() does not unlink it.
func Open(name string) (*Region, error) {
	path := pathFor(name)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMap, fmt.Sprintf("open shm region %q", name), err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, apperr.Wrap(apperr.KindMap, fmt.Sprintf("stat shm region %q", name), err)
	}
	size := int(st.Size)
	data, err := mapRegion(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, apperr.Wrap(apperr.KindMap, fmt.Sprintf("mmap shm region %q", name), err)
	}
	return &Region{name: name, path: path, size: size, data: data, fd: fd, owner: false}, nil
}

func mapRegion(fd int, size int) ([]byte, error) {
	data, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	_ = unix.Madvise(data, unix.MADV_WILLNEED)
	return data, nil
}

// Name returns the region's /dev/shm basename.
func (r *Region) Name() string { return r.name }

// Len returns the region's size in bytes.
func (r *Region) Len() int { return r.size }

// Bytes returns the mapped region. Callers must not grow or reslice it.
func (r *Region) Bytes() []byte { return r.data }

// Close unmaps the region and, if this side is the owner, unlinks the
// backing /dev/shm file. Safe to call more than once.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	if err := syscall.Munmap(r.data); err != nil {
		firstErr = apperr.Wrap(apperr.KindUnlink, fmt.Sprintf("munmap shm region %q", r.name), err)
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = apperr.Wrap(apperr.KindUnlink, fmt.Sprintf("close shm fd %q", r.name), err)
	}
	if r.owner {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = apperr.Wrap(apperr.KindUnlink, fmt.Sprintf("unlink shm region %q", r.name), err)
		}
	}
	return firstErr
}
