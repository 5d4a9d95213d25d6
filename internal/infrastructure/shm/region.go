// Package shm maps a file-backed shared memory region so several processes
// can attach to the same byte layout. Typical paths live under /dev/shm.
package shm

import (
	"fmt"
	"os"
	"syscall"
)

type Region struct {
	path    string
	data    []byte
	created bool
}

// Create makes (or truncates) the backing file and maps it read-write.
// The caller owns initialization of the mapped bytes.
func Create(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid region size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, err
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Region{path: path, data: data, created: true}, nil
}

// Attach maps an existing region created by another process.
func Attach(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("shm: %s is empty", path)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(st.Size()),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Region{path: path, data: data}, nil
}

func (r *Region) Bytes() []byte { return r.data }
func (r *Region) Size() int     { return len(r.data) }
func (r *Region) Path() string  { return r.path }

// Created reports whether this process created the backing file
// (as opposed to attaching to one that already existed).
func (r *Region) Created() bool { return r.created }

// Close unmaps the region. The backing file stays so other
// processes keep their mapping; Unlink removes it.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := syscall.Munmap(r.data)
	r.data = nil
	return err
}

// Unlink removes the backing file. Call after Close by the owning process.
func (r *Region) Unlink() error {
	return os.Remove(r.path)
}
