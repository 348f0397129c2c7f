// Package secret holds challenge, response and passphrase material in
// buffers that live outside the Go heap and are zeroed when closed.
//
// Memory comes from an anonymous mmap, so the garbage collector never
// copies it. It is mlock'ed where the RLIMIT_MEMLOCK allows and excluded
// from core dumps. Every owner of a Buffer must Close it on every exit
// path, usually with defer right after the allocation.
package secret

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed size secret. A Buffer must not be copied.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	locked bool
	closed bool
}

// New allocates a zeroed buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	// mlock fails under a tight RLIMIT_MEMLOCK. The buffer is still
	// wiped on Close, so carry on unlocked instead of refusing to work.
	locked := true
	if err := unix.Mlock(data); err != nil {
		if !errors.Is(err, unix.ENOMEM) && !errors.Is(err, unix.EPERM) {
			_ = unix.Munmap(data)
			return nil, fmt.Errorf("secret: mlock failed: %w", err)
		}
		locked = false
	}

	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	return &Buffer{data: data, length: size, locked: locked}, nil
}

// NewFromBytes copies source into a new buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	b, err := New(len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(b.data, source)
	Zero(source)
	return b, nil
}

// Clone returns an independent copy of b.
func (b *Buffer) Clone() (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: clone of closed buffer")
	}

	c, err := New(b.length)
	if err != nil {
		return nil, err
	}
	copy(c.data, b.data[:b.length])
	return c, nil
}

// Bytes returns the secret. The slice aliases the mapping and must not be
// retained past Close. Panics after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// String copies the secret onto the heap. Only for API boundaries that
// insist on strings.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Close zeroes and unmaps the buffer. Close is idempotent and safe on a
// nil Buffer, which keeps deferred cleanups simple.
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.data)

	var firstErr error
	if b.locked {
		if err := unix.Munlock(b.data); err != nil {
			firstErr = fmt.Errorf("secret: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(b.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap failed: %w", err)
	}
	b.data = nil
	return firstErr
}

// Equal compares two buffers in constant time with respect to content.
func Equal(a, b *Buffer) bool {
	return subtle.ConstantTimeCompare(a.Bytes(), b.Bytes()) == 1
}

// Zero overwrites data with zeroes.
func Zero(data []byte) {
	clear(data)
}
