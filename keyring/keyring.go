// Package keyring caches short lived secrets in the kernel user keyring.
//
// The second factor typed by the user and the derived disk passphrase are
// stored as "user" keys with a timeout, so they are gone from the kernel
// shortly after boot even if nobody consumes them.
package keyring

import (
	"errors"
	"fmt"
	"time"

	"github.com/kairos-io/ykfde/secret"
	"golang.org/x/sys/unix"
)

// ErrAbsent is returned by Lookup when no key with that description exists.
var ErrAbsent = errors.New("key not present in keyring")

const keyType = "user"

type Cache interface {
	// Lookup returns a copy of the cached secret. The caller owns it.
	Lookup(purpose string) (*secret.Buffer, error)
	// Store caches value under purpose. It expires after ttl.
	Store(purpose string, value *secret.Buffer, ttl time.Duration) error
}

// Kernel is the Cache backed by keyctl(2).
type Kernel struct {
	// Ring is the special keyring id to use, KEY_SPEC_USER_KEYRING when zero.
	Ring int
}

func NewKernel() *Kernel {
	return &Kernel{Ring: unix.KEY_SPEC_USER_KEYRING}
}

func (k *Kernel) ring() int {
	if k == nil || k.Ring == 0 {
		return unix.KEY_SPEC_USER_KEYRING
	}
	return k.Ring
}

func (k *Kernel) Lookup(purpose string) (*secret.Buffer, error) {
	id, err := unix.KeyctlSearch(k.ring(), keyType, purpose, 0)
	if err != nil {
		if errors.Is(err, unix.ENOKEY) || errors.Is(err, unix.EKEYEXPIRED) || errors.Is(err, unix.EKEYREVOKED) {
			return nil, fmt.Errorf("%w: %s", ErrAbsent, purpose)
		}
		return nil, fmt.Errorf("searching keyring for %s: %w", purpose, err)
	}

	size, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", purpose, err)
	}

	// the payload may change between the size query and the read
	for range 3 {
		if size <= 0 {
			return nil, fmt.Errorf("%w: %s is empty", ErrAbsent, purpose)
		}
		b, err := secret.New(size)
		if err != nil {
			return nil, err
		}
		n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, b.Bytes(), 0)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("reading key %s: %w", purpose, err)
		}
		if n == size {
			return b, nil
		}
		_ = b.Close()
		size = n
	}
	return nil, fmt.Errorf("key %s keeps changing size", purpose)
}

func (k *Kernel) Store(purpose string, value *secret.Buffer, ttl time.Duration) error {
	id, err := unix.AddKey(keyType, purpose, value.Bytes(), k.ring())
	if err != nil {
		return fmt.Errorf("adding key %s: %w", purpose, err)
	}

	if ttl > 0 {
		secs := int(ttl / time.Second)
		if secs == 0 {
			secs = 1
		}
		if _, err := unix.KeyctlInt(unix.KEYCTL_SET_TIMEOUT, id, secs, 0, 0); err != nil {
			return fmt.Errorf("setting timeout on key %s: %w", purpose, err)
		}
	}
	return nil
}
