// Package mocks provides an in memory LUKS volume.
package mocks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kairos-io/ykfde/kcrypt"
	"github.com/kairos-io/ykfde/secret"
)

var ErrWrongPassphrase = errors.New("no key available with this passphrase")

// Volume keeps keyslot passphrases in memory. Slots are 0..7.
type Volume struct {
	Name   string
	State  kcrypt.VolumeStatus
	Slots  map[int]string
	MaxKey int

	// ChangeKeyErr and AddKeyErr make the matching call fail without
	// touching the slots.
	ChangeKeyErr error
	AddKeyErr    error
	// VerifyErr makes Verify fail even when the slot matches.
	VerifyErr error

	mu    sync.Mutex
	calls []string
}

func NewVolume(name string) *Volume {
	return &Volume{Name: name, State: kcrypt.VolumeActive, Slots: map[int]string{}, MaxKey: 8}
}

func (v *Volume) record(call string) {
	v.calls = append(v.calls, call)
}

// Calls returns the names of the mutating calls received, in order.
func (v *Volume) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

// Passphrase returns what slot holds, empty when free.
func (v *Volume) Passphrase(slot int) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Slots[slot]
}

func (v *Volume) check(name string) error {
	if name != v.Name {
		return fmt.Errorf("device %s does not exist", name)
	}
	return nil
}

func (v *Volume) Status(_ context.Context, name string) (kcrypt.VolumeStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.check(name); err != nil {
		return kcrypt.VolumeInvalid, err
	}
	return v.State, nil
}

func (v *Volume) KeyslotStatus(_ context.Context, name string, slot int) (kcrypt.KeyslotState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.check(name); err != nil {
		return kcrypt.KeyslotInvalid, err
	}
	if slot < 0 || slot >= v.MaxKey {
		return kcrypt.KeyslotInvalid, nil
	}
	if _, ok := v.Slots[slot]; !ok {
		return kcrypt.KeyslotInactive, nil
	}
	if len(v.Slots) == 1 {
		return kcrypt.KeyslotActiveLast, nil
	}
	return kcrypt.KeyslotActive, nil
}

func (v *Volume) ChangeKey(_ context.Context, name string, slot int, old, new *secret.Buffer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("ChangeKey")
	if err := v.check(name); err != nil {
		return err
	}
	if v.ChangeKeyErr != nil {
		return v.ChangeKeyErr
	}
	current, ok := v.Slots[slot]
	if !ok || current != old.String() {
		return ErrWrongPassphrase
	}
	v.Slots[slot] = new.String()
	return nil
}

func (v *Volume) AddKey(_ context.Context, name string, slot int, existing, new *secret.Buffer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("AddKey")
	if err := v.check(name); err != nil {
		return err
	}
	if v.AddKeyErr != nil {
		return v.AddKeyErr
	}
	if _, ok := v.Slots[slot]; ok {
		return fmt.Errorf("keyslot %d is in use", slot)
	}
	if v.unlockingSlot(existing.String()) < 0 {
		return ErrWrongPassphrase
	}
	v.Slots[slot] = new.String()
	return nil
}

// Verify checks slot holds pass. It is not recorded in Calls.
func (v *Volume) Verify(_ context.Context, name string, slot int, pass *secret.Buffer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.check(name); err != nil {
		return err
	}
	if v.VerifyErr != nil {
		return v.VerifyErr
	}
	if v.Slots[slot] != pass.String() {
		return ErrWrongPassphrase
	}
	return nil
}

func (v *Volume) unlockingSlot(pass string) int {
	slots := make([]int, 0, len(v.Slots))
	for s := range v.Slots {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	for _, s := range slots {
		if v.Slots[s] == pass {
			return s
		}
	}
	return -1
}

// Unlocks reports whether pass opens any keyslot.
func (v *Volume) Unlocks(pass string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unlockingSlot(pass) >= 0
}
