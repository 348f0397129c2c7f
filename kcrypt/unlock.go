package kcrypt

import (
	"context"
	"fmt"

	"github.com/anatol/luks.go"
	"github.com/kairos-io/ykfde/secret"
)

// Header is the part of a LUKS header the volume manager reads.
type Header interface {
	Version() int
	Slots() []int
	UnsealVolume(keyslot int, passphrase []byte) (*luks.Volume, error)
	Close() error
}

func openHeader(path string) (Header, error) {
	return luks.Open(path)
}

func maxSlots(version int) int {
	if version == 1 {
		return 8
	}
	return 32
}

func (c *Cryptsetup) KeyslotStatus(ctx context.Context, name string, slot int) (KeyslotState, error) {
	dev, err := c.device(ctx, name)
	if err != nil {
		return KeyslotInvalid, err
	}

	h, err := c.OpenHeader(dev)
	if err != nil {
		return KeyslotInvalid, fmt.Errorf("reading LUKS header of %s: %w", dev, err)
	}
	defer h.Close()

	state := keyslotState(h.Version(), h.Slots(), slot)
	c.Logger.Logger.Debug().Str("device", dev).Int("slot", slot).Int("version", h.Version()).Ints("active", h.Slots()).Str("state", state.String()).Msg("Keyslot status")
	return state, nil
}

func keyslotState(version int, active []int, slot int) KeyslotState {
	if slot < 0 || slot >= maxSlots(version) {
		return KeyslotInvalid
	}
	for _, s := range active {
		if s != slot {
			continue
		}
		if len(active) == 1 {
			return KeyslotActiveLast
		}
		return KeyslotActive
	}
	return KeyslotInactive
}

// Verify unseals slot of the volume behind name with pass. luks.go does not
// know every cipher and PBKDF cryptsetup supports, so a failure here does
// not prove the slot is wrong.
func (c *Cryptsetup) Verify(ctx context.Context, name string, slot int, pass *secret.Buffer) error {
	if c.SkipVerify {
		return nil
	}
	dev, err := c.device(ctx, name)
	if err != nil {
		return err
	}

	h, err := c.OpenHeader(dev)
	if err != nil {
		return fmt.Errorf("reading LUKS header of %s: %w", dev, err)
	}
	defer h.Close()

	if _, err := h.UnsealVolume(slot, pass.Bytes()); err != nil {
		return fmt.Errorf("verifying slot %d of %s: %w", slot, dev, err)
	}
	c.Logger.Logger.Debug().Str("device", dev).Int("slot", slot).Msg("Verified new passphrase")
	return nil
}
