package kcrypt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/types"
	"github.com/kairos-io/ykfde/utils"
)

const (
	cryptsetup = "cryptsetup"
	// exit status of "cryptsetup status" for a mapping that is not active
	statusInactive = 4
	// the new passphrase is handed over on the first extra file
	newKeyFile = "/dev/fd/3"
)

// Cryptsetup is the VolumeManager backed by the cryptsetup tool. Keyslot
// state is read from the LUKS header directly.
type Cryptsetup struct {
	Runner utils.Runner
	Logger types.Logger
	// OpenHeader opens the LUKS header of a block device.
	OpenHeader func(path string) (Header, error)
	// SkipVerify disables unsealing the changed slot with the new passphrase.
	SkipVerify bool
}

func NewCryptsetup(logger types.Logger) *Cryptsetup {
	return &Cryptsetup{
		Runner:     utils.ExecRunner{},
		Logger:     logger,
		OpenHeader: openHeader,
	}
}

// mapping is what "cryptsetup status" tells about a device mapper name.
type mapping struct {
	status VolumeStatus
	kind   string
	device string
}

func (c *Cryptsetup) mapping(ctx context.Context, name string) (mapping, error) {
	out, err := c.Runner.Run(ctx, utils.Command{Name: cryptsetup, Args: []string{"status", name}})
	if err != nil {
		if utils.ExitCode(err) == statusInactive {
			return mapping{status: VolumeInactive}, nil
		}
		return mapping{status: VolumeInvalid}, fmt.Errorf("cryptsetup status %s: %w", name, err)
	}
	return parseStatus(out), nil
}

func parseStatus(out []byte) mapping {
	m := mapping{status: VolumeInvalid}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			switch {
			case strings.Contains(line, "is active and is in use"):
				m.status = VolumeBusy
			case strings.Contains(line, "is active"):
				m.status = VolumeActive
			case strings.Contains(line, "is inactive"):
				m.status = VolumeInactive
			}
			continue
		}
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "type":
			m.kind = strings.TrimSpace(value)
		case "device":
			m.device = strings.TrimSpace(value)
		}
	}

	if (m.status == VolumeActive || m.status == VolumeBusy) && m.kind != "" && !strings.HasPrefix(m.kind, "LUKS") {
		m.status = VolumeInvalid
	}
	return m
}

func (c *Cryptsetup) Status(ctx context.Context, name string) (VolumeStatus, error) {
	m, err := c.mapping(ctx, name)
	if err != nil {
		return VolumeInvalid, err
	}
	c.Logger.Logger.Debug().Str("device", name).Str("status", m.status.String()).Str("backing", m.device).Msg("Volume status")
	return m.status, nil
}

// device returns the block device backing an active mapping.
func (c *Cryptsetup) device(ctx context.Context, name string) (string, error) {
	m, err := c.mapping(ctx, name)
	if err != nil {
		return "", err
	}
	if m.status != VolumeActive && m.status != VolumeBusy {
		return "", fmt.Errorf("%w: %s is %s", ErrVolumeNotActive, name, m.status)
	}
	if m.device == "" {
		return "", fmt.Errorf("no backing device reported for %s", name)
	}
	return m.device, nil
}

func (c *Cryptsetup) ChangeKey(ctx context.Context, name string, slot int, old, new *secret.Buffer) error {
	dev, err := c.device(ctx, name)
	if err != nil {
		return err
	}

	c.Logger.Logger.Info().Str("device", dev).Int("slot", slot).Msg("Changing keyslot passphrase")
	return c.runWithKeys(ctx, "luksChangeKey", dev, slot, old, new)
}

func (c *Cryptsetup) AddKey(ctx context.Context, name string, slot int, existing, new *secret.Buffer) error {
	dev, err := c.device(ctx, name)
	if err != nil {
		return err
	}

	c.Logger.Logger.Info().Str("device", dev).Int("slot", slot).Msg("Adding keyslot passphrase")
	return c.runWithKeys(ctx, "luksAddKey", dev, slot, existing, new)
}

// runWithKeys runs a cryptsetup action that reads the authorizing
// passphrase from stdin and the new one from fd 3.
func (c *Cryptsetup) runWithKeys(ctx context.Context, action, dev string, slot int, auth, new *secret.Buffer) error {
	cmd := utils.Command{
		Name:       cryptsetup,
		Args:       []string{action, "--key-slot", strconv.Itoa(slot), "--key-file=-", dev, newKeyFile},
		Stdin:      auth.Bytes(),
		ExtraFiles: [][]byte{new.Bytes()},
	}
	c.Logger.Logger.Debug().Str("cmd", cmd.String()).Msg("running command")
	if _, err := c.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("cryptsetup %s on %s slot %d: %w", action, dev, slot, err)
	}
	return nil
}
