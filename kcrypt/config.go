package kcrypt

import (
	"context"
	"fmt"

	"github.com/kairos-io/ykfde/config"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/types"
)

// ResolveTarget opens the attached token, reads its serial and returns the
// configuration that applies to it. The returned target is validated for a
// rotation, a missing keyslot mapping yields config.ErrNoKeyslot.
func ResolveTarget(ctx context.Context, open token.Opener, cfg *config.Config, logger types.Logger) (config.Target, error) {
	tok, err := open(ctx)
	if err != nil {
		return config.Target{}, fmt.Errorf("opening token: %w", err)
	}
	defer tok.Close()

	serial, err := tok.Serial(ctx)
	if err != nil {
		return config.Target{}, fmt.Errorf("reading token serial: %w", err)
	}

	t := cfg.ForSerial(serial)
	logger.Logger.Debug().
		Uint32("serial", serial).
		Str("device", t.DeviceName).
		Int("yk_slot", int(t.YKSlot)).
		Int("luks_slot", t.LUKSSlot).
		Bool("second_factor", t.SecondFactor).
		Msg("Resolved configuration for token")

	return t, t.Validate()
}
