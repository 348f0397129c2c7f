package kcrypt

import (
	"context"
	"errors"
	"fmt"

	"github.com/kairos-io/ykfde/bus"
	"github.com/kairos-io/ykfde/challenge"
	"github.com/kairos-io/ykfde/config"
	"github.com/kairos-io/ykfde/response"
	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/types"
	"github.com/mudler/go-pluggable"
)

// Authorizer supplies an already enrolled passphrase when a new keyslot
// has to be added. The caller owns the returned buffer.
type Authorizer interface {
	Passphrase(ctx context.Context, device string, slot int) (*secret.Buffer, error)
}

type AuthorizerFunc func(ctx context.Context, device string, slot int) (*secret.Buffer, error)

func (f AuthorizerFunc) Passphrase(ctx context.Context, device string, slot int) (*secret.Buffer, error) {
	return f(ctx, device, slot)
}

// Notifier publishes events after a rotation. *bus.Bus implements it.
type Notifier interface {
	Notify(event pluggable.EventType, payload interface{}) error
}

var errNoAuthorizer = errors.New("keyslot is free and no passphrase source was given")

type RotateOptions struct {
	Target config.Target
	// CurrentFactor derives the passphrase enrolled now, NewFactor the one
	// replacing it. Either may be nil.
	CurrentFactor *secret.Buffer
	NewFactor     *secret.Buffer
	Authorizer    Authorizer
}

type Rotator struct {
	Store     *challenge.Store
	Engine    *response.Engine
	Volumes   VolumeManager
	Generator challenge.Generator
	Hooks     Notifier
	Logger    types.Logger
}

func stepErr(step Step, err error) error {
	return &StepError{Step: step, Err: err}
}

// Rotate binds the configured keyslot to a fresh challenge. The new
// challenge only becomes the committed one after the keyslot accepted the
// passphrase derived from it; on any earlier failure the committed
// challenge and the keyslot are left as they were.
func (r *Rotator) Rotate(ctx context.Context, opts RotateOptions) (err error) {
	t := opts.Target
	log := r.Logger.Logger.With().Uint32("serial", t.Serial).Str("device", t.DeviceName).Int("slot", t.LUKSSlot).Logger()

	if err := t.Validate(); err != nil {
		return err
	}

	c, stats, err := r.Generator.Generate()
	if err != nil {
		return stepErr(StepGenerate, err)
	}
	defer c.Close()
	if stats.Weak > 0 {
		log.Warn().Int("strong", stats.Strong).Int("weak", stats.Weak).Msg("Entropy pool not ready, challenge partly from fallback generator")
	} else {
		log.Debug().Int("strong", stats.Strong).Msg("Generated challenge")
	}

	tmp, err := r.Store.BeginReplace(t.Serial)
	if err != nil {
		return stepErr(StepWriteChallenge, err)
	}
	// the keyslot may already hold the new passphrase when committing fails,
	// the temporary file is then the only copy of the matching challenge
	keep := false
	defer func() {
		if err == nil {
			return
		}
		if keep {
			log.Error().Str("file", tmp.Name()).Msg("Keyslot was updated but the challenge was not committed, move the file into place manually")
			return
		}
		if derr := tmp.Discard(); derr != nil {
			log.Warn().Err(derr).Str("file", tmp.Name()).Msg("Could not remove temporary challenge")
		}
	}()

	if err := tmp.Write(c); err != nil {
		return stepErr(StepWriteChallenge, err)
	}
	if err := tmp.Sync(); err != nil {
		return stepErr(StepWriteChallenge, err)
	}

	newPass, err := r.Engine.Respond(ctx, c, opts.NewFactor, t.YKSlot, t.Serial)
	if err != nil {
		return stepErr(StepNewResponse, err)
	}
	defer newPass.Close()

	status, err := r.Volumes.Status(ctx, t.DeviceName)
	if err != nil {
		return stepErr(StepVolumeStatus, err)
	}
	if status != VolumeActive && status != VolumeBusy {
		return stepErr(StepVolumeStatus, fmt.Errorf("%w: %s is %s", ErrVolumeNotActive, t.DeviceName, status))
	}

	ks, err := r.Volumes.KeyslotStatus(ctx, t.DeviceName, t.LUKSSlot)
	if err != nil {
		return stepErr(StepKeyslotStatus, err)
	}
	log.Debug().Str("state", ks.String()).Msg("Keyslot state")

	switch ks {
	case KeyslotActive, KeyslotActiveLast:
		old, err := r.Store.Read(t.Serial)
		if err != nil {
			return stepErr(StepReadChallenge, err)
		}
		defer old.Close()

		oldPass, err := r.Engine.Respond(ctx, old, opts.CurrentFactor, t.YKSlot, t.Serial)
		if err != nil {
			return stepErr(StepOldResponse, err)
		}
		defer oldPass.Close()

		if err := r.Volumes.ChangeKey(ctx, t.DeviceName, t.LUKSSlot, oldPass, newPass); err != nil {
			return stepErr(StepChangeKey, err)
		}
	case KeyslotInactive:
		if opts.Authorizer == nil {
			return stepErr(StepAuthorize, errNoAuthorizer)
		}
		existing, err := opts.Authorizer.Passphrase(ctx, t.DeviceName, t.LUKSSlot)
		if err != nil {
			return stepErr(StepAuthorize, err)
		}
		defer existing.Close()

		if err := r.Volumes.AddKey(ctx, t.DeviceName, t.LUKSSlot, existing, newPass); err != nil {
			return stepErr(StepAddKey, err)
		}
	default:
		return stepErr(StepKeyslotStatus, fmt.Errorf("%w: slot %d", ErrKeyslotInvalid, t.LUKSSlot))
	}

	keep = true
	if err := tmp.Commit(); err != nil {
		return stepErr(StepCommit, err)
	}
	log.Info().Msg("Challenge rotated")

	// the volume manager already confirmed the change, the committed
	// challenge stays whatever Verify reports
	if v, ok := r.Volumes.(Verifier); ok {
		if verr := v.Verify(ctx, t.DeviceName, t.LUKSSlot, newPass); verr != nil {
			log.Warn().Err(verr).Msg("Could not verify the new passphrase, check the keyslot with cryptsetup open --test-passphrase")
		}
	}

	if r.Hooks != nil {
		if herr := r.Hooks.Notify(bus.EventChallengeRotated, bus.RotatedPayload{
			Serial:       t.Serial,
			LUKSSlot:     t.LUKSSlot,
			Device:       t.DeviceName,
			ChallengeDir: r.Store.Dir(),
		}); herr != nil {
			log.Warn().Err(herr).Msg("Post rotation hooks failed")
		}
	}
	return nil
}
