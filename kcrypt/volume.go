// Package kcrypt rotates the LUKS keyslot bound to a challenge-response
// token.
package kcrypt

import (
	"context"
	"errors"
	"fmt"

	"github.com/kairos-io/ykfde/secret"
)

type VolumeStatus int

const (
	VolumeInvalid VolumeStatus = iota
	VolumeInactive
	VolumeActive
	VolumeBusy
)

func (s VolumeStatus) String() string {
	switch s {
	case VolumeInactive:
		return "inactive"
	case VolumeActive:
		return "active"
	case VolumeBusy:
		return "busy"
	default:
		return "invalid"
	}
}

type KeyslotState int

const (
	KeyslotInvalid KeyslotState = iota
	KeyslotInactive
	KeyslotActive
	// KeyslotActiveLast is an active slot that is the only active one.
	KeyslotActiveLast
)

func (s KeyslotState) String() string {
	switch s {
	case KeyslotInactive:
		return "inactive"
	case KeyslotActive:
		return "active"
	case KeyslotActiveLast:
		return "active (last)"
	default:
		return "invalid"
	}
}

var (
	ErrVolumeNotActive = errors.New("volume is not active")
	ErrKeyslotInvalid  = errors.New("keyslot is invalid")
)

// VolumeManager reads and changes keyslots of an opened LUKS volume,
// addressed by its device mapper name.
type VolumeManager interface {
	Status(ctx context.Context, name string) (VolumeStatus, error)
	KeyslotStatus(ctx context.Context, name string, slot int) (KeyslotState, error)
	// ChangeKey replaces the passphrase of slot, which must accept old.
	ChangeKey(ctx context.Context, name string, slot int, old, new *secret.Buffer) error
	// AddKey enrolls new into the free slot, authorized by existing.
	AddKey(ctx context.Context, name string, slot int, existing, new *secret.Buffer) error
}

// Verifier is implemented by volume managers that can check, without
// changing anything, that slot accepts pass.
type Verifier interface {
	Verify(ctx context.Context, name string, slot int, pass *secret.Buffer) error
}

// Step names a stage of a rotation.
type Step string

const (
	StepGenerate       Step = "generate"
	StepWriteChallenge Step = "write-challenge"
	StepNewResponse    Step = "new-response"
	StepVolumeStatus   Step = "volume-status"
	StepKeyslotStatus  Step = "keyslot-status"
	StepReadChallenge  Step = "read-challenge"
	StepOldResponse    Step = "old-response"
	StepAuthorize      Step = "authorize"
	StepChangeKey      Step = "change-key"
	StepAddKey         Step = "add-key"
	StepCommit         Step = "commit"
)

// StepError tells which stage of a rotation failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
