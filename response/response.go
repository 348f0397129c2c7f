// Package response derives the LUKS passphrase from a challenge, an
// optional second factor and the token.
package response

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/types"
)

// ErrSerialMismatch is returned when the attached token is not the one the
// challenge belongs to.
var ErrSerialMismatch = errors.New("token serial does not match")

type Engine struct {
	Open   token.Opener
	Logger types.Logger
}

func NewEngine(open token.Opener, logger types.Logger) *Engine {
	return &Engine{Open: open, Logger: logger}
}

// Mix returns a copy of challenge whose leading bytes are replaced by the
// second factor. At most half of the challenge is overwritten, so the tail
// keeps its random content. A nil or empty factor leaves the copy intact.
func Mix(challenge, secondFactor *secret.Buffer) (*secret.Buffer, error) {
	mixed, err := challenge.Clone()
	if err != nil {
		return nil, err
	}
	if secondFactor != nil {
		sf := secondFactor.Bytes()
		n := min(len(sf), mixed.Len()/2)
		copy(mixed.Bytes()[:n], sf[:n])
	}
	return mixed, nil
}

// Respond runs the challenge-response against the token with the given
// serial and returns the hex encoded passphrase. The caller owns it.
func (e *Engine) Respond(ctx context.Context, challenge, secondFactor *secret.Buffer, slot token.Slot, serial uint32) (*secret.Buffer, error) {
	if challenge.Len() != constants.ChallengeLen {
		return nil, fmt.Errorf("challenge has %d bytes, want %d", challenge.Len(), constants.ChallengeLen)
	}

	mixed, err := Mix(challenge, secondFactor)
	if err != nil {
		return nil, err
	}
	defer mixed.Close()

	tok, err := e.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening token: %w", err)
	}
	defer tok.Close()

	got, err := tok.Serial(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading token serial: %w", err)
	}
	if got != serial {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrSerialMismatch, serial, got)
	}

	digest, err := tok.ChallengeResponse(ctx, slot, mixed)
	if err != nil {
		return nil, err
	}
	defer digest.Close()
	if digest.Len() != constants.ResponseLen {
		return nil, fmt.Errorf("token returned %d bytes, want %d", digest.Len(), constants.ResponseLen)
	}

	pass, err := secret.New(constants.PassphraseLen)
	if err != nil {
		return nil, err
	}
	hex.Encode(pass.Bytes(), digest.Bytes())

	e.Logger.Logger.Debug().Uint32("serial", serial).Int("slot", int(slot)).Bool("second_factor", secondFactor != nil && secondFactor.Len() > 0).Msg("Derived passphrase")
	return pass, nil
}
