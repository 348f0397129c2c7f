// Package token talks to the hardware token that computes the
// HMAC-SHA1 challenge-response.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/kairos-io/ykfde/secret"
)

// ErrNoToken is returned by an Opener when no token is attached.
var ErrNoToken = errors.New("no token present")

// Slot is the token configuration slot holding the HMAC secret.
type Slot int

const (
	Slot1 Slot = 1
	Slot2 Slot = 2
)

// SlotFromInt maps a configured value to a slot, 2 unless 1 is asked for.
func SlotFromInt(n int) Slot {
	if n == 1 {
		return Slot1
	}
	return Slot2
}

func (s Slot) String() string {
	return fmt.Sprintf("%d", int(s))
}

// Token is an opened hardware token.
type Token interface {
	Serial(ctx context.Context) (uint32, error)
	// ChallengeResponse returns the raw 20 byte digest for challenge. The
	// caller owns the returned buffer.
	ChallengeResponse(ctx context.Context, slot Slot, challenge *secret.Buffer) (*secret.Buffer, error)
	Close() error
}

// Opener opens the first attached token.
type Opener func(ctx context.Context) (Token, error)
