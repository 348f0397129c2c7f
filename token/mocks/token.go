// Package mocks provides an in memory token computing the same HMAC-SHA1
// challenge-response as a programmed YubiKey slot.
package mocks

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/token"
)

type Token struct {
	SerialNumber uint32
	Keys         map[token.Slot][]byte
	// Err makes every challenge-response fail.
	Err error

	mu         sync.Mutex
	challenges [][]byte
	closed     int
}

// New returns a token with distinct fixed keys in both slots.
func New(serial uint32) *Token {
	return &Token{
		SerialNumber: serial,
		Keys: map[token.Slot][]byte{
			token.Slot1: []byte("slot-one-hmac-secret"),
			token.Slot2: []byte("slot-two-hmac-secret"),
		},
	}
}

func (t *Token) Serial(context.Context) (uint32, error) {
	return t.SerialNumber, nil
}

func (t *Token) ChallengeResponse(_ context.Context, slot token.Slot, challenge *secret.Buffer) (*secret.Buffer, error) {
	t.mu.Lock()
	t.challenges = append(t.challenges, append([]byte(nil), challenge.Bytes()...))
	t.mu.Unlock()

	if t.Err != nil {
		return nil, t.Err
	}
	key, ok := t.Keys[slot]
	if !ok {
		return nil, fmt.Errorf("slot %s is not programmed", slot)
	}
	mac := hmac.New(sha1.New, key)
	mac.Write(challenge.Bytes())
	return secret.NewFromBytes(mac.Sum(nil))
}

func (t *Token) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

// Challenges returns every challenge the token was asked about.
func (t *Token) Challenges() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.challenges...)
}

func (t *Token) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Opener always hands out t.
func (t *Token) Opener() token.Opener {
	return func(context.Context) (token.Token, error) {
		return t, nil
	}
}

// Absent is an Opener for a machine with no token attached.
func Absent() token.Opener {
	return func(context.Context) (token.Token, error) {
		return nil, token.ErrNoToken
	}
}
