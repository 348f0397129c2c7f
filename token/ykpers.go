package token

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/types"
	"github.com/kairos-io/ykfde/utils"
)

const (
	ykinfo     = "ykinfo"
	ykchalresp = "ykchalresp"
)

// Ykpers drives a YubiKey through the ykinfo and ykchalresp tools.
type Ykpers struct {
	Runner utils.Runner
	Logger types.Logger
}

func NewYkpers(logger types.Logger) *Ykpers {
	return &Ykpers{Runner: utils.ExecRunner{}, Logger: logger}
}

// Open checks that a key is attached and reads its serial.
func (y *Ykpers) Open(ctx context.Context) (Token, error) {
	out, err := y.Runner.Run(ctx, utils.Command{Name: ykinfo, Args: []string{"-s", "-q"}})
	if err != nil {
		if noKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoToken, err.Error())
		}
		return nil, fmt.Errorf("querying token: %w", err)
	}

	serial, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing serial %q: %w", strings.TrimSpace(string(out)), err)
	}

	y.Logger.Logger.Debug().Uint32("serial", uint32(serial)).Msg("Opened token")
	return &yubikey{y: y, serial: uint32(serial)}, nil
}

// Opener adapts Open to the Opener type.
func (y *Ykpers) Opener() Opener {
	return y.Open
}

func noKey(err error) bool {
	var exitErr *utils.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	msg := strings.ToLower(exitErr.Stderr)
	return strings.Contains(msg, "no yubikey present") || strings.Contains(msg, "no yubikey found")
}

type yubikey struct {
	y      *Ykpers
	serial uint32
}

func (k *yubikey) Serial(context.Context) (uint32, error) {
	return k.serial, nil
}

func (k *yubikey) ChallengeResponse(ctx context.Context, slot Slot, challenge *secret.Buffer) (*secret.Buffer, error) {
	out, err := k.y.Runner.Run(ctx, utils.Command{
		Name:  ykchalresp,
		Args:  []string{"-" + slot.String(), "-H", "-i", "-"},
		Stdin: challenge.Bytes(),
	})
	defer secret.Zero(out)
	if err != nil {
		if noKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoToken, err.Error())
		}
		return nil, fmt.Errorf("challenge-response on slot %s: %w", slot, err)
	}

	digest := bytes.TrimSpace(out)
	if len(digest) != hex.EncodedLen(constants.ResponseLen) {
		return nil, fmt.Errorf("unexpected response length %d from token", len(digest))
	}

	r, err := secret.New(constants.ResponseLen)
	if err != nil {
		return nil, err
	}
	if _, err := hex.Decode(r.Bytes(), digest); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	return r, nil
}

func (k *yubikey) Close() error {
	return nil
}
