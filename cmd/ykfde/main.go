// ykfde binds a LUKS keyslot to the challenge-response of the attached
// YubiKey and rotates the stored challenge on every run.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/kairos-io/ykfde/bus"
	"github.com/kairos-io/ykfde/challenge"
	"github.com/kairos-io/ykfde/config"
	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/kcrypt"
	"github.com/kairos-io/ykfde/response"
	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/types"
	"github.com/kairos-io/ykfde/utils"
	"github.com/pterm/pterm"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
)

var (
	configFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "config",
		Value: constants.ConfigFile,
		Usage: "the configuration file",
	}

	challengeDirFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "challenge-dir",
		Value: constants.ChallengeDir,
		Usage: "the directory holding one challenge per token serial",
	}

	secondFactorFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "2nd-factor",
		Usage: "the second factor enrolled now (visible in the process list, prefer --ask-2nd-factor)",
	}

	askSecondFactorFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:  "ask-2nd-factor",
		Usage: "prompt for the second factor enrolled now",
	}

	newSecondFactorFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "new-2nd-factor",
		Usage: "the second factor to enroll, defaults to the current one",
	}

	askNewSecondFactorFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:  "ask-new-2nd-factor",
		Usage: "prompt for the second factor to enroll",
	}

	askPassphraseFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:  "ask-passphrase",
		Usage: "prompt for an existing passphrase when the keyslot is still free",
	}

	debugFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:    "debug",
		Aliases: []string{"d"},
		Usage:   "print debug logs",
	}
)

func newLogger(cCtx *cli.Context) types.Logger {
	level := "info"
	if cCtx.Bool(debugFlag.Name) {
		level = "debug"
	}
	return types.NewLogger("ykfde", level, !cCtx.Bool(debugFlag.Name))
}

// readFactor returns the second factor given by a value flag or an ask
// flag, nil when neither is set.
func readFactor(cCtx *cli.Context, value *cli.StringFlag, ask *cli.BoolFlag, prompt string) (*secret.Buffer, error) {
	if cCtx.Bool(ask.Name) {
		return utils.ReadSecret(prompt)
	}
	if v := cCtx.String(value.Name); v != "" {
		return secret.NewFromBytes([]byte(v))
	}
	return nil, nil
}

func factorGiven(cCtx *cli.Context, value *cli.StringFlag, ask *cli.BoolFlag) bool {
	return cCtx.Bool(ask.Name) || cCtx.IsSet(value.Name)
}

func rotate(cCtx *cli.Context) error {
	logger := newLogger(cCtx)
	defer logger.Close()
	ctx := cCtx.Context

	cfg, err := config.Load(cCtx.String(configFlag.Name), logger)
	if err != nil {
		return err
	}

	tokens := token.NewYkpers(logger)
	target, err := kcrypt.ResolveTarget(ctx, tokens.Opener(), cfg, logger)
	if errors.Is(err, config.ErrNoKeyslot) {
		printStanza(target.Serial)
		return err
	}
	if err != nil {
		return err
	}

	current, err := readFactor(cCtx, secondFactorFlag, askSecondFactorFlag, "Current second factor")
	if err != nil {
		return err
	}
	if current == nil && target.SecondFactor {
		if current, err = utils.ReadSecret("Current second factor"); err != nil {
			return err
		}
	}
	defer current.Close()

	var next *secret.Buffer
	if factorGiven(cCtx, newSecondFactorFlag, askNewSecondFactorFlag) {
		next, err = readFactor(cCtx, newSecondFactorFlag, askNewSecondFactorFlag, "New second factor")
	} else if current != nil {
		next, err = current.Clone()
	}
	if err != nil {
		return err
	}
	defer next.Close()

	opts := kcrypt.RotateOptions{
		Target:        target,
		CurrentFactor: current,
		NewFactor:     next,
	}
	if cCtx.Bool(askPassphraseFlag.Name) {
		opts.Authorizer = kcrypt.AuthorizerFunc(func(_ context.Context, device string, slot int) (*secret.Buffer, error) {
			return utils.ReadSecret(fmt.Sprintf("Existing passphrase for %s", device))
		})
	}

	hooks := bus.NewBus()
	hooks.Initialize(bus.WithLogger(logger))

	r := &kcrypt.Rotator{
		Store:     challenge.NewStore(vfs.OSFS, cCtx.String(challengeDirFlag.Name), logger),
		Engine:    response.NewEngine(tokens.Opener(), logger),
		Volumes:   kcrypt.NewCryptsetup(logger),
		Generator: challenge.DefaultGenerator,
		Hooks:     hooks,
		Logger:    logger,
	}
	if err := r.Rotate(ctx, opts); err != nil {
		var stepErr *kcrypt.StepError
		if errors.As(err, &stepErr) && stepErr.Step == kcrypt.StepAuthorize && !cCtx.Bool(askPassphraseFlag.Name) {
			pterm.Info.Printfln("Keyslot %d is free, run again with --%s to enroll it", target.LUKSSlot, askPassphraseFlag.Name)
		}
		return err
	}

	pterm.Success.Printfln("Rotated challenge for token %d, keyslot %d of %s", target.Serial, target.LUKSSlot, target.DeviceName)
	return nil
}

func printStanza(serial uint32) {
	stanza, err := config.Stanza(serial, 1)
	if err != nil {
		return
	}
	pterm.Warning.Printfln("No keyslot configured for token %d, add this to the configuration file and adjust the slot:", serial)
	fmt.Print(stanza)
}

func status(cCtx *cli.Context) error {
	logger := newLogger(cCtx)
	defer logger.Close()
	ctx := cCtx.Context

	cfg, err := config.Load(cCtx.String(configFlag.Name), logger)
	if err != nil {
		return err
	}
	tokens := token.NewYkpers(logger)
	target, err := kcrypt.ResolveTarget(ctx, tokens.Opener(), cfg, logger)
	if err != nil && !errors.Is(err, config.ErrNoKeyslot) && !errors.Is(err, config.ErrNoDevice) {
		return err
	}

	store := challenge.NewStore(vfs.OSFS, cCtx.String(challengeDirFlag.Name), logger)
	enrolled := "no"
	if c, err := store.Read(target.Serial); err == nil {
		enrolled = "yes"
		_ = c.Close()
	} else if !errors.Is(err, challenge.ErrNotFound) {
		enrolled = err.Error()
	}

	luksSlot, volume, keyslot := "-", "-", "-"
	if target.DeviceName != "" {
		volumes := kcrypt.NewCryptsetup(logger)
		if s, err := volumes.Status(ctx, target.DeviceName); err == nil {
			volume = s.String()
		} else {
			volume = err.Error()
		}
		if target.HasLUKSSlot {
			luksSlot = strconv.Itoa(target.LUKSSlot)
			if s, err := volumes.KeyslotStatus(ctx, target.DeviceName, target.LUKSSlot); err == nil {
				keyslot = s.String()
			} else {
				keyslot = err.Error()
			}
		}
	}

	return pterm.DefaultTable.WithData(pterm.TableData{
		{"Token serial", strconv.FormatUint(uint64(target.Serial), 10)},
		{"Token slot", target.YKSlot.String()},
		{"Second factor", strconv.FormatBool(target.SecondFactor)},
		{"Challenge", enrolled},
		{"Device", target.DeviceName},
		{"Volume", volume},
		{"Keyslot", luksSlot},
		{"Keyslot state", keyslot},
	}).Render()
}

func main() {
	app := &cli.App{
		Name:  "ykfde",
		Usage: "rotate the YubiKey challenge bound to a LUKS keyslot",
		Flags: []cli.Flag{
			configFlag, challengeDirFlag, secondFactorFlag, askSecondFactorFlag,
			newSecondFactorFlag, askNewSecondFactorFlag, askPassphraseFlag, debugFlag,
		},
		Action: rotate,
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "shows the token, its configuration and the keyslot state",
				Flags:  []cli.Flag{configFlag, challengeDirFlag, debugFlag},
				Action: status,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
