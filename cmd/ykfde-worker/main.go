// ykfde-worker answers the boot time LUKS passphrase request with the
// response of the attached YubiKey.
package main

import (
	"os"
	"os/signal"

	"github.com/kairos-io/ykfde/askpass"
	"github.com/kairos-io/ykfde/challenge"
	"github.com/kairos-io/ykfde/config"
	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/keyring"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/types"
	"github.com/kairos-io/ykfde/worker"
	"github.com/pterm/pterm"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"
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

	askDirFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "ask-dir",
		Value: constants.AskDir,
		Usage: "the directory systemd drops password requests into",
	}

	pidFileFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "pid-file",
		Value: constants.WorkerPIDFile,
		Usage: "where to write the PID ykfde-2f signals",
	}

	timeoutFlag *cli.DurationFlag = &cli.DurationFlag{
		Name:  "timeout",
		Value: constants.WorkerTimeout,
		Usage: "how long to wait for a request or a second factor",
	}

	debugFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:    "debug",
		Aliases: []string{"d"},
		Usage:   "print debug logs",
	}
)

func main() {
	var outcome worker.Outcome

	app := &cli.App{
		Name:  "ykfde-worker",
		Usage: "answer the LUKS passphrase request at boot",
		Flags: []cli.Flag{configFlag, challengeDirFlag, askDirFlag, pidFileFlag, timeoutFlag, debugFlag},
		Action: func(cCtx *cli.Context) error {
			level := "info"
			if cCtx.Bool(debugFlag.Name) {
				level = "debug"
			}
			logger := types.NewLogger("ykfde-worker", level, true)
			defer logger.Close()

			// a broken configuration must not keep the disk locked when
			// the defaults would work
			cfg, err := config.Load(cCtx.String(configFlag.Name), logger)
			if err != nil {
				logger.Logger.Warn().Err(err).Msg("Ignoring configuration")
				cfg = &config.Config{}
			}

			ctx, stop := signal.NotifyContext(cCtx.Context, unix.SIGINT, unix.SIGTERM)
			defer stop()

			w := worker.New(logger)
			w.Open = token.NewYkpers(logger).Opener()
			w.Store = challenge.NewStore(vfs.OSFS, cCtx.String(challengeDirFlag.Name), logger)
			w.Keyring = keyring.NewKernel()
			w.Config = cfg
			w.Client = askpass.NewClient(logger)
			w.AskDir = cCtx.String(askDirFlag.Name)
			w.PIDFile = cCtx.String(pidFileFlag.Name)
			w.Timeout = cCtx.Duration(timeoutFlag.Name)

			outcome, err = w.Run(ctx)
			logger.Logger.Info().Str("outcome", outcome.String()).Msg("Worker done")
			return err
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	os.Exit(outcome.ExitCode())
}
