// ykfde-2f reads the second factor at boot, caches it in the kernel
// keyring and wakes ykfde-worker so it can answer the passphrase request.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/keyring"
	"github.com/kairos-io/ykfde/utils"
	"github.com/kairos-io/ykfde/worker"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
)

var (
	pidFileFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "pid-file",
		Value: constants.WorkerPIDFile,
		Usage: "the PID file of the running ykfde-worker",
	}

	ttlFlag *cli.DurationFlag = &cli.DurationFlag{
		Name:  "ttl",
		Value: constants.KeyringTTL,
		Usage: "how long the kernel keeps the second factor",
	}
)

func main() {
	app := &cli.App{
		Name:  "ykfde-2f",
		Usage: "hand the second factor to ykfde-worker",
		Flags: []cli.Flag{pidFileFlag, ttlFlag},
		Action: func(cCtx *cli.Context) error {
			sf, err := utils.ReadSecret("YubiKey second factor")
			if err != nil {
				return err
			}
			defer sf.Close()

			if err := keyring.NewKernel().Store(constants.SecondFactorKey, sf, cCtx.Duration(ttlFlag.Name)); err != nil {
				return err
			}

			err = worker.Wake(cCtx.String(pidFileFlag.Name))
			if errors.Is(err, os.ErrNotExist) {
				pterm.Warning.Println("ykfde-worker is not running, the second factor is cached for its next run")
				return nil
			}
			if err != nil {
				return fmt.Errorf("waking ykfde-worker: %w", err)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
