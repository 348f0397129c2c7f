// Package worker answers the boot time disk passphrase request with the
// response of the attached token.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/avast/retry-go"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/ykfde/askpass"
	"github.com/kairos-io/ykfde/challenge"
	"github.com/kairos-io/ykfde/config"
	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/keyring"
	"github.com/kairos-io/ykfde/response"
	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/types"
	"golang.org/x/sys/unix"
)

type Outcome int

const (
	// OutcomeFailed means the worker could not run at all.
	OutcomeFailed Outcome = iota
	OutcomeAnswered
	// OutcomeCached means no request was answered but the passphrase is in
	// the keyring for systemd-cryptsetup to pick up.
	OutcomeCached
	// OutcomeNothingToDo means no token or no challenge for it.
	OutcomeNothingToDo
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAnswered:
		return "answered"
	case OutcomeCached:
		return "cached"
	case OutcomeNothingToDo:
		return "nothing to do"
	case OutcomeTimedOut:
		return "timed out"
	default:
		return "failed"
	}
}

// ExitCode maps the outcome to the process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeAnswered, OutcomeCached, OutcomeNothingToDo:
		return 0
	default:
		return 1
	}
}

type Worker struct {
	Open    token.Opener
	Store   *challenge.Store
	Keyring keyring.Cache
	Config  *config.Config
	Client  *askpass.Client
	Logger  types.Logger

	AskDir  string
	PIDFile string
	Timeout time.Duration

	// OpenAttempts and OpenDelay bound the wait for the token to show up
	// on the bus.
	OpenAttempts uint
	OpenDelay    time.Duration

	// Notify reports state to the service manager, sd_notify by default.
	Notify func(state string)
}

func New(logger types.Logger) *Worker {
	return &Worker{
		Logger:       logger,
		AskDir:       constants.AskDir,
		PIDFile:      constants.WorkerPIDFile,
		Timeout:      constants.WorkerTimeout,
		OpenAttempts: 5,
		OpenDelay:    time.Second,
	}
}

func (w *Worker) notify(state string) {
	if w.Notify != nil {
		w.Notify(state)
		return
	}
	if _, err := daemon.SdNotify(false, state); err != nil {
		w.Logger.Logger.Debug().Err(err).Msg("sd_notify failed")
	}
}

// Run performs one boot unlock. It always removes the PID file and tells
// the service manager it is done before returning.
func (w *Worker) Run(ctx context.Context) (outcome Outcome, err error) {
	wake := make(chan os.Signal, 1)
	signal.Notify(wake, unix.SIGUSR1)
	defer signal.Stop(wake)

	w.notify("STATUS=Looking for token")
	defer func() {
		w.notify(fmt.Sprintf("READY=1\nSTATUS=%s", outcome))
	}()

	if err := writePIDFile(w.PIDFile); err != nil {
		return OutcomeFailed, fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if rerr := os.Remove(w.PIDFile); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierror.Append(err, rerr).ErrorOrNil()
		}
	}()

	serial, err := w.serial(ctx)
	if errors.Is(err, token.ErrNoToken) {
		w.Logger.Logger.Info().Msg("No token attached")
		return OutcomeNothingToDo, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	log := w.Logger.Logger.With().Uint32("serial", serial).Logger()

	c, err := w.Store.Read(serial)
	if errors.Is(err, challenge.ErrNotFound) {
		log.Info().Msg("No challenge for this token")
		return OutcomeNothingToDo, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	defer c.Close()

	target := w.Config.ForSerial(serial)
	engine := response.NewEngine(w.Open, w.Logger)

	requests, err := askpass.Watch(w.AskDir, w.Logger)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("watching %s: %w", w.AskDir, err)
	}
	defer requests.Close()

	w.notify("STATUS=Answering password requests")
	answered, cached := w.attempt(ctx, engine, requests, c, target)
	if answered {
		return OutcomeAnswered, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	woken := make(chan struct{})
	go func() {
		select {
		case <-wake:
			close(woken)
			cancel()
		case <-waitCtx.Done():
		}
	}()

	log.Info().Dur("timeout", w.Timeout).Bool("cached", cached).Msg("Waiting for a password request or a second factor")
	for {
		path, err := requests.Next(waitCtx)
		if err != nil {
			break
		}
		log.Debug().Str("request", path).Msg("Retrying for new request")
		a, ch := w.attempt(ctx, engine, requests, c, target)
		cached = cached || ch
		if a {
			return OutcomeAnswered, nil
		}
	}

	select {
	case <-woken:
		log.Info().Msg("Woken up by signal")
	default:
	}
	if ctx.Err() != nil {
		return OutcomeFailed, ctx.Err()
	}

	a, ch := w.attempt(ctx, engine, requests, c, target)
	switch {
	case a:
		return OutcomeAnswered, nil
	case cached || ch:
		return OutcomeCached, nil
	default:
		log.Warn().Msg("Gave up waiting")
		return OutcomeTimedOut, nil
	}
}

func (w *Worker) serial(ctx context.Context) (uint32, error) {
	var tok token.Token
	err := retry.Do(
		func() error {
			var err error
			tok, err = w.Open(ctx)
			return err
		},
		retry.Attempts(max(w.OpenAttempts, 1)),
		retry.Delay(w.OpenDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, token.ErrNoToken) }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			w.Logger.Logger.Debug().Uint("attempt", n+1).Err(err).Msg("Token not ready")
		}),
	)
	if err != nil {
		return 0, err
	}
	defer tok.Close()
	return tok.Serial(ctx)
}

// attempt derives the passphrase with whatever second factor is cached,
// stores it in the keyring and offers it to every pending request. With a
// second factor configured but none cached nothing is derived, a wrong
// passphrase would only burn a try.
func (w *Worker) attempt(ctx context.Context, engine *response.Engine, requests *askpass.Requests, c *secret.Buffer, target config.Target) (answered, cached bool) {
	log := w.Logger.Logger.With().Uint32("serial", target.Serial).Logger()

	sf, err := w.Keyring.Lookup(constants.SecondFactorKey)
	if err != nil {
		sf = nil
		if !errors.Is(err, keyring.ErrAbsent) {
			log.Debug().Err(err).Msg("Reading second factor failed")
		}
	}
	defer sf.Close()

	if sf == nil && target.SecondFactor {
		log.Info().Msg("Second factor required but not entered yet")
		return false, false
	}

	pass, err := engine.Respond(ctx, c, sf, target.YKSlot, target.Serial)
	if err != nil {
		log.Error().Err(err).Msg("Could not derive passphrase")
		return false, false
	}
	defer pass.Close()

	if err := w.Keyring.Store(constants.PassphraseKey, pass, constants.KeyringTTL); err != nil {
		log.Warn().Err(err).Msg("Could not cache passphrase in keyring")
	} else {
		cached = true
	}

	pending, err := requests.Pending()
	if err != nil {
		log.Warn().Err(err).Msg("Could not list password requests")
		return false, cached
	}
	for _, p := range pending {
		res, err := w.Client.TryAnswer(p, pass)
		if err != nil {
			log.Warn().Err(err).Str("request", p).Msg("Could not answer request")
			continue
		}
		if res == askpass.Answered {
			return true, cached
		}
	}
	return false, cached
}
