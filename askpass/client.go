package askpass

import (
	"fmt"

	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/types"
	"golang.org/x/sys/unix"
)

type Result int

const (
	Failed Result = iota
	Answered
	// NotOurs is a request this agent must leave to others.
	NotOurs
)

func (r Result) String() string {
	switch r {
	case Answered:
		return "answered"
	case NotOurs:
		return "not ours"
	default:
		return "failed"
	}
}

type Client struct {
	Logger types.Logger
	// Now returns CLOCK_MONOTONIC in microseconds.
	Now func() uint64
}

func NewClient(logger types.Logger) *Client {
	return &Client{Logger: logger, Now: monotonicNow}
}

func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1_000_000 + uint64(ts.Nsec)/1_000
}

// TryAnswer sends pass to the request described by the ask file at path.
// Requests for something other than a disk passphrase, and expired ones,
// are left alone. The answer is sent once, there is no retry.
func (c *Client) TryAnswer(path string, pass *secret.Buffer) (Result, error) {
	req, err := ReadRequest(path)
	if err != nil {
		return Failed, err
	}

	log := c.Logger.Logger.With().Str("request", path).Logger()
	if !req.ForDisk() {
		log.Debug().Str("message", req.Message).Msg("Skipping request that is not for a disk")
		return NotOurs, nil
	}
	now := monotonicNow
	if c.Now != nil {
		now = c.Now
	}
	if req.Expired(now()) {
		log.Debug().Uint64("not_after", req.NotAfter).Msg("Skipping expired request")
		return NotOurs, nil
	}

	if req.Socket == "" {
		return Failed, fmt.Errorf("answering %s: no Socket in [%s] section", path, askSection)
	}
	if err := send(req.Socket, pass); err != nil {
		return Failed, fmt.Errorf("answering %s: %w", path, err)
	}
	log.Info().Str("message", req.Message).Msg("Answered password request")
	return Answered, nil
}

func send(socket string, pass *secret.Buffer) error {
	msg, err := secret.New(1 + pass.Len())
	if err != nil {
		return err
	}
	defer msg.Close()
	b := msg.Bytes()
	b[0] = '+'
	copy(b[1:], pass.Bytes())

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("creating socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Sendto(fd, b, unix.MSG_NOSIGNAL, &unix.SockaddrUnix{Name: socket}); err != nil {
		return fmt.Errorf("sending to %s: %w", socket, err)
	}
	return nil
}
