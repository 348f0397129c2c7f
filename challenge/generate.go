package challenge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/secret"
	"golang.org/x/sys/unix"
)

// GenerateStats records where the challenge bytes came from.
type GenerateStats struct {
	Strong int
	Weak   int
}

// Generator produces fresh challenges. Strong is tried first and may
// return short; whatever it leaves unfilled is read from Weak. The zero
// value reads getrandom(2) without blocking and falls back to a time seeded
// ChaCha8 stream when the entropy pool is not ready yet.
type Generator struct {
	Strong func(p []byte) (int, error)
	Weak   io.Reader
}

var DefaultGenerator = Generator{}

// Generate returns a new challenge of printable ASCII bytes using
// DefaultGenerator.
func Generate() (*secret.Buffer, GenerateStats, error) {
	return DefaultGenerator.Generate()
}

func (g Generator) Generate() (*secret.Buffer, GenerateStats, error) {
	var stats GenerateStats

	b, err := secret.New(constants.ChallengeLen)
	if err != nil {
		return nil, stats, err
	}
	raw := b.Bytes()

	strong := g.Strong
	if strong == nil {
		strong = getrandom
	}
	for stats.Strong < len(raw) {
		n, err := strong(raw[stats.Strong:])
		if n > 0 {
			stats.Strong += n
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n <= 0 {
			break
		}
	}

	if stats.Strong < len(raw) {
		weak := g.Weak
		if weak == nil {
			weak = weakSource()
		}
		n, err := io.ReadFull(weak, raw[stats.Strong:])
		stats.Weak = n
		if err != nil {
			_ = b.Close()
			return nil, stats, fmt.Errorf("reading fallback random source: %w", err)
		}
	}

	// limit to printable ASCII, 32 up to 125
	for i := range raw {
		raw[i] = 32 + raw[i]%(126-32)
	}

	return b, stats, nil
}

func getrandom(p []byte) (int, error) {
	return unix.Getrandom(p, unix.GRND_NONBLOCK)
}

func weakSource() io.Reader {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[0:], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(seed[8:], uint64(os.Getpid()))
	binary.LittleEndian.PutUint64(seed[16:], uint64(time.Now().Unix()))
	return rand.NewChaCha8(seed)
}
