// Package challenge stores the per token challenge blobs.
//
// A committed challenge lives at <dir>/challenge-<serial>. A replacement is
// first written and synced to a uniquely named sibling and only then renamed
// over the canonical name, so readers never see a partial file and a crash
// at any point leaves the previous challenge in place.
package challenge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/types"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotFound means no challenge was committed for the serial.
	ErrNotFound = errors.New("challenge not found")
	// ErrCorrupt means the committed file does not hold exactly one challenge.
	ErrCorrupt = errors.New("challenge file has wrong size")
)

type Store struct {
	fs     types.FS
	dir    string
	logger types.Logger
}

func NewStore(fsys types.FS, dir string, logger types.Logger) *Store {
	return &Store{fs: fsys, dir: dir, logger: logger}
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the canonical challenge path for serial.
func (s *Store) Path(serial uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d", constants.ChallengePrefix, serial))
}

// Read loads the committed challenge for serial. The caller owns the
// returned buffer.
func (s *Store) Read(serial uint32) (*secret.Buffer, error) {
	path := s.Path(serial)
	data, err := s.fs.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading challenge %s: %w", path, err)
	}
	if len(data) != constants.ChallengeLen {
		secret.Zero(data)
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrCorrupt, path, len(data), constants.ChallengeLen)
	}

	return secret.NewFromBytes(data)
}

// List returns the serials that have a committed challenge.
func (s *Store) List() ([]uint32, error) {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var serials []uint32
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, constants.ChallengePrefix) {
			continue
		}
		// temporary files carry an extra suffix and do not parse
		serial, err := strconv.ParseUint(strings.TrimPrefix(name, constants.ChallengePrefix), 10, 32)
		if err != nil {
			continue
		}
		serials = append(serials, uint32(serial))
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	return serials, nil
}

// BeginReplace creates a temporary challenge file next to the canonical
// one. The caller must Commit or Discard it.
func (s *Store) BeginReplace(serial uint32) (*TempFile, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating temporary name: %w", err)
	}
	name := fmt.Sprintf("%s-%s", s.Path(serial), id.String())

	f, err := s.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, constants.ChallengePerm)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", name, err)
	}

	s.logger.Logger.Debug().Str("file", name).Uint32("serial", serial).Msg("Created temporary challenge file")
	return &TempFile{store: s, serial: serial, name: name, f: f}, nil
}

// TempFile is a challenge that has not been committed yet.
type TempFile struct {
	store     *Store
	serial    uint32
	name      string
	f         *os.File
	written   bool
	committed bool
	discarded bool
}

func (t *TempFile) Name() string {
	return t.name
}

// Write stores the whole challenge in the temporary file.
func (t *TempFile) Write(c *secret.Buffer) error {
	if t.f == nil {
		return fmt.Errorf("temporary challenge %s is closed", t.name)
	}
	data := c.Bytes()
	if len(data) != constants.ChallengeLen {
		return fmt.Errorf("refusing to write %d byte challenge", len(data))
	}
	n, err := t.f.Write(data)
	if err != nil {
		return fmt.Errorf("writing %s: %w", t.name, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write to %s: %d of %d bytes", t.name, n, len(data))
	}
	t.written = true
	return nil
}

// Sync flushes the temporary file to stable storage.
func (t *TempFile) Sync() error {
	if t.f == nil {
		return fmt.Errorf("temporary challenge %s is closed", t.name)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", t.name, err)
	}
	return nil
}

// Commit makes the temporary file the committed challenge. When a previous
// challenge exists both names are swapped atomically and the old content is
// then unlinked from the temporary name.
func (t *TempFile) Commit() error {
	if t.committed {
		return nil
	}
	if t.discarded || t.f == nil {
		return fmt.Errorf("temporary challenge %s was discarded", t.name)
	}
	if !t.written {
		return fmt.Errorf("temporary challenge %s is empty", t.name)
	}

	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", t.name, err)
	}
	if err := t.f.Close(); err != nil {
		t.f = nil
		return fmt.Errorf("closing %s: %w", t.name, err)
	}
	t.f = nil

	s := t.store
	target := s.Path(t.serial)

	_, err := s.fs.Stat(target)
	switch {
	case err == nil:
		exchanged, err := t.exchange(target)
		if err != nil {
			return err
		}
		t.committed = true
		if exchanged {
			if err := s.fs.Remove(t.name); err != nil {
				s.logger.Logger.Warn().Err(err).Str("file", t.name).Msg("Could not remove previous challenge")
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := s.fs.Rename(t.name, target); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", t.name, target, err)
		}
		t.committed = true
	default:
		return fmt.Errorf("checking %s: %w", target, err)
	}

	if err := s.syncDir(); err != nil {
		s.logger.Logger.Warn().Err(err).Str("dir", s.dir).Msg("Could not sync challenge directory")
	}

	s.logger.Logger.Debug().Str("file", target).Uint32("serial", t.serial).Msg("Committed challenge")
	return nil
}

// exchange swaps the temporary and canonical files. It reports false when
// the filesystem does not support RENAME_EXCHANGE and a plain rename was
// done instead.
func (t *TempFile) exchange(target string) (bool, error) {
	s := t.store
	rawTmp, err := s.fs.RawPath(t.name)
	if err != nil {
		return false, err
	}
	rawTarget, err := s.fs.RawPath(target)
	if err != nil {
		return false, err
	}

	err = unix.Renameat2(unix.AT_FDCWD, rawTmp, unix.AT_FDCWD, rawTarget, unix.RENAME_EXCHANGE)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOSYS) {
		return false, fmt.Errorf("exchanging %s and %s: %w", t.name, target, err)
	}

	s.logger.Logger.Debug().Err(err).Msg("RENAME_EXCHANGE unsupported, falling back to rename")
	if err := s.fs.Rename(t.name, target); err != nil {
		return false, fmt.Errorf("renaming %s to %s: %w", t.name, target, err)
	}
	return false, nil
}

// Discard closes and removes the temporary file. It does nothing after a
// successful Commit.
func (t *TempFile) Discard() error {
	if t.committed || t.discarded {
		return nil
	}
	t.discarded = true

	var result error
	if t.f != nil {
		if err := t.f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		t.f = nil
	}
	if err := t.store.fs.Remove(t.name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		result = multierror.Append(result, err)
	}
	if result == nil {
		t.store.logger.Logger.Debug().Str("file", t.name).Msg("Discarded temporary challenge")
	}
	return result
}

func (s *Store) syncDir() error {
	d, err := s.fs.OpenFile(s.dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
