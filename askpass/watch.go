package askpass

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/types"
)

// Requests is the sequence of ask files in a directory. The watch is in
// place before the first enumeration, so a request created in between is
// seen by Next.
type Requests struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  types.Logger
}

// Watch starts watching dir for new requests.
func Watch(dir string, logger types.Logger) (*Requests, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Requests{dir: dir, watcher: w, logger: logger}, nil
}

func isAskFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), constants.AskFilePrefix)
}

// Pending lists the ask files present right now, sorted by name.
func (r *Requests) Pending() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isAskFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(r.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Next blocks until a new ask file shows up or ctx is done.
func (r *Requests) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return "", errors.New("request watch closed")
			}
			if !ev.Has(fsnotify.Create) || !isAskFile(ev.Name) {
				continue
			}
			r.logger.Logger.Debug().Str("request", ev.Name).Msg("New password request")
			return ev.Name, nil
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return "", errors.New("request watch closed")
			}
			return "", err
		}
	}
}

func (r *Requests) Close() error {
	return r.watcher.Close()
}
