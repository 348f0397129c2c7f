// Package bus runs external hooks on ykfde events.
//
// Hooks are executables named ykfde-hook-* found in the provider paths.
// They receive the event on stdin and answer with a JSON event response.
package bus

import (
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/ykfde/types"
	"github.com/mudler/go-pluggable"
)

const (
	defaultProviderPrefix = "ykfde-hook"
	defaultLogName        = "ykfde-bus"
)

var defaultProviderPaths = []string{"/usr/lib/ykfde/hooks", "/etc/ykfde/hooks"}

func NewBus(withEvents ...pluggable.EventType) *Bus {
	if len(withEvents) == 0 {
		withEvents = AllEvents
	}
	return &Bus{
		Manager: pluggable.NewManager(withEvents),
	}
}

type Bus struct {
	*pluggable.Manager
	registered     bool
	logger         *types.Logger // Fully override the logger
	logLevel       string        // Log level for the logger, defaults to "info" unless BUS_DEBUG is set to "true". This only valid if logger is not set.
	logName        string        // Name of the logger, defaults to "ykfde-bus". This only valid if logger is not set.
	providerPrefix string        // Prefix for hook executables, defaults to "ykfde-hook".
	providerPaths  []string      // Paths to search for hooks, defaults to the system hook dirs and the working directory.

	mu   sync.Mutex
	errs error
}

func (b *Bus) LoadProviders() {
	b.Autoload(b.providerPrefix, b.providerPaths...).Register()
}

func (b *Bus) Initialize(o ...Options) {
	if b.registered {
		return
	}

	for _, opt := range o {
		opt(b)
	}

	if b.providerPrefix == "" {
		b.providerPrefix = defaultProviderPrefix
	}

	if b.providerPaths == nil {
		wd, _ := os.Getwd()
		b.providerPaths = append(append([]string{}, defaultProviderPaths...), wd)
	}

	if b.logger == nil {
		if b.logLevel == "" {
			b.logLevel = "info"
		}

		if os.Getenv("BUS_DEBUG") == "true" {
			b.logLevel = "debug"
		}
		if b.logName == "" {
			b.logName = defaultLogName
		}
		l := types.NewLogger(b.logName, b.logLevel, true)
		b.logger = &l
	}

	b.LoadProviders()
	for i := range b.Events {
		e := b.Events[i]
		b.Response(e, func(p *pluggable.Plugin, r *pluggable.EventResponse) {
			b.logger.Logger.Debug().Str("from", p.Name).Str("at", p.Executable).Str("type", string(e)).Msg("Received event from hook")
			if r.Errored() {
				err := fmt.Errorf("%s: %s", p.Name, r.Error)
				b.logger.Logger.Error().Err(err).Str("from", p.Name).Str("at", p.Executable).Str("type", string(e)).Msg("Error in hook")
				b.mu.Lock()
				b.errs = multierror.Append(b.errs, err)
				b.mu.Unlock()
			}
			if r.State != "" {
				b.logger.Logger.Debug().Str("state", r.State).Str("from", p.Name).Str("at", p.Executable).Str("type", string(e)).Msg("Received event from hook")
			}
		})
	}
	b.registered = true
}

// Notify publishes event to every hook and returns the errors they
// reported, if any. It initializes the bus with defaults when needed.
func (b *Bus) Notify(event pluggable.EventType, payload interface{}) error {
	b.Initialize()

	b.mu.Lock()
	b.errs = nil
	b.mu.Unlock()

	if len(b.Plugins) == 0 {
		b.logger.Logger.Debug().Str("type", string(event)).Msg("No hooks installed")
		return nil
	}

	if _, err := b.Publish(event, payload); err != nil {
		return fmt.Errorf("publishing %s: %w", event, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs
}

type Options func(d *Bus)

// WithLogger allows to set a custom logger for the bus. If set, it will override the default logger.
func WithLogger(logger types.Logger) Options {
	return func(d *Bus) {
		d.logger = &logger
	}
}

// WithLoggerLevel allows to set the log level for the bus logger. If set, it will override the default log level.
func WithLoggerLevel(level string) Options {
	return func(d *Bus) {
		d.logLevel = level
	}
}

// WithLoggerName allows to set the name of the logger for the bus. If set, it will override the default logger name.
func WithLoggerName(name string) Options {
	return func(d *Bus) {
		d.logName = name
	}
}

// WithProviderPrefix allows to set the prefix for hook executables. If set, it will override the default prefix.
func WithProviderPrefix(prefix string) Options {
	return func(d *Bus) {
		d.providerPrefix = prefix
	}
}

// WithProviderPaths allows to set the paths to search for hooks. If set, it will override the default paths.
func WithProviderPaths(paths ...string) Options {
	return func(d *Bus) {
		d.providerPaths = paths
	}
}
