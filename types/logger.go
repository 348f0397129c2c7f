package types

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// LogDir is where logs go when journald is not reachable, which is the
// common case inside the initramfs.
var LogDir = "/var/log/ykfde/"

// NewLogger creates a new logger with the given name and level.
// The level is used to set the log level, defaulting to info
// The log level can be overridden by setting the environment variable $NAME_DEBUG to any parseable value.
// If quiet is true, the logger will not log to the console.
// The caller must Close the logger to release the log file.
func NewLogger(name, level string, quiet bool) Logger {
	var loggers []io.Writer
	var fileLock *flock.Flock
	var logfile *os.File
	var err error

	journald := isJournaldAvailable()
	if journald {
		loggers = append(loggers, getJournaldWriter())
	} else {
		logFileName := filepath.Join(LogDir, fmt.Sprintf("%s.log", name))
		_ = os.MkdirAll(LogDir, os.ModeDir|0o750)

		logfile, err = os.OpenFile(logFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err == nil {
			fileLock = flock.New(logFileName + ".lock")
			loggers = append(loggers, zerolog.ConsoleWriter{
				Out:        &lockedWriter{w: logfile, lock: fileLock},
				TimeFormat: time.RFC3339,
				NoColor:    true,
			})
		}
	}

	if !quiet {
		loggers = append(loggers, zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
			w.TimeFormat = time.RFC3339
		}))
	}

	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		l = zerolog.InfoLevel
	}

	if os.Getenv(envName(name, "DEBUG")) != "" {
		l = zerolog.DebugLevel
	}
	if os.Getenv(envName(name, "TRACE")) != "" {
		l = zerolog.TraceLevel
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(loggers...)).With().Timestamp().Str("component", name)
	if !journald {
		// journald records the pid itself, the shared file does not
		ctx = ctx.Int("pid", os.Getpid())
	}

	return Logger{
		Logger:   ctx.Logger().Level(l),
		fileLock: fileLock,
		logFile:  logfile,
	}
}

// envName turns "ykfde-worker" into "YKFDE_WORKER_<suffix>".
func envName(name, suffix string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_" + suffix
}

func NewBufferLogger(b *bytes.Buffer) Logger {
	return Logger{
		Logger: zerolog.New(b).With().Timestamp().Logger().Level(zerolog.DebugLevel),
	}
}

func NewNullLogger() Logger {
	return Logger{
		Logger: zerolog.New(io.Discard),
	}
}

// Logger is a zerolog logger that also knows how to serialize writes to a
// shared log file when several ykfde processes run during the same boot.
type Logger struct {
	zerolog.Logger
	fileLock *flock.Flock
	logFile  *os.File
}

// Close releases the log file, if any.
func (m *Logger) Close() {
	if m.fileLock != nil {
		_ = m.fileLock.Lock()
		defer func() {
			_ = m.fileLock.Unlock()
			_ = m.fileLock.Close()
			m.fileLock = nil
		}()
	}

	if m.logFile != nil {
		_ = m.logFile.Close()
		m.logFile = nil
	}
}

// lockedWriter holds the file lock around every write, so lines from the
// worker and ykfde-2f never interleave in the same file.
type lockedWriter struct {
	w    io.Writer
	lock *flock.Flock
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	if err := l.lock.Lock(); err != nil {
		return 0, err
	}
	defer func() { _ = l.lock.Unlock() }()
	return l.w.Write(p)
}
