package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Command describes one external program invocation. Secrets are passed
// through Stdin and ExtraFiles, never through Args, so they do not show up
// in /proc/<pid>/cmdline. ExtraFiles[i] is readable by the child as
// /dev/fd/<3+i>.
type Command struct {
	Name       string
	Args       []string
	Stdin      []byte
	ExtraFiles [][]byte
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs external commands. Tests swap it with a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (stdout []byte, err error)
}

// ExitError is returned by Runner implementations when the command ran and
// exited with a non zero status.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.Code, strings.TrimSpace(e.Stderr))
}

// ExitCode returns the exit status carried by err, or -1 if err does not
// come from a finished command.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var writers []*os.File
	for range c.ExtraFiles {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(cmd.ExtraFiles...)
			closeAll(writers...)
			return nil, fmt.Errorf("creating pipe: %w", err)
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, r)
		writers = append(writers, w)
	}

	if err := cmd.Start(); err != nil {
		closeAll(cmd.ExtraFiles...)
		closeAll(writers...)
		return nil, err
	}
	// The child holds its own copies now.
	closeAll(cmd.ExtraFiles...)

	var feedErr error
	for i, w := range writers {
		if _, err := io.Copy(w, bytes.NewReader(c.ExtraFiles[i])); err != nil {
			feedErr = multierror.Append(feedErr, fmt.Errorf("writing fd %d: %w", 3+i, err))
		}
		if err := w.Close(); err != nil {
			feedErr = multierror.Append(feedErr, err)
		}
	}

	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), &ExitError{Command: c.Name, Code: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	if err != nil {
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), feedErr
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
