package utils

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kairos-io/ykfde/secret"
	"github.com/pterm/pterm"
	"golang.org/x/term"
)

// ReadSecret prompts on stderr and reads one line from stdin without
// echoing it. When stdin is not a terminal the line is read as is, so the
// tools can be scripted.
func ReadSecret(prompt string) (*secret.Buffer, error) {
	return readSecret(os.Stdin, prompt)
}

func readSecret(in *os.File, prompt string) (*secret.Buffer, error) {
	var line []byte
	var err error

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		pterm.Fprint(os.Stderr, pterm.LightCyan(prompt+": "))
		line, err = term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
	} else {
		line, err = bufio.NewReader(in).ReadBytes('\n')
		if errors.Is(err, io.EOF) && len(line) > 0 {
			err = nil
		}
		if n := len(line); n > 0 && line[n-1] == '\n' {
			line[n-1] = 0
			line = line[:n-1]
		}
	}
	defer secret.Zero(line)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", prompt, err)
	}
	if len(line) == 0 {
		return nil, fmt.Errorf("empty %s", prompt)
	}
	return secret.NewFromBytes(line)
}
