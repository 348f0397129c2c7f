package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/kairos-io/ykfde/utils"
)

// Runner records every command and answers with SideEffect when set.
// Stdin and ExtraFiles are copied because callers pass secret buffers that
// are wiped right after the call.
type Runner struct {
	SideEffect func(cmd utils.Command) ([]byte, error)

	mu   sync.Mutex
	cmds []utils.Command
}

func NewRunner() *Runner {
	return &Runner{}
}

func (r *Runner) Run(_ context.Context, cmd utils.Command) ([]byte, error) {
	recorded := utils.Command{Name: cmd.Name, Args: append([]string(nil), cmd.Args...)}
	if cmd.Stdin != nil {
		recorded.Stdin = append([]byte(nil), cmd.Stdin...)
	}
	for _, f := range cmd.ExtraFiles {
		recorded.ExtraFiles = append(recorded.ExtraFiles, append([]byte(nil), f...))
	}

	r.mu.Lock()
	r.cmds = append(r.cmds, recorded)
	r.mu.Unlock()

	if r.SideEffect != nil {
		return r.SideEffect(cmd)
	}
	return []byte{}, nil
}

func (r *Runner) Commands() []utils.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]utils.Command(nil), r.cmds...)
}

// CmdsMatch reports whether the recorded command lines start with the
// given ones, in order.
func (r *Runner) CmdsMatch(expected []string) bool {
	cmds := r.Commands()
	if len(cmds) < len(expected) {
		return false
	}
	for i, e := range expected {
		if !strings.HasPrefix(cmds[i].String(), e) {
			return false
		}
	}
	return true
}
