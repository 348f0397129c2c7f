package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kairos-io/ykfde/constants"
	"golang.org/x/sys/unix"
)

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), constants.FilePerm)
}

// ReadPID returns the process id stored in a worker PID file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

// Wake tells a waiting worker to retry right away, usually because a
// second factor was just stored in the keyring.
func Wake(pidFile string) error {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return err
	}
	if err := unix.Kill(pid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("signalling worker %d: %w", pid, err)
	}
	return nil
}
