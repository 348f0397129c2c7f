// Package askpass answers systemd password requests.
//
// Password agents watch /run/systemd/ask-password for ask.* files. Each
// file describes one request and names the datagram socket the answer has
// to be sent to. See systemd's PASSWORD_AGENTS documentation.
package askpass

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kairos-io/ykfde/constants"
)

const askSection = "Ask"

// Request is one parsed ask.* file.
type Request struct {
	Path    string
	Message string
	Socket  string
	ID      string
	Icon    string
	PID     int
	// NotAfter is a CLOCK_MONOTONIC deadline in microseconds, zero if none.
	NotAfter     uint64
	AcceptCached bool
	Echo         bool
}

// ReadRequest parses the ask file at path.
func ReadRequest(path string) (*Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	req, err := ParseRequest(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	req.Path = path
	return req, nil
}

// ParseRequest reads the [Ask] section of an ask file. Other sections and
// unknown keys are ignored. A missing Socket is not an error here, only
// requests this agent answers need one.
func ParseRequest(r io.Reader) (*Request, error) {
	req := &Request{}
	section := ""
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		if section != askSection {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "Message":
			req.Message = value
		case "Socket":
			req.Socket = value
		case "Id":
			req.ID = value
		case "Icon":
			req.Icon = value
		case "PID":
			req.PID, err = strconv.Atoi(value)
		case "NotAfter":
			req.NotAfter, err = strconv.ParseUint(value, 10, 64)
		case "AcceptCached":
			req.AcceptCached = parseBool(value)
		case "Echo":
			req.Echo = parseBool(value)
		}
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "yes", "true", "on":
		return true
	}
	return false
}

// ForDisk reports whether the request asks for a disk passphrase.
func (r *Request) ForDisk() bool {
	return strings.HasPrefix(r.Message, constants.AskMessage)
}

// Expired reports whether NotAfter lies before now, both in monotonic
// microseconds.
func (r *Request) Expired(now uint64) bool {
	return r.NotAfter != 0 && now > r.NotAfter
}
