package types

import (
	"io"
	"net"

	"github.com/rs/zerolog/journald"
)

var journalSocket = "/run/systemd/journal/socket"

func isJournaldAvailable() bool {
	conn, err := net.Dial("unixgram", journalSocket)
	if err != nil {
		return false
	}
	defer conn.Close()
	return true
}

func getJournaldWriter() io.Writer {
	return journald.NewJournalDWriter()
}
