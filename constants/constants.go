// Package constants This file contains all the constants that can be reused across the project
package constants

import "time"

const (
	// ConfigFile is the default configuration path.
	ConfigFile = "/etc/ykfde.yaml"

	// ChallengeDir holds one committed challenge per token serial.
	ChallengeDir = "/etc/ykfde.d"

	// ChallengePrefix is the filename prefix of committed and temporary challenge files.
	ChallengePrefix = "challenge-"

	// ChallengeLen is the size of a challenge, one HMAC-SHA1 block.
	ChallengeLen = 64

	// ResponseLen is the size of an HMAC-SHA1 digest.
	ResponseLen = 20

	// PassphraseLen is the hex encoded ResponseLen.
	PassphraseLen = ResponseLen * 2

	// AskDir is where systemd-ask-password drops its requests.
	AskDir = "/run/systemd/ask-password"

	// AskFilePrefix is the prefix of request files in AskDir.
	AskFilePrefix = "ask."

	// AskMessage is the message prefix of requests for LUKS volumes.
	AskMessage = "Please enter passphrase for disk"

	// WorkerPIDFile is written by the boot worker so ykfde-2f can signal it.
	WorkerPIDFile = "/run/ykfde-worker.pid"

	// SecondFactorKey is the keyring description of the cached second factor.
	SecondFactorKey = "ykfde-2f"

	// PassphraseKey is the keyring description systemd-cryptsetup reads cached passwords from.
	PassphraseKey = "cryptsetup"

	// KeyringTTL is how long the kernel keeps cached secrets.
	KeyringTTL = 150 * time.Second

	// WorkerTimeout bounds how long the worker waits for a request or a second factor.
	WorkerTimeout = 90 * time.Second

	FilePerm      = 0644
	ChallengePerm = 0400
)
