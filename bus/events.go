package bus

import (
	"github.com/mudler/go-pluggable"
)

const (
	// EventChallengeRotated is issued after a new challenge was committed for
	// a token. Hooks typically rebuild the initramfs image that carries the
	// challenge files.
	EventChallengeRotated pluggable.EventType = "ykfde.challenge.rotated"
)

// EventResponseSuccess, EventResponseError and EventResponseNotApplicable are the possible responses to an event.
// Hooks can use whatever they want as a response but these constants keep them consistent.
const (
	EventResponseSuccess       = "success"
	EventResponseError         = "error"
	EventResponseNotApplicable = "non-applicable"
)

// RotatedPayload is sent with EventChallengeRotated.
type RotatedPayload struct {
	Serial       uint32 `json:"serial"`
	LUKSSlot     int    `json:"luks_slot"`
	Device       string `json:"device"`
	ChallengeDir string `json:"challenge_dir"`
}

// AllEvents is a convenience list of all the events streamed from the bus.
var AllEvents = []pluggable.EventType{
	EventChallengeRotated,
}

// IsEventDefined checks wether an event is defined in the bus.
// It accepts strings or EventType, returns a boolean indicating that
// the event was defined among the events emitted by the bus.
func IsEventDefined(i interface{}, events ...pluggable.EventType) bool {
	checkEvent := func(e pluggable.EventType) bool {
		for _, ee := range append(AllEvents, events...) {
			if ee == e {
				return true
			}
		}

		return false
	}

	switch f := i.(type) {
	case string:
		return checkEvent(pluggable.EventType(f))
	case pluggable.EventType:
		return checkEvent(f)
	default:
		return false
	}
}
