// Package interrupt arbitrates new user input against in-flight assistant work:
// playback is cancelled and logged, a pending response makes the new input wait its turn.
package interrupt

import (
	"log"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
)

// Action is the user-initiated event being arbitrated.
type Action string

const (
	ActionSend           Action = "send"
	ActionRecordingStart Action = "recording_start"
	ActionUpload         Action = "upload"
	ActionTranslate      Action = "translate"
)

// Output is the playback side of the voice pipeline.
type Output interface {
	CancelOutput() voice.OutputState
}

// Log receives interruption entries.
type Log interface {
	RecordInterruption(interrupted string) conversation.Interruption
}

// Decision describes what Resolve did.
type Decision struct {
	Action      Action
	Interrupted voice.OutputState
	Entry       *conversation.Interruption
	// ResponsePending means an assistant reply is in flight and the new input waits behind it.
	ResponsePending bool
}

// Resolver applies the interruption rules for one session.
type Resolver struct {
	output Output
	log    Log
	gate   *Gate
}

// NewResolver builds a resolver over the session's output, interruption log and turn gate.
func NewResolver(output Output, entries Log, gate *Gate) *Resolver {
	return &Resolver{output: output, log: entries, gate: gate}
}

// Resolve runs before any new send, upload or recording start. Playing audio is stopped and
// exactly one interruption is logged; unfinished synthesis is dropped silently; a pending
// response is never cancelled.
func (r *Resolver) Resolve(action Action) Decision {
	d := Decision{Action: action}

	if r.output != nil {
		switch interrupted := r.output.CancelOutput(); interrupted {
		case voice.OutputPlaying:
			entry := r.log.RecordInterruption(string(interrupted))
			d.Interrupted = interrupted
			d.Entry = &entry
			log.Printf("[interrupt] %s cancelled playback", action)
		case voice.OutputSynthesizing:
			d.Interrupted = interrupted
		}
	}

	if r.gate != nil {
		d.ResponsePending = r.gate.Pending()
	}
	return d
}

// Gate returns the session's turn gate.
func (r *Resolver) Gate() *Gate {
	return r.gate
}
