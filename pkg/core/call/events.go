package call

import (
	"encoding/json"

	"github.com/parleylabs/parley/pkg/core/protocol"
)

// Event is the interface for all session events delivered to the UI layer.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// PhaseChangedEvent is emitted when the session phase changes.
type PhaseChangedEvent struct {
	From Phase `json:"from"`
	To   Phase `json:"to"`
}

func (e *PhaseChangedEvent) EventType() string { return "phase.changed" }

// ReadyEvent is emitted when the server confirms session initialization.
type ReadyEvent struct {
	SessionID string `json:"session_id"`
}

func (e *ReadyEvent) EventType() string { return "session.ready" }

// TranscriptionEvent carries a live speech-to-text result for the user's
// own speech.
type TranscriptionEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final,omitempty"`
}

func (e *TranscriptionEvent) EventType() string { return "transcription" }

// OpponentTextEvent carries counterpart text, opening or reply.
type OpponentTextEvent struct {
	Text    string `json:"text"`
	Opening bool   `json:"opening,omitempty"`
}

func (e *OpponentTextEvent) EventType() string { return "opponent.text" }

// CoachTipEvent carries an inline coaching hint.
type CoachTipEvent struct {
	Text string `json:"text"`
}

func (e *CoachTipEvent) EventType() string { return "coach.tip" }

// BargeInEvent is emitted when local detection cancels counterpart
// playback.
type BargeInEvent struct{}

func (e *BargeInEvent) EventType() string { return "barge_in" }

// ErrorEvent surfaces a user-visible error. The session keeps running
// unless the phase says otherwise.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// CompletedEvent is emitted when the server reports the negotiation
// complete and its data durably stored.
type CompletedEvent struct {
	FinalAdvice string                     `json:"final_advice"`
	HiddenState json.RawMessage            `json:"hidden_state,omitempty"`
	Transcript  []protocol.TranscriptEntry `json:"transcript,omitempty"`
	AutoEnded   bool                       `json:"auto_ended,omitempty"`
}

func (e *CompletedEvent) EventType() string { return "negotiation.complete" }

// TranscriptEvent carries the transcript accumulated so far, in reply to a
// transcript request.
type TranscriptEvent struct {
	Transcript []protocol.TranscriptEntry `json:"transcript"`
}

func (e *TranscriptEvent) EventType() string { return "transcript" }

// DisconnectedEvent is emitted when the socket closes or errors. Recording
// and upload continue independently.
type DisconnectedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *DisconnectedEvent) EventType() string { return "disconnected" }

// RecordingStoredEvent is emitted when the recording upload finalizes.
type RecordingStoredEvent struct {
	VideoURL string `json:"video_url"`
	Fallback bool   `json:"fallback,omitempty"` // single-shot path was used
}

func (e *RecordingStoredEvent) EventType() string { return "recording.stored" }
