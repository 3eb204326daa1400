// Package protocol defines the negotiation session wire protocol: JSON text
// frames for control messages, binary frames for uplink PCM16 audio.
//
// Client to server: initialize, barge_in, end_negotiation, get_transcript.
// Server to client: ready, error, transcription, opponent_opening,
// opponent_text, coach_tip, audio_start, audio_chunk, audio_end,
// negotiation_complete, transcript.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// EncodingPCM16 is the only downlink audio encoding.
	EncodingPCM16 = "pcm_s16le"

	// DownlinkSampleRate is the nominal sample rate of audio_chunk payloads.
	DownlinkSampleRate = 44100
)

// ProtocolError reports a malformed frame. The connection stays open; the
// session surfaces a generic error message.
type ProtocolError struct {
	Code    string
	Message string
	Param   string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *ProtocolError {
	return &ProtocolError{Code: "bad_frame", Message: message, Param: param}
}

// TranscriptEntry is one turn of the negotiation transcript.
type TranscriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Initialize is the first client frame, carrying the scenario context.
type Initialize struct {
	Type     string          `json:"type"`
	Scenario json.RawMessage `json:"scenario"`
}

// BargeIn notifies the server that local detection interrupted playback.
type BargeIn struct {
	Type string `json:"type"`
}

// EndNegotiation requests session completion and the final analysis.
type EndNegotiation struct {
	Type string `json:"type"`
}

// GetTranscript requests the transcript accumulated so far.
type GetTranscript struct {
	Type string `json:"type"`
}

// NewInitialize builds an initialize frame around raw scenario JSON.
func NewInitialize(scenario json.RawMessage) Initialize {
	return Initialize{Type: "initialize", Scenario: scenario}
}

// NewBargeIn builds a barge_in frame.
func NewBargeIn() BargeIn { return BargeIn{Type: "barge_in"} }

// NewEndNegotiation builds an end_negotiation frame.
func NewEndNegotiation() EndNegotiation { return EndNegotiation{Type: "end_negotiation"} }

// NewGetTranscript builds a get_transcript frame.
func NewGetTranscript() GetTranscript { return GetTranscript{Type: "get_transcript"} }

// Ready confirms session initialization.
type Ready struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ServerError carries a user-visible error message.
type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Transcription is a live speech-to-text result for the user's own speech.
type Transcription struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// OpponentOpening is the counterpart's opening statement.
type OpponentOpening struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OpponentText is a counterpart reply.
type OpponentText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CoachTip is an inline coaching hint.
type CoachTip struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AudioStart marks the beginning of a counterpart utterance.
type AudioStart struct {
	Type string `json:"type"`
}

// AudioChunk carries one base64-encoded PCM16 payload of counterpart
// speech.
type AudioChunk struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

// PCM decodes the chunk's payload into raw little-endian PCM16 bytes.
func (c AudioChunk) PCM() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, badFrame("audio_chunk.data is not valid base64", "data")
	}
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return nil, badFrame(fmt.Sprintf("audio_chunk.data decodes to %d bytes", len(pcm)), "data")
	}
	return pcm, nil
}

// AudioEnd marks the end of a counterpart utterance.
type AudioEnd struct {
	Type string `json:"type"`
}

// NegotiationComplete signals that the server has durably stored the
// session data and carries the final analysis.
type NegotiationComplete struct {
	Type        string            `json:"type"`
	FinalAdvice string            `json:"final_advice"`
	HiddenState json.RawMessage   `json:"hidden_state"`
	Transcript  []TranscriptEntry `json:"transcript"`
	AutoEnded   bool              `json:"auto_ended,omitempty"`
}

// Transcript is the reply to get_transcript.
type Transcript struct {
	Type       string            `json:"type"`
	Transcript []TranscriptEntry `json:"transcript"`
}

// DecodeServerMessage decodes one JSON text frame from the server into its
// typed message. Unknown or malformed frames return a *ProtocolError.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "ready":
		var msg Ready
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid ready frame", "")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	case "transcription":
		var msg Transcription
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcription frame", "")
		}
		return msg, nil
	case "opponent_opening":
		var msg OpponentOpening
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid opponent_opening frame", "")
		}
		return msg, nil
	case "opponent_text":
		var msg OpponentText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid opponent_text frame", "")
		}
		return msg, nil
	case "coach_tip":
		var msg CoachTip
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid coach_tip frame", "")
		}
		return msg, nil
	case "audio_start":
		return AudioStart{Type: typ}, nil
	case "audio_chunk":
		var msg AudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio_chunk frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badFrame("audio_chunk.data is required", "data")
		}
		if msg.Encoding != "" && msg.Encoding != EncodingPCM16 {
			return nil, badFrame("unsupported audio_chunk encoding", "encoding")
		}
		if msg.SampleRate < 0 {
			return nil, badFrame("audio_chunk.sample_rate must be >= 0", "sample_rate")
		}
		return msg, nil
	case "audio_end":
		return AudioEnd{Type: typ}, nil
	case "negotiation_complete":
		var msg NegotiationComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid negotiation_complete frame", "")
		}
		return msg, nil
	case "transcript":
		var msg Transcript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript frame", "")
		}
		return msg, nil
	default:
		return nil, badFrame("unsupported message type", "type")
	}
}

// EncodeClientMessage encodes a client frame for transmission.
func EncodeClientMessage(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode client message: %w", err)
	}
	return data, nil
}
