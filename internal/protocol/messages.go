package protocol

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Relay frame types. Client frames travel to the upstream transcription
// service unchanged; server frames travel back unchanged.
const (
	TypeInputAudioChunk                  = "input_audio_chunk"
	TypeSessionStarted                   = "session_started"
	TypePartialTranscript                = "partial_transcript"
	TypeCommittedTranscript              = "committed_transcript"
	TypeCommittedTranscriptWithTimestamp = "committed_transcript_with_timestamps"
	TypeError                            = "error"
)

// AudioChunk is the client to upstream audio frame.
type AudioChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

// NewAudioChunk frames raw PCM as an input_audio_chunk.
func NewAudioChunk(pcm []byte, sampleRate int, commit bool) AudioChunk {
	return AudioChunk{
		MessageType: TypeInputAudioChunk,
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		Commit:      commit,
		SampleRate:  sampleRate,
	}
}

// Word is a timed token from committed_transcript_with_timestamps.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// FrameError is the error payload of an upstream error frame. Upstream sends
// either an object or a bare string.
type FrameError struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *FrameError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	type plain FrameError
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = FrameError(p)
	return nil
}

// ServerFrame is any upstream to client frame.
type ServerFrame struct {
	MessageType string      `json:"message_type"`
	Text        string      `json:"text,omitempty"`
	Transcript  string      `json:"transcript,omitempty"`
	Words       []Word      `json:"words,omitempty"`
	Message     string      `json:"message,omitempty"`
	Error       *FrameError `json:"error,omitempty"`
}

// Content returns the transcript text regardless of which field carried it.
func (f ServerFrame) Content() string {
	if f.Text != "" {
		return f.Text
	}
	return f.Transcript
}

// ErrorMessage returns the human readable part of an error frame.
func (f ServerFrame) ErrorMessage() string {
	if f.Error != nil && f.Error.Message != "" {
		return f.Error.Message
	}
	if f.Message != "" {
		return f.Message
	}
	return "transcription error"
}

// IsCommitted reports whether the frame finalizes an utterance.
func (f ServerFrame) IsCommitted() bool {
	return f.MessageType == TypeCommittedTranscript || f.MessageType == TypeCommittedTranscriptWithTimestamp
}

// PeekType extracts message_type without decoding the rest of the frame.
func PeekType(data []byte) string {
	var head struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.MessageType
}

// Bus subjects, relative to the configured prefix.
const (
	SubjectSessionStarted  = "session.started"
	SubjectSessionUploaded = "session.uploaded"
	SubjectSessionEnded    = "session.ended"
	SubjectFeedbackReady   = "feedback.ready"
	SubjectFeedbackFailed  = "feedback.failed"
)

// SessionEvent is published on every lifecycle transition.
type SessionEvent struct {
	SessionID          string    `json:"session_id"`
	UserID             int64     `json:"user_id"`
	TranscriptionModel string    `json:"transcription_model,omitempty"`
	CreditsRemaining   *int      `json:"credits_remaining,omitempty"`
	AudioBytes         int64     `json:"audio_bytes,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// FeedbackEvent is published after an evaluation run.
type FeedbackEvent struct {
	SessionID        string    `json:"session_id"`
	ClarityScore     int       `json:"clarity_score,omitempty"`
	Confidence       int       `json:"confidence,omitempty"`
	AnalysisDegraded bool      `json:"analysis_degraded,omitempty"`
	Error            string    `json:"error,omitempty"`
	CanRetry         bool      `json:"can_retry,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}
