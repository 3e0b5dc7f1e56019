package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants, named after the
// semantic message kinds of the client channel (not the Go struct names).
type MessageType string

const (
	TypeAudioChunk    MessageType = "audio_chunk"
	TypeEndUtterance  MessageType = "end_utterance"
	TypeInterruption  MessageType = "interruption"
	TypeTranscript    MessageType = "transcript"
	TypeResponseStart MessageType = "response_start"
	TypeResponseAudio MessageType = "response_audio"
	TypeResponseVideo MessageType = "response_video"
	TypeResponseEnd   MessageType = "response_end"
	TypeStateChanged  MessageType = "state_changed"
	TypeError         MessageType = "error"
)

// ErrUnsupportedType is returned by ParseClientMessage for an unknown or
// missing type discriminant.
var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope is the minimal shape every message shares: a type discriminant.
type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioChunk is the inbound audio_chunk{seq, bytes, ts} message of spec §4.1.
// Binary audio is base64-encoded per §6.1.
type AudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// EndUtterance is the inbound end_utterance{ts} message.
type EndUtterance struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TSMs      int64       `json:"ts_ms"`
}

// Interruption is the inbound interruption{ts, turn_index?} message.
type Interruption struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnIndex int         `json:"turn_index,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

// Transcript is the outbound transcript{text, final, confidence} message.
type Transcript struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Final      bool        `json:"final"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

// Source describes one retrieved-chunk provenance entry surfaced to the
// client in response_start.sources.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	SourceType string  `json:"source_type"`
	Score      float64 `json:"score"`
}

// ResponseStart is emitted once the retrieval handle is obtained (spec §4.4
// step 2), eagerly before generation begins.
type ResponseStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Sources   []Source    `json:"sources"`
}

// ResponseAudio carries one outbound audio chunk, keyed by
// (unit_index, chunk_index) for reorder-buffer delivery ordering.
type ResponseAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	UnitIndex   int         `json:"unit_index"`
	ChunkIndex  int         `json:"chunk_index"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

// ResponseVideo carries one outbound lip-sync video frame, paired with its
// audio chunk by (unit_index, chunk_index).
type ResponseVideo struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	UnitIndex   int         `json:"unit_index"`
	ChunkIndex  int         `json:"chunk_index"`
	Format      string      `json:"format"`
	VideoBase64 string      `json:"video_base64"`
}

// TurnMetrics summarizes one completed or interrupted turn, carried on
// ResponseEnd.
type TurnMetrics struct {
	ASRMs           int64 `json:"asr_ms,omitempty"`
	RAGMs           int64 `json:"rag_ms,omitempty"`
	RAGTimeout      bool  `json:"rag_timeout,omitempty"`
	LLMFirstTokenMs int64 `json:"llm_first_token_ms,omitempty"`
	TTSFirstChunkMs int64 `json:"tts_first_chunk_ms,omitempty"`
	LipSyncFirstMs  int64 `json:"lipsync_first_frame_ms,omitempty"`
	TotalLatencyMs  int64 `json:"total_latency_ms"`
	RetryCount      int   `json:"retry_count,omitempty"`
}

// ResponseEnd is emitted once the LLM stream, all TTS units, and the
// reorder buffer have drained (spec §4.4 step 8).
type ResponseEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Metrics   TurnMetrics `json:"metrics"`
}

// StateChanged reports a conversation state machine transition (§4.3).
type StateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
}

// ErrorEvent is the outbound error{code, message, recoverable, retryable}
// message of §4.1 / §7.
type ErrorEvent struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	Recoverable bool        `json:"recoverable"`
	Retryable   bool        `json:"retryable"`
}

// clientInbound is the unexported superset shape used to sniff the type
// discriminant before decoding into a concrete, validated struct.
type clientInbound struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TurnIndex   int         `json:"turn_index"`
	TSMs        int64       `json:"ts_ms"`
}

// ParseClientMessage decodes a raw websocket text frame into one of the
// inbound message kinds named in spec §4.1. Unknown types and malformed
// frames for a known type both return an error; the transport layer
// responds with a single error frame and keeps the connection open.
func ParseClientMessage(raw []byte) (any, error) {
	var inbound clientInbound
	if err := json.Unmarshal(raw, &inbound); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch inbound.Type {
	case TypeAudioChunk:
		if inbound.SessionID == "" || inbound.PCM16Base64 == "" || inbound.SampleRate <= 0 {
			return nil, errors.New("invalid audio_chunk")
		}
		return AudioChunk{
			Type:        TypeAudioChunk,
			SessionID:   inbound.SessionID,
			Seq:         inbound.Seq,
			PCM16Base64: inbound.PCM16Base64,
			SampleRate:  inbound.SampleRate,
			TSMs:        inbound.TSMs,
		}, nil
	case TypeEndUtterance:
		if inbound.SessionID == "" {
			return nil, errors.New("invalid end_utterance")
		}
		return EndUtterance{Type: TypeEndUtterance, SessionID: inbound.SessionID, TSMs: inbound.TSMs}, nil
	case TypeInterruption:
		if inbound.SessionID == "" {
			return nil, errors.New("invalid interruption")
		}
		return Interruption{
			Type:      TypeInterruption,
			SessionID: inbound.SessionID,
			TurnIndex: inbound.TurnIndex,
			TSMs:      inbound.TSMs,
		}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
