// Package asr implements the ASR Streamer (C5): a duplex stream that
// forwards inbound audio to a recognizer and emits interim/final
// transcripts, enforcing the sequence-gap contract and silence-based
// end-of-utterance detection (spec §4.5).
package asr

import (
	"context"
	"errors"
)

type EventType string

const (
	EventInterim EventType = "interim"
	EventFinal   EventType = "final"
	EventError   EventType = "error"
)

// Event is one recognizer output: an interim/final transcript or an error.
type Event struct {
	Type        EventType
	Text        string
	Confidence  float64
	Code        string // populated when Type == EventError with the recognizer's own error type
	Detail      string
	Retryable   bool
	TimestampMS int64
}

// ErrSequenceGap is returned by SendAudioChunk (no EventError is emitted
// for it) when an inbound frame's sequence number is not previous+1; the
// transport reports it to the client as ASR_ERROR (spec §4.5, §8 boundary
// behavior: "seq = previous + 2 aborts the current utterance with
// ASR_ERROR").
var ErrSequenceGap = errors.New("asr: audio frame sequence gap")

// ErrClosed is returned by SendAudioChunk after Close.
var ErrClosed = errors.New("asr: session closed")

// Session is a live duplex stream for one utterance.
type Session interface {
	// SendAudioChunk forwards a 16kHz mono 16-bit PCM frame. commit signals
	// an explicit end_utterance from the client.
	SendAudioChunk(ctx context.Context, seq int64, pcm []byte, sampleRate int, commit bool) error
	Close() error
}

// Provider opens a Session and returns the channel of recognizer Events.
type Provider interface {
	StartSession(ctx context.Context, sessionID string) (Session, <-chan Event, error)
}
