// Package conversation implements the Conversation State Machine (C3): the
// authoritative per-session state, modeled as a single-consumer actor
// receiving transition requests through a channel so transitions never
// interleave (spec §4.3, §9 "State machine as message loop"), generalized
// from the per-connection actor loop shape in the teacher's
// voice.Orchestrator.RunConnection.
package conversation

import "errors"

type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateProcessing  State = "processing"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
	StateError       State = "error"
)

type Trigger string

const (
	TriggerAudioChunk         Trigger = "audio_chunk"
	TriggerEndUtterance       Trigger = "end_utterance"
	TriggerVADSilence         Trigger = "vad_silence"
	TriggerASRFinal           Trigger = "asr_final"
	TriggerTTSFirstChunk      Trigger = "tts_first_chunk"
	TriggerTTSDrained         Trigger = "tts_drained"
	TriggerInterruption       Trigger = "interruption"
	TriggerStabilize          Trigger = "stabilize"
	TriggerRecoverableFailure Trigger = "recoverable_failure"
	TriggerFatalFailure       Trigger = "fatal_failure"
)

// ErrRejectedTransition is returned when a trigger does not apply to the
// current state. The state is left unchanged; the caller is expected to
// emit a state:error frame to the client without altering session state
// (spec §4.3: "Rejected transitions emit state:error without changing
// state").
var ErrRejectedTransition = errors.New("conversation: rejected transition")

// ErrStopped is returned by Fire once the machine's Run loop has exited.
var ErrStopped = errors.New("conversation: machine stopped")

// next resolves (trigger, from) -> (to, momentary). momentary is true only
// for TriggerRecoverableFailure, signaling the caller to immediately revert
// to the prior steady state after observing the error (spec §4.3: "any ->
// error (momentary) -> previous").
func next(trigger Trigger, from State) (to State, momentary, ok bool) {
	switch trigger {
	case TriggerAudioChunk:
		switch from {
		case StateIdle, StateListening:
			return StateListening, false, true
		}
	case TriggerEndUtterance, TriggerVADSilence:
		if from == StateListening {
			return StateProcessing, false, true
		}
	case TriggerASRFinal:
		if from == StateProcessing {
			return StateProcessing, false, true
		}
	case TriggerTTSFirstChunk:
		if from == StateProcessing {
			return StateSpeaking, false, true
		}
	case TriggerTTSDrained:
		if from == StateSpeaking {
			return StateIdle, false, true
		}
	case TriggerInterruption:
		switch from {
		case StateSpeaking, StateProcessing:
			return StateInterrupted, false, true
		}
	case TriggerStabilize:
		if from == StateInterrupted {
			return StateListening, false, true
		}
	case TriggerRecoverableFailure:
		// Applies from any state.
		return StateError, true, true
	case TriggerFatalFailure:
		// Applies from any state.
		return StateIdle, false, true
	}
	return "", false, false
}
