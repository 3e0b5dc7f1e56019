package conversation

import (
	"context"
	"testing"
	"time"
)

func startMachine(t *testing.T, hooks Hooks) (*Machine, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := New("sess-1", hooks)
	go m.Run(ctx)
	return m, cancel
}

func fire(t *testing.T, m *Machine, trigger Trigger) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := m.Fire(ctx, trigger)
	if err != nil {
		t.Fatalf("Fire(%v) error = %v", trigger, err)
	}
	return state
}

func TestMachineHappyPathTurn(t *testing.T) {
	m, cancel := startMachine(t, Hooks{})
	defer cancel()

	if s := fire(t, m, TriggerAudioChunk); s != StateListening {
		t.Fatalf("after audio_chunk, state = %v, want listening", s)
	}
	if s := fire(t, m, TriggerAudioChunk); s != StateListening {
		t.Fatalf("repeated audio_chunk, state = %v, want listening", s)
	}
	if s := fire(t, m, TriggerEndUtterance); s != StateProcessing {
		t.Fatalf("after end_utterance, state = %v, want processing", s)
	}
	if s := fire(t, m, TriggerASRFinal); s != StateProcessing {
		t.Fatalf("after asr_final, state = %v, want processing", s)
	}
	if s := fire(t, m, TriggerTTSFirstChunk); s != StateSpeaking {
		t.Fatalf("after tts_first_chunk, state = %v, want speaking", s)
	}
	if s := fire(t, m, TriggerTTSDrained); s != StateIdle {
		t.Fatalf("after tts_drained, state = %v, want idle", s)
	}
}

func TestMachineRejectsInapplicableTrigger(t *testing.T) {
	var rejected Trigger
	m, cancel := startMachine(t, Hooks{
		OnRejected: func(_ State, trigger Trigger) { rejected = trigger },
	})
	defer cancel()

	ctx, cancelReq := context.WithTimeout(context.Background(), time.Second)
	defer cancelReq()
	_, err := m.Fire(ctx, TriggerTTSDrained) // idle has no tts stream to drain
	if err != ErrRejectedTransition {
		t.Fatalf("Fire() error = %v, want ErrRejectedTransition", err)
	}
	if rejected != TriggerTTSDrained {
		t.Fatalf("OnRejected trigger = %v, want tts_drained", rejected)
	}
}

func TestMachineInterruptionFromSpeakingThenStabilizes(t *testing.T) {
	transitions := make(chan struct{ from, to State }, 16)
	m, cancel := startMachine(t, Hooks{
		OnTransition: func(from, to State, _ Trigger) {
			transitions <- struct{ from, to State }{from, to}
		},
	})
	defer cancel()

	fire(t, m, TriggerAudioChunk)
	fire(t, m, TriggerEndUtterance)
	fire(t, m, TriggerTTSFirstChunk)
	if s := fire(t, m, TriggerInterruption); s != StateInterrupted {
		t.Fatalf("after interruption, state = %v, want interrupted", s)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr := <-transitions:
			if tr.from == StateInterrupted && tr.to == StateListening {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for automatic interrupted -> listening stabilization")
		}
	}
}

func TestMachineRecoverableFailureRevertsToPreviousSteadyState(t *testing.T) {
	m, cancel := startMachine(t, Hooks{})
	defer cancel()

	fire(t, m, TriggerAudioChunk)
	fire(t, m, TriggerEndUtterance)
	s := fire(t, m, TriggerRecoverableFailure)
	if s != StateProcessing {
		t.Fatalf("after recoverable_failure, state = %v, want processing (reverted)", s)
	}
}

func TestMachineFatalFailureGoesToIdleFromAnyState(t *testing.T) {
	m, cancel := startMachine(t, Hooks{})
	defer cancel()

	fire(t, m, TriggerAudioChunk)
	fire(t, m, TriggerEndUtterance)
	fire(t, m, TriggerTTSFirstChunk)
	s := fire(t, m, TriggerFatalFailure)
	if s != StateIdle {
		t.Fatalf("after fatal_failure, state = %v, want idle", s)
	}
}

func TestMachineStopsRespondingAfterContextCancel(t *testing.T) {
	m, cancel := startMachine(t, Hooks{})
	cancel()
	time.Sleep(50 * time.Millisecond)

	ctx, cancelReq := context.WithTimeout(context.Background(), time.Second)
	defer cancelReq()
	_, err := m.Fire(ctx, TriggerAudioChunk)
	if err != ErrStopped {
		t.Fatalf("Fire() after Run exited, error = %v, want ErrStopped", err)
	}
}
