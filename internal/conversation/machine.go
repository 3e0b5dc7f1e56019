package conversation

import (
	"context"
	"time"
)

// StabilizeDelay is how long interrupted waits for audio energy to settle
// before automatically returning to listening (spec §4.3: "Stabilization
// (<=200ms after cancel): interrupted -> listening").
const StabilizeDelay = 200 * time.Millisecond

// Hooks are invoked from the machine's single consumer goroutine, so
// implementations never need their own locking to stay consistent with the
// sequence of transitions.
type Hooks struct {
	// OnTransition fires after every accepted transition, including the
	// momentary error hop and its automatic revert.
	OnTransition func(from, to State, trigger Trigger)
	// OnRejected fires when a trigger does not apply to the current state.
	// No state change occurs; the caller is expected to emit a state:error
	// frame to the client (spec §4.3).
	OnRejected func(current State, trigger Trigger)
}

type transitionRequest struct {
	trigger Trigger
	reply   chan transitionResult
}

type transitionResult struct {
	state State
	err   error
}

// Machine is the C3 authoritative state holder for one session. All
// transitions are serialized through a single consumer goroutine (Run), so
// concurrent callers never interleave transitions, generalizing the
// per-connection actor loop in the teacher's voice.Orchestrator.RunConnection.
type Machine struct {
	sessionID string
	hooks     Hooks

	requests chan transitionRequest
	stopped  chan struct{}
}

func New(sessionID string, hooks Hooks) *Machine {
	return &Machine{
		sessionID: sessionID,
		hooks:     hooks,
		requests:  make(chan transitionRequest, 32),
		stopped:   make(chan struct{}),
	}
}

// Run executes the consumer loop until ctx is canceled. Callers must start
// Run in its own goroutine before issuing Fire calls.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.stopped)
	current := StateIdle
	previousSteady := StateIdle
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if current == StateInterrupted {
				current = m.apply(current, &previousSteady, TriggerStabilize)
			}
		case req := <-m.requests:
			from := current
			to, momentary, ok := next(req.trigger, from)
			if !ok {
				if m.hooks.OnRejected != nil {
					m.hooks.OnRejected(from, req.trigger)
				}
				req.reply <- transitionResult{state: from, err: ErrRejectedTransition}
				continue
			}
			current = to
			if to != StateError {
				previousSteady = to
			}
			if m.hooks.OnTransition != nil {
				m.hooks.OnTransition(from, to, req.trigger)
			}
			if to == StateInterrupted {
				timer.Reset(StabilizeDelay)
			}
			if momentary {
				// Recoverable failure: hop back to the prior steady state
				// immediately, same as a second accepted transition.
				errFrom := current
				current = previousSteady
				if m.hooks.OnTransition != nil {
					m.hooks.OnTransition(errFrom, current, req.trigger)
				}
			}
			req.reply <- transitionResult{state: current}
		}
	}
}

// apply is used only from the stabilization timer path, where there is no
// caller waiting on a reply channel.
func (m *Machine) apply(from State, previousSteady *State, trigger Trigger) State {
	to, _, ok := next(trigger, from)
	if !ok {
		return from
	}
	*previousSteady = to
	if m.hooks.OnTransition != nil {
		m.hooks.OnTransition(from, to, trigger)
	}
	return to
}

// Fire submits a trigger and blocks until the consumer goroutine has
// processed it. It is safe to call concurrently from multiple goroutines.
func (m *Machine) Fire(ctx context.Context, trigger Trigger) (State, error) {
	reply := make(chan transitionResult, 1)
	select {
	case m.requests <- transitionRequest{trigger: trigger, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.stopped:
		return "", ErrStopped
	}
	select {
	case res := <-reply:
		return res.state, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.stopped:
		return "", ErrStopped
	}
}
