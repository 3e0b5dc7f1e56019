// Package session implements the Session Manager (C2): lifecycle of
// sessions, binding connection↔session↔user, the process-wide concurrent
// session cap, and reconnection-within-grace-window semantics.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusUnbound Status = "unbound" // disconnected, inside the reconnect grace window
	StatusEnded   Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// QueueFullError is returned by Bind when the process-wide concurrent
// session cap is reached. It is retryable per spec §4.2/§7 (QUEUE_FULL).
type QueueFullError struct {
	EstimatedWait time.Duration
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("session queue full, estimated wait %s", e.EstimatedWait)
}

// Session is a long-lived object per active client connection (spec §3).
type Session struct {
	ID                string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Status            Status    `json:"status"`
	State             string    `json:"state"` // mirrors internal/conversation's current state
	PersonaID         string    `json:"persona_id"`
	VoiceID           string    `json:"voice_id"`
	FaceID            string    `json:"face_id,omitempty"`
	LLMProvider       string    `json:"llm_provider,omitempty"`
	TTSProvider       string    `json:"tts_provider,omitempty"`
	ActiveTurnID      string    `json:"active_turn_id"`
	TurnIndex         int       `json:"turn_index"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// HasActiveTurn reports whether the session currently owns a live turn.
func (s *Session) HasActiveTurn() bool { return s.ActiveTurnID != "" }

// Manager maintains the session ID → Session mapping (spec §4.2, §5). The
// mapping is guarded by a single write-exclusive lock with fast read-only
// lookups, matching the teacher's session.Manager and spec §5's shared
// resource policy.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByUser     map[string]string
	graceTimers       map[string]*time.Timer
	inactivityTimeout time.Duration
	reconnectGrace    time.Duration
	maxConcurrent     int
	onExpire          func(*Session)
	onReplaced        func(*Session)
}

// Config tunes a [Manager].
type Config struct {
	InactivityTimeout time.Duration
	ReconnectGrace    time.Duration
	MaxConcurrent     int
}

// NewManager builds a [Manager]. Zero-value config fields get the
// defaults named in spec §4.2.
func NewManager(cfg Config) *Manager {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 2 * time.Minute
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2000
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByUser:     make(map[string]string),
		graceTimers:       make(map[string]*time.Timer),
		inactivityTimeout: cfg.InactivityTimeout,
		reconnectGrace:    cfg.ReconnectGrace,
		maxConcurrent:     cfg.MaxConcurrent,
	}
}

// SetExpireHook registers a callback invoked when a session is destroyed by
// idle eviction or an expired reconnect grace window.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetReplacedHook registers a callback invoked when a reattach closes the
// previous connection for a user (spec §4.2: "the old connection is closed
// with code replaced").
func (m *Manager) SetReplacedHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReplaced = hook
}

// Bind allocates a new session for userID, or reattaches to the user's
// existing live session (cancelling any pending grace timer and signalling
// the replaced hook). Returns a [QueueFullError] if the process-wide cap is
// reached and no existing session can be reattached.
func (m *Manager) Bind(userID, personaID, voiceID, faceID string) (*Session, bool, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	if userID != "" {
		if existingID, ok := m.sessionByUser[userID]; ok {
			if existing, ok := m.sessions[existingID]; ok && existing.Status != StatusEnded {
				m.cancelGraceTimerLocked(existing.ID)
				existing.Status = StatusActive
				existing.LastActivityAt = now
				replaced := clone(existing)
				hook := m.onReplaced
				m.mu.Unlock()
				if hook != nil {
					hook(replaced)
				}
				return clone(existing), true, nil
			}
		}
	}

	activeCount := 0
	for _, s := range m.sessions {
		if s.Status != StatusEnded {
			activeCount++
		}
	}
	if activeCount >= m.maxConcurrent {
		m.mu.Unlock()
		// Heuristic: assume the cap drains roughly once per reconnect grace
		// window; a precise estimate would need queueing-theory input this
		// package does not have.
		return nil, false, &QueueFullError{EstimatedWait: m.reconnectGrace}
	}

	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		PersonaID:      personaID,
		VoiceID:        voiceID,
		FaceID:         faceID,
		Status:         StatusActive,
		State:          "idle",
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	if userID != "" {
		m.sessionByUser[userID] = s.ID
	}
	m.mu.Unlock()
	return clone(s), false, nil
}

// Unbind marks a session disconnected and starts the reconnect grace timer
// (spec §4.2). If the same user rebinds within the window via Bind, the
// session resumes with state preserved; otherwise it is destroyed.
func (m *Manager) Unbind(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if s.Status == StatusEnded {
		m.mu.Unlock()
		return nil
	}
	s.Status = StatusUnbound
	s.LastActivityAt = time.Now().UTC()
	m.cancelGraceTimerLocked(sessionID)
	m.graceTimers[sessionID] = time.AfterFunc(m.reconnectGrace, func() { m.expireUnbound(sessionID) })
	m.mu.Unlock()
	return nil
}

func (m *Manager) expireUnbound(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != StatusUnbound {
		m.mu.Unlock()
		return
	}
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	if s.UserID != "" {
		delete(m.sessionByUser, s.UserID)
	}
	delete(m.graceTimers, sessionID)
	hook := m.onExpire
	snapshot := clone(s)
	m.mu.Unlock()
	if hook != nil {
		hook(snapshot)
	}
}

func (m *Manager) cancelGraceTimerLocked(sessionID string) {
	if t, ok := m.graceTimers[sessionID]; ok {
		t.Stop()
		delete(m.graceTimers, sessionID)
	}
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetState mirrors the conversation state machine's current state onto the
// Session record (spec §3's Session.state attribute). Only the conversation
// machine's single-consumer goroutine should call this.
func (m *Manager) SetState(sessionID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.State = state
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// NextTurnIndex assigns and returns the next strictly-increasing turn index
// for the session (spec §3's Turn invariant, §8 property 4: dense from 1).
func (m *Manager) NextTurnIndex(sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	s.TurnIndex++
	return s.TurnIndex, nil
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveTurnID = turnID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.InterruptionCount++
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	m.cancelGraceTimerLocked(sessionID)
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	if s.UserID != "" {
		delete(m.sessionByUser, s.UserID)
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

// ActiveCount returns the number of sessions that are active or unbound
// (i.e. count toward the concurrent-session cap).
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status != StatusEnded {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.ActiveTurnID = ""
		s.LastActivityAt = now
		m.cancelGraceTimerLocked(id)
		expired = append(expired, clone(s))
		if s.UserID != "" {
			delete(m.sessionByUser, s.UserID)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
