package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/twincore/internal/asr"
	"github.com/antoniostano/twincore/internal/auth"
	"github.com/antoniostano/twincore/internal/conversation"
	"github.com/antoniostano/twincore/internal/memory"
	"github.com/antoniostano/twincore/internal/policy"
	"github.com/antoniostano/twincore/internal/protocol"
	"github.com/antoniostano/twincore/internal/session"
	"github.com/antoniostano/twincore/internal/synthesis"
	"github.com/antoniostano/twincore/internal/turn"
)

const (
	pongWait       = 120 * time.Second
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxSummaries   = 5
	maxReadMessage = 2 << 20
)

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token := bearerToken(r)
	result := s.deps.Auth.Validate(token)
	if result.Failed() {
		s.recordConnectionFailure(string(result.Reason), time.Since(start))
		respondError(w, http.StatusUnauthorized, string(result.Reason), "authentication failed")
		return
	}

	q := r.URL.Query()
	personaID := q.Get("persona_id")
	voiceID := q.Get("voice_id")
	faceID := q.Get("face_id")
	videoEnabled := q.Get("video_enabled") == "true"

	sess, _, err := s.deps.Sessions.Bind(result.UserID, personaID, voiceID, faceID)
	if err != nil {
		s.recordConnectionFailure("SESSION_CREATE_FAILED", time.Since(start))
		respondError(w, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.recordConnectionFailure("UPGRADE_FAILED", time.Since(start))
		return
	}
	defer conn.Close()

	s.recordConnectionSuccess(time.Since(start))
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
		s.deps.Metrics.ActiveSessions.Set(float64(s.deps.Sessions.ActiveCount()))
	}
	if s.deps.Aggregator != nil {
		s.deps.Aggregator.SetConcurrency(s.deps.Sessions.ActiveCount())
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConnection(s, conn, sess, videoEnabled)
	c.seedSummaries(ctx)
	// Announce the bound session id up front: the client has no other way
	// to learn it before sending its first audio_chunk/end_utterance frame,
	// both of which must carry a matching session_id (spec §4.1).
	_ = c.outbound.Send(ctx, protocol.StateChanged{
		Type: protocol.TypeStateChanged, SessionID: sess.ID, From: sess.State, To: sess.State,
	})
	c.run(ctx)

	_ = s.deps.Sessions.Unbind(sess.ID)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
		s.deps.Metrics.ActiveSessions.Set(float64(s.deps.Sessions.ActiveCount()))
	}
}

// checkSessionID enforces that every inbound message names the session this
// connection is bound to; a mismatch is dropped with an error frame rather
// than acted on (spec §4.1).
func (c *connection) checkSessionID(id string) bool {
	if id == c.sess.ID {
		return true
	}
	c.sendError("SESSION_MISMATCH", "message session_id does not match bound session", false, false)
	return false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) recordConnectionFailure(reason string, elapsed time.Duration) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveConnectionAttempt(reason, elapsed)
	}
	if s.deps.Aggregator != nil {
		s.deps.Aggregator.RecordConnection(reason, elapsed, reason == "TIMEOUT")
	}
}

func (s *Server) recordConnectionSuccess(elapsed time.Duration) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveConnectionAttempt("success", elapsed)
	}
	if s.deps.Aggregator != nil {
		s.deps.Aggregator.RecordConnection("success", elapsed, false)
	}
}

// connection owns one websocket's conversation state machine, turn
// pipeline, and ASR bridge. It generalizes the teacher's per-connection
// goroutine trio (run/read/write) from RunConnection into explicit
// collaborators instead of one closure.
type connection struct {
	server *Server
	ws     *websocket.Conn
	sess   *session.Session

	outbound *turn.OutboundQueue
	machine  *conversation.Machine
	pipeline *turn.Pipeline
	quality  *synthesis.QualityEstimator
	silence  *asr.SilenceDetector
	energy   *asr.EnergyDetector

	videoEnabled bool

	asrSession asr.Session
	asrEvents  <-chan asr.Event

	turnSeq      atomic.Int64
	cancelMu     sync.Mutex
	activeCancel *turn.Cancellation
	startingTurn atomic.Bool

	summariesMu       sync.Mutex
	summaries         []string
	pendingTranscript string
}

func newConnection(s *Server, ws *websocket.Conn, sess *session.Session, videoEnabled bool) *connection {
	c := &connection{
		server:       s,
		ws:           ws,
		sess:         sess,
		outbound:     turn.NewOutboundQueue(s.deps.Config.OutboundQueueSize),
		quality:      synthesis.NewQualityEstimator(5),
		silence:      asr.NewSilenceDetector(s.deps.Config.VADSilenceThreshold),
		energy:       asr.NewEnergyDetector(s.deps.Config.BargeInEnergyThreshold),
		videoEnabled: videoEnabled,
	}
	c.machine = conversation.New(sess.ID, conversation.Hooks{
		OnTransition: c.onTransition,
		OnRejected:   c.onRejected,
	})
	c.pipeline = turn.NewPipeline(turn.Deps{
		RAG:             s.deps.RAG,
		Generation:      s.deps.Generation,
		TTS:             s.deps.TTS,
		LipSync:         s.deps.LipSync,
		Outbound:        c.outbound,
		Metrics:         s.deps.Metrics,
		TTSParallelism:  s.deps.Config.TTSParallelism,
		ReorderCapacity: 256,
		StallTimeout:    s.deps.Config.ReorderStallTimeout,
		OnLifecycle:     c.onLifecycle,
	})
	return c
}

// run drives the connection until the client disconnects or ctx is
// canceled, mirroring the teacher's handleSessionWS fan-out of reader,
// writer, and state-machine goroutines joined at the end.
func (c *connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); c.machine.Run(ctx) }()
	go func() { defer wg.Done(); defer cancel(); c.writeLoop(ctx) }()
	go func() { defer wg.Done(); defer cancel(); c.pingLoop(ctx) }()
	go func() { defer wg.Done(); c.vadLoop(ctx) }()

	c.readLoop(ctx, cancel)
	cancel()
	wg.Wait()

	c.cancelMu.Lock()
	if c.activeCancel != nil {
		c.activeCancel.Cancel()
	}
	c.cancelMu.Unlock()
	if c.asrSession != nil {
		_ = c.asrSession.Close()
	}
}

func (c *connection) onTransition(from, to conversation.State, _ conversation.Trigger) {
	_ = c.server.deps.Sessions.SetState(c.sess.ID, string(to))
	_ = c.outbound.Send(context.Background(), protocol.StateChanged{
		Type: protocol.TypeStateChanged, SessionID: c.sess.ID,
		From: string(from), To: string(to),
	})
}

func (c *connection) onRejected(current conversation.State, trigger conversation.Trigger) {
	slog.Debug("rejected conversation transition", "session", c.sess.ID, "state", current, "trigger", trigger)
}

// onLifecycle translates turn.Pipeline milestones into state machine
// triggers; the pipeline has no reference to the machine so this is the
// only place turn progress and conversation state meet.
func (c *connection) onLifecycle(event string) {
	ctx := context.Background()
	switch event {
	case "first_audio":
		_, _ = c.machine.Fire(ctx, conversation.TriggerTTSFirstChunk)
	case "turn_end":
		_, _ = c.machine.Fire(ctx, conversation.TriggerTTSDrained)
	}
}

func (c *connection) readLoop(ctx context.Context, cancel context.CancelFunc) {
	c.ws.SetReadLimit(maxReadMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.sendError("invalid_message", err.Error(), false, false)
			continue
		}
		switch m := parsed.(type) {
		case protocol.AudioChunk:
			if !c.checkSessionID(m.SessionID) {
				continue
			}
			c.handleAudioChunk(ctx, m)
		case protocol.EndUtterance:
			if !c.checkSessionID(m.SessionID) {
				continue
			}
			c.handleEndUtterance(ctx)
		case protocol.Interruption:
			if !c.checkSessionID(m.SessionID) {
				continue
			}
			c.handleInterruption(ctx)
		}
		select {
		case <-ctx.Done():
			cancel()
			return
		default:
		}
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.outbound.Messages():
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				if c.server.deps.Metrics != nil {
					c.server.deps.Metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				}
				return
			}
			if t, ok := messageTypeOf(msg); ok && c.server.deps.Metrics != nil {
				c.server.deps.Metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}
}

// pingLoop samples round-trip time via websocket ping/pong, feeding
// internal/synthesis's quality estimator so video emission adapts to the
// client's current network conditions (spec §4.8).
func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := time.Now()
			c.ws.SetPongHandler(func(string) error {
				c.quality.ObserveRTT(time.Since(sent))
				_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// vadLoop polls for client-side silence once audio has started, issuing
// the same listening->processing boundary an explicit end_utterance would
// (spec §4.5: "no explicit end_utterance after VADSilenceThreshold of
// silence ends the utterance").
func (c *connection) vadLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !c.silence.ShouldEndUtterance(now) {
				continue
			}
			if sess, err := c.server.deps.Sessions.Get(c.sess.ID); err != nil || sess.State != string(conversation.StateListening) {
				continue
			}
			if c.asrSession == nil {
				c.beginTurn(ctx, conversation.TriggerVADSilence)
				continue
			}
			_ = c.asrSession.SendAudioChunk(ctx, 0, nil, 0, true)
		}
	}
}

func (c *connection) sendError(code, detail string, recoverable, retryable bool) {
	_ = c.outbound.Send(context.Background(), protocol.ErrorEvent{
		Type: protocol.TypeError, SessionID: c.sess.ID,
		Code: code, Message: detail, Recoverable: recoverable, Retryable: retryable,
	})
}

func (c *connection) ensureASRSession(ctx context.Context) bool {
	if c.asrSession != nil {
		return true
	}
	if c.server.deps.ASR == nil {
		return false
	}
	sess, events, err := c.server.deps.ASR.StartSession(ctx, c.sess.ID)
	if err != nil {
		c.sendError(turn.ASRError(err).Code, err.Error(), true, true)
		return false
	}
	c.asrSession = sess
	c.asrEvents = events
	go c.consumeASREvents(ctx)
	return true
}

// barge-in fires when inbound audio carries enough energy to count as the
// speaker talking over an in-progress reply (spec §4.3: "inbound audio
// energy above threshold | speaking/processing -> interrupted").
func (c *connection) checkBargeIn(ctx context.Context, pcm []byte) {
	if !c.energy.IsBargeIn(pcm) {
		return
	}
	sess, err := c.server.deps.Sessions.Get(c.sess.ID)
	if err != nil {
		return
	}
	if sess.State == string(conversation.StateSpeaking) || sess.State == string(conversation.StateProcessing) {
		c.handleInterruption(ctx)
	}
}

func (c *connection) handleAudioChunk(ctx context.Context, m protocol.AudioChunk) {
	if !c.ensureASRSession(ctx) {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
	if err != nil {
		c.sendError("invalid_audio_chunk", err.Error(), false, false)
		return
	}
	c.checkBargeIn(ctx, pcm)
	now := time.Now()
	c.silence.Observe(now)
	if err := c.asrSession.SendAudioChunk(ctx, int64(m.Seq), pcm, m.SampleRate, false); err != nil {
		c.handleASRSendError(err)
		return
	}
	_, _ = c.machine.Fire(ctx, conversation.TriggerAudioChunk)
}

// handleEndUtterance commits the ASR stream. It does not start the turn
// itself: the resulting asr.EventFinal (delivered asynchronously to
// consumeASREvents) is what sets the transcript and starts it, so the turn
// never races ahead of its own transcript. If no ASR session exists there
// is nothing to wait for, so the turn starts immediately with whatever
// transcript text has been accumulated so far.
func (c *connection) handleEndUtterance(ctx context.Context) {
	if c.asrSession == nil {
		c.beginTurn(ctx, conversation.TriggerEndUtterance)
		return
	}
	_ = c.asrSession.SendAudioChunk(ctx, 0, nil, 0, true)
}

func (c *connection) handleASRSendError(err error) {
	if errors.Is(err, asr.ErrClosed) {
		return
	}
	c.sendError(turn.ASRError(err).Code, err.Error(), true, true)
	_, _ = c.machine.Fire(context.Background(), conversation.TriggerRecoverableFailure)
}

func (c *connection) handleInterruption(ctx context.Context) {
	if _, err := c.machine.Fire(ctx, conversation.TriggerInterruption); err != nil {
		return
	}
	c.cancelMu.Lock()
	if c.activeCancel != nil {
		c.activeCancel.Cancel()
	}
	c.cancelMu.Unlock()
	_ = c.server.deps.Sessions.Interrupt(c.sess.ID)
}

// beginTurn transitions listening->processing and, if accepted, starts a
// new turn in the background. It is a no-op if a turn is already running
// or the transition is rejected (e.g. nothing has been said yet).
func (c *connection) beginTurn(ctx context.Context, trigger conversation.Trigger) {
	if !c.startingTurn.CompareAndSwap(false, true) {
		return
	}
	if _, err := c.machine.Fire(ctx, trigger); err != nil {
		c.startingTurn.Store(false)
		return
	}
	c.silence.Reset()
	transcript := c.consumeTranscript()
	go c.runTurn(transcript)
}

func (c *connection) runTurn(transcript string) {
	defer c.startingTurn.Store(false)

	turnID := c.sess.ID + "-" + strconv.FormatInt(c.turnSeq.Add(1), 10)
	index, err := c.server.deps.Sessions.NextTurnIndex(c.sess.ID)
	if err != nil {
		return
	}
	_ = c.server.deps.Sessions.StartTurn(c.sess.ID, turnID)

	token := c.turnSeq.Load()
	cancel := turn.NewCancellation(context.Background(), token)
	c.cancelMu.Lock()
	c.activeCancel = cancel
	c.cancelMu.Unlock()

	result, err := c.pipeline.Run(cancel.Context(), cancel, turn.Input{
		TurnID:          turnID,
		SessionID:       c.sess.ID,
		Index:           index,
		UserID:          c.sess.UserID,
		FinalTranscript: transcript,
		PersonaPrompt:   personaPrompt(c.sess.PersonaID),
		Summaries:       c.snapshotSummaries(),
		VoiceID:         c.sess.VoiceID,
		ModelID:         c.sess.LLMProvider,
		FaceID:          c.sess.FaceID,
		VideoEnabled:    c.videoEnabled && c.quality.VideoAllowed(),
		TokenBudget:     c.server.deps.Config.GenerationTokenBudget,
	})

	c.cancelMu.Lock()
	if c.activeCancel == cancel {
		c.activeCancel = nil
	}
	c.cancelMu.Unlock()

	if err != nil {
		if te, ok := err.(*turn.Error); ok {
			c.sendError(te.Code, te.Message, te.Recoverable, te.Retryable)
			if te.Recoverable {
				_, _ = c.machine.Fire(context.Background(), conversation.TriggerRecoverableFailure)
			} else {
				_, _ = c.machine.Fire(context.Background(), conversation.TriggerFatalFailure)
			}
		}
		return
	}
	c.pushSummary(result.GeneratedText)
	c.persistTurn(transcript, result.GeneratedText)
}

// persistTurn writes the redacted transcript/reply pair to durable memory,
// if configured, so future connections for this user can seed their
// rolling summary context across reconnects (spec §4.4's "last k
// conversational summaries" spans more than one connection's lifetime).
func (c *connection) persistTurn(userText, replyText string) {
	mem := c.server.deps.Memory
	if mem == nil {
		return
	}
	redactedUser, userChanged := policy.RedactPII(userText)
	redactedReply, replyChanged := policy.RedactPII(replyText)
	ctx := context.Background()
	_ = mem.SaveTurn(ctx, memory.TurnRecord{
		UserID: c.sess.UserID, SessionID: c.sess.ID, Role: "user",
		Content: redactedUser, PIIRedacted: userChanged,
	})
	_ = mem.SaveTurn(ctx, memory.TurnRecord{
		UserID: c.sess.UserID, SessionID: c.sess.ID, Role: "assistant",
		Content: redactedReply, PIIRedacted: replyChanged,
	})
}

func (c *connection) consumeASREvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.asrEvents:
			if !ok {
				return
			}
			switch ev.Type {
			case asr.EventInterim:
				_ = c.outbound.Send(ctx, protocol.Transcript{
					Type: protocol.TypeTranscript, SessionID: c.sess.ID,
					Text: ev.Text, Final: false, Confidence: ev.Confidence, TSMs: ev.TimestampMS,
				})
			case asr.EventFinal:
				c.setTranscript(ev.Text)
				_ = c.outbound.Send(ctx, protocol.Transcript{
					Type: protocol.TypeTranscript, SessionID: c.sess.ID,
					Text: ev.Text, Final: true, Confidence: ev.Confidence, TSMs: ev.TimestampMS,
				})
				// listening->processing happens here (or was already done by
				// an explicit end_utterance); TriggerASRFinal only applies
				// once processing has started, so fire it after.
				c.beginTurn(ctx, conversation.TriggerEndUtterance)
				_, _ = c.machine.Fire(ctx, conversation.TriggerASRFinal)
			case asr.EventError:
				c.sendError(turn.ASRError(nil).Code, ev.Detail, ev.Retryable, ev.Retryable)
				_, _ = c.machine.Fire(ctx, conversation.TriggerRecoverableFailure)
			}
		}
	}
}

func (c *connection) setTranscript(text string) {
	c.summariesMu.Lock()
	c.pendingTranscript = text
	c.summariesMu.Unlock()
}

func (c *connection) consumeTranscript() string {
	c.summariesMu.Lock()
	defer c.summariesMu.Unlock()
	text := c.pendingTranscript
	c.pendingTranscript = ""
	return text
}

// seedSummaries primes a freshly bound connection's rolling summary window
// from durable memory, so a reconnecting user's context survives the gap
// rather than starting blank.
func (c *connection) seedSummaries(ctx context.Context) {
	mem := c.server.deps.Memory
	if mem == nil {
		return
	}
	recent, err := mem.RecentContext(ctx, c.sess.UserID, maxSummaries)
	if err != nil {
		return
	}
	for _, rec := range recent {
		if rec.Role == "assistant" {
			c.pushSummary(rec.Content)
		}
	}
}

func (c *connection) pushSummary(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	c.summariesMu.Lock()
	defer c.summariesMu.Unlock()
	c.summaries = append(c.summaries, text)
	if len(c.summaries) > maxSummaries {
		c.summaries = c.summaries[len(c.summaries)-maxSummaries:]
	}
}

func (c *connection) snapshotSummaries() []string {
	c.summariesMu.Lock()
	defer c.summariesMu.Unlock()
	out := make([]string, len(c.summaries))
	copy(out, c.summaries)
	return out
}

func personaPrompt(personaID string) string {
	if personaID == "" {
		return "You are a helpful assistant."
	}
	return "You are " + personaID + ", a digital twin assistant."
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Transcript:
		return m.Type, true
	case protocol.ResponseStart:
		return m.Type, true
	case protocol.ResponseAudio:
		return m.Type, true
	case protocol.ResponseVideo:
		return m.Type, true
	case protocol.ResponseEnd:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
