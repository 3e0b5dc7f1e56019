package turn

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/twincore/internal/generation"
	"github.com/antoniostano/twincore/internal/observability"
	"github.com/antoniostano/twincore/internal/protocol"
	"github.com/antoniostano/twincore/internal/rag"
	"github.com/antoniostano/twincore/internal/synthesis"
)

// Latency budgets, design targets observed via internal/observability stage
// histograms (spec §4.4). Two are also enforced as timeouts: the RAG budget
// gates the degrade-to-empty-context decision, and the lip-sync budget caps
// each per-chunk lip-sync call.
const (
	RAGBudget               = 200 * time.Millisecond
	LLMFirstTokenBudget     = 1000 * time.Millisecond
	TTSFirstChunkBudget     = 500 * time.Millisecond
	LipSyncFirstFrameBudget = 300 * time.Millisecond
	TotalFirstAudioBudget   = 2000 * time.Millisecond

	defaultTTSParallelism = 2
)

type Status string

const (
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Stages records per-stage timings for one turn (spec §3's Turn attribute
// "per-stage timings"), mirrored onto protocol.TurnMetrics at response_end.
type Stages struct {
	ASRMs           int64
	RAGMs           int64
	RAGTimeout      bool
	LLMFirstTokenMs int64
	TTSFirstChunkMs int64
	LipSyncFirstMs  int64
	TotalMs         int64
	RetryCount      int
}

// Turn is the pipeline's record of one user-utterance transaction (spec
// §3). Once Status is non-empty the turn is immutable.
type Turn struct {
	ID              string
	SessionID       string
	Index           int
	FinalTranscript string
	RetrievedChunks []rag.Chunk
	GeneratedText   string
	Truncated       bool
	Stages          Stages
	Status          Status
}

// Deps wires the pipeline to its five stage collaborators plus the
// session's outbound delivery queue and shared observability sink.
type Deps struct {
	RAG             *rag.Coordinator
	Generation      generation.Provider
	TTS             synthesis.TTSProvider
	LipSync         synthesis.LipSyncProvider
	Outbound        *OutboundQueue
	Metrics         *observability.Metrics
	TTSParallelism  int
	ReorderCapacity int
	StallTimeout    time.Duration

	// OnLifecycle, if set, is called at the turn milestones
	// "processing_started", "first_audio" (the first real audio chunk reaches
	// Outbound), and "turn_end" (response_end about to be sent). The
	// transport layer drives its conversation state machine from the last
	// two.
	OnLifecycle func(event string)
}

// Input describes one turn's starting conditions, gathered by C3 on the
// listening->processing transition.
type Input struct {
	TurnID          string
	SessionID       string
	Index           int
	UserID          string
	FinalTranscript string
	PersonaPrompt   string
	Summaries       []string
	VoiceID         string
	ModelID         string
	FaceID          string
	VideoEnabled    bool
	TokenBudget     int
}

// Pipeline drives one turn end-to-end under the cancellation token and
// ordering/back-pressure rules of spec §4.4, generalizing the teacher's
// runAssistantTurn.
type Pipeline struct {
	deps Deps
}

func NewPipeline(deps Deps) *Pipeline {
	if deps.TTSParallelism <= 0 {
		deps.TTSParallelism = defaultTTSParallelism
	}
	return &Pipeline{deps: deps}
}

// Run executes one turn. It returns the finalized Turn even on a
// degraded/partial outcome; err is non-nil only for a turn-aborting
// failure (ASR/LLM-before-first-token/tts_stall per the failure policy).
func (p *Pipeline) Run(ctx context.Context, cancel *Cancellation, in Input) (*Turn, error) {
	start := time.Now()
	t := &Turn{ID: in.TurnID, SessionID: in.SessionID, Index: in.Index, FinalTranscript: in.FinalTranscript}
	turnCtx := cancel.Context()
	p.fireLifecycle("processing_started")

	chunks, ragMs, ragTimedOut, noKnowledge := p.retrieve(turnCtx, in)
	t.RetrievedChunks = chunks
	t.Stages.RAGMs = ragMs
	t.Stages.RAGTimeout = ragTimedOut
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveTurnStage("rag", time.Duration(ragMs)*time.Millisecond)
	}

	if err := p.sendOutbound(turnCtx, protocol.ResponseStart{
		Type: protocol.TypeResponseStart, SessionID: in.SessionID, TurnID: in.TurnID,
		Sources: toSources(chunks),
	}); err != nil {
		t.Status = StatusFailed
		return t, err
	}

	reorder := NewReorderBuffer(p.deps.ReorderCapacity, p.deps.StallTimeout)
	sem := make(chan struct{}, p.deps.TTSParallelism)
	var wg sync.WaitGroup
	var lipSyncDisabled atomic.Bool
	var firstAudioSent atomic.Bool
	var firstTokenSeen bool
	var firstTokenAt time.Time
	var genText strings.Builder

	stallCtx, stopStall := context.WithCancel(turnCtx)
	defer stopStall()
	stallAbort := make(chan struct{}, 1)
	go p.watchStall(stallCtx, reorder, stallAbort)

	detector := NewBoundaryDetector()
	req := generation.Request{
		UserID: in.UserID, SessionID: in.SessionID, TurnID: in.TurnID,
		PersonaPrompt: in.PersonaPrompt, RetrievedChunks: toGenerationChunks(chunks),
		GroundedRefusal: noKnowledge && !ragTimedOut,
		Summaries:       in.Summaries, FinalTranscript: in.FinalTranscript, TokenBudget: in.TokenBudget,
	}

	resp, genErr := p.deps.Generation.StreamGenerate(turnCtx, req, func(delta string) error {
		if !firstTokenSeen {
			firstTokenSeen = true
			firstTokenAt = time.Now()
			t.Stages.LLMFirstTokenMs = firstTokenAt.Sub(start).Milliseconds()
			if p.deps.Metrics != nil {
				p.deps.Metrics.ObserveTurnStage("llm_first_token", firstTokenAt.Sub(start))
			}
		}
		genText.WriteString(delta)
		for _, unit := range detector.Feed(delta) {
			p.dispatchUnit(turnCtx, unit, in, reorder, sem, &wg, &lipSyncDisabled, &firstAudioSent, t, start)
		}
		select {
		case <-stallAbort:
			return errTTSStall()
		case <-turnCtx.Done():
			return turnCtx.Err()
		default:
			return nil
		}
	})

	if genErr != nil {
		if !firstTokenSeen {
			wg.Wait()
			t.Status = StatusFailed
			return t, errLLM(genErr)
		}
		t.Truncated = true
		t.Status = StatusInterrupted
	}
	if final := detector.Flush(); final != nil {
		p.dispatchUnit(turnCtx, *final, in, reorder, sem, &wg, &lipSyncDisabled, &firstAudioSent, t, start)
	}

	wg.Wait()
	t.GeneratedText = genText.String()
	if resp.Text != "" && t.GeneratedText == "" {
		t.GeneratedText = resp.Text
	}

	select {
	case <-stallAbort:
		t.Status = StatusInterrupted
		return t, errTTSStall()
	default:
	}

	t.Stages.TotalMs = time.Since(start).Milliseconds()
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveTurnStage("total", time.Since(start))
	}
	if t.Status == "" {
		t.Status = StatusCompleted
	}

	p.fireLifecycle("turn_end")
	_ = p.sendOutbound(turnCtx, protocol.ResponseEnd{
		Type: protocol.TypeResponseEnd, SessionID: in.SessionID, TurnID: in.TurnID,
		Metrics: protocol.TurnMetrics{
			RAGMs: t.Stages.RAGMs, RAGTimeout: t.Stages.RAGTimeout,
			LLMFirstTokenMs: t.Stages.LLMFirstTokenMs, TTSFirstChunkMs: t.Stages.TTSFirstChunkMs,
			LipSyncFirstMs: t.Stages.LipSyncFirstMs, TotalLatencyMs: t.Stages.TotalMs,
			RetryCount: t.Stages.RetryCount,
		},
	})
	return t, nil
}

// retrieve runs C6 under the RAG budget; a timeout or adapter error
// degrades to an empty context rather than aborting the turn (spec §4.4's
// failure policy).
func (p *Pipeline) retrieve(ctx context.Context, in Input) (chunks []rag.Chunk, elapsedMs int64, timedOut, noKnowledge bool) {
	if p.deps.RAG == nil {
		return nil, 0, false, true
	}
	start := time.Now()
	ragCtx, cancel := context.WithTimeout(ctx, RAGBudget)
	defer cancel()
	result, err := p.deps.RAG.Retrieve(ragCtx, rag.Request{
		UserID: in.UserID, Query: in.FinalTranscript, LastSummaries: in.Summaries,
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, elapsed, errors.Is(err, context.DeadlineExceeded), false
	}
	return result.Chunks, elapsed, false, result.NoKnowledge
}

func (p *Pipeline) fireLifecycle(event string) {
	if p.deps.OnLifecycle != nil {
		p.deps.OnLifecycle(event)
	}
}

func (p *Pipeline) sendOutbound(ctx context.Context, msg any) error {
	if p.deps.Outbound == nil {
		return nil
	}
	return p.deps.Outbound.Send(ctx, msg)
}

func (p *Pipeline) watchStall(ctx context.Context, reorder *ReorderBuffer, abort chan<- struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			warn, doAbort := reorder.StallStatus(now)
			if warn && !warned {
				warned = true
				slog.Warn("turn: reorder buffer stalled", "pending", reorder.Pending())
			}
			if doAbort {
				select {
				case abort <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// dispatchUnit launches one synthesis unit's TTS (and, if enabled,
// lip-sync) job under the parallelism semaphore. TTS jobs may complete out
// of order across units; delivery order is restored by the reorder buffer.
func (p *Pipeline) dispatchUnit(ctx context.Context, unit SynthesisUnit, in Input, reorder *ReorderBuffer, sem chan struct{}, wg *sync.WaitGroup, lipSyncDisabled, firstAudioSent *atomic.Bool, t *Turn, turnStart time.Time) {
	wg.Add(1)
	sem <- struct{}{}
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		p.synthesizeUnit(ctx, unit, in, reorder, lipSyncDisabled, firstAudioSent, t, turnStart)
	}()
}

func (p *Pipeline) synthesizeUnit(ctx context.Context, unit SynthesisUnit, in Input, reorder *ReorderBuffer, lipSyncDisabled, firstAudioSent *atomic.Bool, t *Turn, turnStart time.Time) {
	ok := p.runUnitOnce(ctx, unit, in, reorder, lipSyncDisabled, firstAudioSent, t, turnStart)
	if !ok {
		// One retry on failure, per spec §4.4's TTS failure policy.
		t.Stages.RetryCount++
		ok = p.runUnitOnce(ctx, unit, in, reorder, lipSyncDisabled, firstAudioSent, t, turnStart)
	}
	if !ok {
		// Second failure: skip this unit (client sees a gap, not a hang)
		// but keep the reorder cursor moving so later units still deliver.
		// The client still needs to know a unit was dropped rather than
		// silently swallowing part of the reply.
		_ = p.sendOutbound(ctx, protocol.ErrorEvent{
			Type: protocol.TypeError, SessionID: in.SessionID,
			Code: "TTS_UNIT_SKIPPED", Message: "synthesis failed twice for this unit; it was skipped",
			Recoverable: true, Retryable: false,
		})
		if items, err := reorder.Push(Item{UnitIndex: unit.Index, ChunkIndex: 0, Final: true}); err == nil {
			p.emitItems(ctx, in, items, firstAudioSent)
		}
	}
}

func (p *Pipeline) runUnitOnce(ctx context.Context, unit SynthesisUnit, in Input, reorder *ReorderBuffer, lipSyncDisabled, firstAudioSent *atomic.Bool, t *Turn, turnStart time.Time) bool {
	stream, err := p.deps.TTS.StartStream(ctx, in.VoiceID, in.ModelID, synthesis.Settings{})
	if err != nil {
		return false
	}
	if err := stream.SendText(ctx, unit.Text, true); err != nil {
		stream.Close()
		return false
	}
	if err := stream.CloseInput(ctx); err != nil {
		stream.Close()
		return false
	}
	defer stream.Close()

	chunkIdx := 0
	var pending *Item
	flush := func(final bool) {
		if pending == nil {
			return
		}
		pending.Final = final
		items, pushErr := reorder.Push(*pending)
		if pushErr == nil {
			p.emitItems(ctx, in, items, firstAudioSent)
		}
		pending = nil
	}

	// The stream's event channel stays open past its own final/error event
	// (the caller, not the provider, owns Close); drive the loop off the
	// terminal event types rather than channel closure.
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, open := <-stream.Events():
			if !open {
				flush(true)
				return true
			}
			switch ev.Type {
			case synthesis.AudioEventError:
				return false
			case synthesis.AudioEventChunk:
				flush(false)
				if chunkIdx == 0 {
					t.Stages.TTSFirstChunkMs = time.Since(turnStart).Milliseconds()
					if p.deps.Metrics != nil {
						p.deps.Metrics.ObserveTurnStage("tts_first_chunk", time.Since(turnStart))
					}
				}
				video, format := p.lipSyncFor(ctx, in, ev.Audio, lipSyncDisabled, t, turnStart, chunkIdx)
				pending = &Item{UnitIndex: unit.Index, ChunkIndex: chunkIdx, Payload: outboundPayload{
					audio: ev.Audio, audioFormat: ev.Format, video: video, videoFormat: format,
				}}
				chunkIdx++
			case synthesis.AudioEventFinal:
				flush(true)
				return true
			}
		}
	}
}

type outboundPayload struct {
	audio       []byte
	audioFormat string
	video       []byte
	videoFormat string
}

func (p *Pipeline) lipSyncFor(ctx context.Context, in Input, audio []byte, disabled *atomic.Bool, t *Turn, turnStart time.Time, chunkIdx int) ([]byte, string) {
	if !in.VideoEnabled || in.FaceID == "" || p.deps.LipSync == nil || disabled.Load() {
		return nil, ""
	}
	lipSyncCtx, cancel := context.WithTimeout(ctx, LipSyncFirstFrameBudget)
	defer cancel()
	video, format, err := p.deps.LipSync.Synthesize(lipSyncCtx, audio, in.FaceID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Lip-sync was too slow for this chunk; drop video for just this
			// chunk rather than a hard error disabling it for the whole turn.
			return nil, ""
		}
		disabled.Store(true)
		return nil, ""
	}
	if chunkIdx == 0 && video != nil && p.deps.Metrics != nil {
		p.deps.Metrics.ObserveTurnStage("lipsync_first_frame", time.Since(turnStart))
	}
	return video, format
}

func (p *Pipeline) emitItems(ctx context.Context, in Input, items []Item, firstAudioSent *atomic.Bool) {
	for _, item := range items {
		payload, ok := item.Payload.(outboundPayload)
		if !ok {
			continue // skipped unit placeholder, nothing to deliver
		}
		if payload.audio != nil {
			if firstAudioSent != nil && firstAudioSent.CompareAndSwap(false, true) {
				p.fireLifecycle("first_audio")
			}
			_ = p.sendOutbound(ctx, protocol.ResponseAudio{
				Type: protocol.TypeResponseAudio, SessionID: in.SessionID, TurnID: in.TurnID,
				UnitIndex: item.UnitIndex, ChunkIndex: item.ChunkIndex, Format: payload.audioFormat,
				AudioBase64: base64.StdEncoding.EncodeToString(payload.audio),
			})
		}
		if payload.video != nil {
			_ = p.sendOutbound(ctx, protocol.ResponseVideo{
				Type: protocol.TypeResponseVideo, SessionID: in.SessionID, TurnID: in.TurnID,
				UnitIndex: item.UnitIndex, ChunkIndex: item.ChunkIndex, Format: payload.videoFormat,
				VideoBase64: base64.StdEncoding.EncodeToString(payload.video),
			})
		}
	}
}

func toSources(chunks []rag.Chunk) []protocol.Source {
	out := make([]protocol.Source, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, protocol.Source{ChunkID: c.ID, SourceType: string(c.SourceType), Score: c.Score})
	}
	return out
}

func toGenerationChunks(chunks []rag.Chunk) []generation.Chunk {
	out := make([]generation.Chunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, generation.Chunk{ID: c.ID, Text: c.Snippet, SourceType: string(c.SourceType), Score: c.Score})
	}
	return out
}
