package asr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/twincore/internal/reliability"
)

// ElevenLabsConfig configures the realtime speech-to-text backend, adapted
// from the teacher's voice.ElevenLabsConfig STT half.
type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	ModelID    string
	CommitMode string // "manual" | "vad"
}

// ElevenLabsProvider streams PCM audio to ElevenLabs' realtime STT endpoint
// over a websocket per session (spec §4.5).
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "scribe_v2_realtime"
	}
	if strings.TrimSpace(cfg.CommitMode) == "" {
		cfg.CommitMode = "manual"
	}
	return &ElevenLabsProvider{cfg: cfg}
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, _ string) (Session, <-chan Event, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("commit_strategy", p.cfg.CommitMode)
	q.Set("include_timestamps", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("asr: dial elevenlabs stt websocket: %w", err)
	}

	events := make(chan Event, 256)
	s := &elevenSession{conn: conn, events: events, lastSeq: -1}
	go s.readLoop()
	return s, events, nil
}

type elevenSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	events    chan Event
	closeOnce sync.Once

	mu      sync.Mutex
	lastSeq int64
}

// SendAudioChunk enforces the strictly-increasing sequence contract (spec
// §4.5) on data frames. The end-of-utterance commit is sent as a bare
// sentinel (pcm == nil) by callers that don't track the last sequence number
// themselves, so it is exempt from the gap check rather than compared
// against lastSeq as if it were real audio.
func (s *elevenSession) SendAudioChunk(_ context.Context, seq int64, pcm []byte, sampleRate int, commit bool) error {
	isCommitSentinel := commit && pcm == nil
	s.mu.Lock()
	if !isCommitSentinel {
		if s.lastSeq >= 0 && seq != s.lastSeq+1 {
			s.mu.Unlock()
			return ErrSequenceGap
		}
		s.lastSeq = seq
	}
	s.mu.Unlock()

	if sampleRate <= 0 {
		sampleRate = 16000
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
		"commit":        commit,
		"sample_rate":   sampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSession) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			s.events <- Event{Type: EventInterim, Text: asString(raw["text"]), TimestampMS: time.Now().UnixMilli()}
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.events <- Event{Type: EventFinal, Text: asString(raw["text"]), Confidence: asFloat(raw["confidence"]), TimestampMS: time.Now().UnixMilli()}
		case "session_started", "", "input_audio_chunk":
			// control events, nothing to surface
		default:
			s.events <- Event{
				Type:        EventError,
				Code:        messageType,
				Detail:      asString(raw["error"]),
				Retryable:   reliability.IsRetryableRealtimeMessageType(messageType),
				TimestampMS: time.Now().UnixMilli(),
			}
		}
	}
}

func (s *elevenSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *elevenSession) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return 0
	}
}
