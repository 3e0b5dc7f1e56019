package synthesis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/twincore/internal/reliability"
)

// ElevenLabsConfig configures the streaming text-to-speech backend, adapted
// from the teacher's voice.ElevenLabsConfig TTS half.
type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	ModelID      string
	OutputFormat string
}

// ElevenLabsTTSProvider opens one websocket stream per synthesis unit
// against ElevenLabs' realtime TTS endpoint (spec §4.8).
type ElevenLabsTTSProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsTTSProvider(cfg ElevenLabsConfig) *ElevenLabsTTSProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	return &ElevenLabsTTSProvider{cfg: cfg}
}

func (p *ElevenLabsTTSProvider) StartStream(ctx context.Context, voiceID, modelID string, settings Settings) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("synthesis: voice_id is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = p.cfg.ModelID
	}

	stability := clamp01(settings.Stability, 0.42)
	similarity := clamp01(settings.SimilarityBoost, 0.85)
	speed := settings.Speed
	if speed <= 0 {
		speed = 1.0
	}
	if speed < 0.7 {
		speed = 0.7
	} else if speed > 1.2 {
		speed = 1.2
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("synthesis: dial elevenlabs tts websocket: %w", err)
	}

	s := &elevenStream{conn: conn, events: make(chan AudioEvent, 512)}
	go s.readLoop()
	if err := s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        stability,
			"similarity_boost": similarity,
			"speed":            speed,
		},
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("synthesis: prime elevenlabs stream: %w", err)
	}
	return s, nil
}

func clamp01(v, fallback float64) float64 {
	if v <= 0 {
		v = fallback
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type elevenStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan AudioEvent
}

func (s *elevenStream) SendText(_ context.Context, text string, tryTrigger bool) error {
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": tryTrigger,
	})
}

func (s *elevenStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenStream) Events() <-chan AudioEvent { return s.events }

func (s *elevenStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *elevenStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenStream) readLoop() {
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

		if audioB64, ok := raw["audio"].(string); ok && audioB64 != "" {
			decoded, decErr := base64.StdEncoding.DecodeString(audioB64)
			if decErr == nil {
				s.events <- AudioEvent{Type: AudioEventChunk, Audio: decoded, Format: "pcm_16000"}
			}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			s.events <- AudioEvent{Type: AudioEventFinal}
		}
		if errMsg, ok := raw["error"].(string); ok && errMsg != "" {
			code, _ := raw["message_type"].(string)
			s.events <- AudioEvent{Type: AudioEventError, Code: code, Detail: errMsg, Retryable: reliability.IsRetryableRealtimeMessageType(code)}
		}
	}
}

func (s *elevenStream) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
