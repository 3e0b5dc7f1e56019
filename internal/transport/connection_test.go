package transport

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/twincore/internal/asr"
	"github.com/antoniostano/twincore/internal/auth"
	"github.com/antoniostano/twincore/internal/protocol"
)

func TestBearerTokenPrefersAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/conversation/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	if got := bearerToken(r); got != "from-header" {
		t.Fatalf("bearerToken() = %q, want %q", got, "from-header")
	}
}

func TestBearerTokenFallsBackToQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/conversation/ws?token=from-query", nil)
	if got := bearerToken(r); got != "from-query" {
		t.Fatalf("bearerToken() = %q, want %q", got, "from-query")
	}
}

func TestPersonaPromptDefaultsWhenEmpty(t *testing.T) {
	if got := personaPrompt(""); got != "You are a helpful assistant." {
		t.Fatalf("personaPrompt(\"\") = %q", got)
	}
	if got := personaPrompt("nova"); !strings.Contains(got, "nova") {
		t.Fatalf("personaPrompt(%q) = %q, want it to mention the persona id", "nova", got)
	}
}

func TestMessageTypeOfKnownAndUnknown(t *testing.T) {
	if typ, ok := messageTypeOf(protocol.ResponseEnd{Type: protocol.TypeResponseEnd}); !ok || typ != protocol.TypeResponseEnd {
		t.Fatalf("messageTypeOf(ResponseEnd) = (%v, %v)", typ, ok)
	}
	if _, ok := messageTypeOf("not a protocol message"); ok {
		t.Fatalf("messageTypeOf(string) ok = true, want false")
	}
}

// dialConversation opens the websocket endpoint with a freshly minted guest
// token and returns the connection plus a teardown func.
func dialConversation(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, func()) {
	t.Helper()
	token := auth.NewGuestToken(time.Now())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/conversation/ws?token=" + token
	if query != "" {
		wsURL += "&" + query
	}
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s error = %v", wsURL, err)
	}
	if res != nil {
		res.Body.Close()
	}
	return conn, func() { conn.Close() }
}

func readUntilType(t *testing.T, conn *websocket.Conn, want protocol.MessageType, deadline time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		var envelope map[string]any
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if envelope["type"] == string(want) {
			return envelope
		}
	}
}

func TestConversationWSHappyPathReachesResponseEnd(t *testing.T) {
	srv := newTestServer(t)
	srv.deps.ASR = asr.NewMockProvider()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, teardown := dialConversation(t, ts, "persona_id=nova&voice_id=v1")
	defer teardown()

	bound := readUntilType(t, conn, protocol.TypeStateChanged, 2*time.Second)
	sessionID, _ := bound["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("initial state_changed frame missing session_id: %+v", bound)
	}

	pcm := base64.StdEncoding.EncodeToString(make([]byte, 320))
	for i := 0; i < 3; i++ {
		chunk := protocol.AudioChunk{
			Type: protocol.TypeAudioChunk, SessionID: sessionID,
			Seq: i, PCM16Base64: pcm, SampleRate: 16000,
		}
		raw, _ := json.Marshal(chunk)
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			t.Fatalf("write audio_chunk: %v", err)
		}
	}
	end := protocol.EndUtterance{Type: protocol.TypeEndUtterance, SessionID: sessionID}
	raw, _ := json.Marshal(end)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write end_utterance: %v", err)
	}

	final := readUntilType(t, conn, protocol.TypeResponseEnd, 3*time.Second)
	metrics, _ := final["metrics"].(map[string]any)
	if metrics == nil {
		t.Fatalf("response_end missing metrics: %+v", final)
	}
	if _, ok := metrics["total_latency_ms"]; !ok {
		t.Fatalf("response_end.metrics missing total_latency_ms: %+v", metrics)
	}
}

func TestConversationWSRejectsMismatchedSessionID(t *testing.T) {
	srv := newTestServer(t)
	srv.deps.ASR = asr.NewMockProvider()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, teardown := dialConversation(t, ts, "")
	defer teardown()
	readUntilType(t, conn, protocol.TypeStateChanged, 2*time.Second)

	end := protocol.EndUtterance{Type: protocol.TypeEndUtterance, SessionID: "not-the-bound-session"}
	raw, _ := json.Marshal(end)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write end_utterance: %v", err)
	}

	errFrame := readUntilType(t, conn, protocol.TypeError, 2*time.Second)
	if errFrame["code"] != "SESSION_MISMATCH" {
		t.Fatalf("error code = %v, want SESSION_MISMATCH", errFrame["code"])
	}
}
