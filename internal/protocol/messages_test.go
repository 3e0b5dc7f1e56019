package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"audio_chunk","session_id":"s1","seq":1,"pcm16_base64":"AQID","sample_rate":16000,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(AudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want AudioChunk", msg)
	}
	if audio.SessionID != "s1" || audio.SampleRate != 16000 {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageEndUtterance(t *testing.T) {
	raw := []byte(`{"type":"end_utterance","session_id":"s1","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	end, ok := msg.(EndUtterance)
	if !ok {
		t.Fatalf("message type = %T, want EndUtterance", msg)
	}
	if end.SessionID != "s1" || end.TSMs != 456 {
		t.Fatalf("unexpected end_utterance: %+v", end)
	}
}

func TestParseClientMessageInterruption(t *testing.T) {
	raw := []byte(`{"type":"interruption","session_id":"s1","turn_index":3,"ts_ms":789}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	interruption, ok := msg.(Interruption)
	if !ok {
		t.Fatalf("message type = %T, want Interruption", msg)
	}
	if interruption.TurnIndex != 3 {
		t.Fatalf("TurnIndex = %d, want 3", interruption.TurnIndex)
	}
}

func TestParseClientMessageRejectsInvalidAudioChunk(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"audio_chunk","session_id":"","pcm16_base64":"","sample_rate":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsInvalidEndUtterance(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"end_utterance","session_id":""}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func BenchmarkParseClientMessageAudioChunk(b *testing.B) {
	raw := []byte(`{"type":"audio_chunk","session_id":"s1","seq":7,"pcm16_base64":"AQIDBAUGBwgJCgsMDQ4P","sample_rate":16000,"ts_ms":123456}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(AudioChunk); !ok {
			b.Fatalf("message type = %T, want AudioChunk", msg)
		}
	}
}
