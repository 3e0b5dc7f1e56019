package asr

import "testing"

func TestNewProviderDefaultsToMockWithoutAPIKey(t *testing.T) {
	p := NewProvider(Config{Mode: "auto"})
	if _, ok := p.(*MockProvider); !ok {
		t.Fatalf("NewProvider(auto, no key) = %T, want *MockProvider", p)
	}
}

func TestNewProviderAutoPrefersElevenLabsWithAPIKey(t *testing.T) {
	p := NewProvider(Config{Mode: "auto", APIKey: "sk-test"})
	if _, ok := p.(*ElevenLabsProvider); !ok {
		t.Fatalf("NewProvider(auto, with key) = %T, want *ElevenLabsProvider", p)
	}
}

func TestNewProviderExplicitMock(t *testing.T) {
	p := NewProvider(Config{Mode: "mock", APIKey: "sk-test"})
	if _, ok := p.(*MockProvider); !ok {
		t.Fatalf("NewProvider(mock) = %T, want *MockProvider", p)
	}
}

func TestNewProviderExplicitElevenLabs(t *testing.T) {
	p := NewProvider(Config{Mode: "elevenlabs", APIKey: "sk-test"})
	if _, ok := p.(*ElevenLabsProvider); !ok {
		t.Fatalf("NewProvider(elevenlabs) = %T, want *ElevenLabsProvider", p)
	}
}
