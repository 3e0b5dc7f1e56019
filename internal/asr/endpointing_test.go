package asr

import (
	"testing"
	"time"
)

func TestSilenceDetectorTriggersAfterThreshold(t *testing.T) {
	d := NewSilenceDetector(500 * time.Millisecond)
	base := time.Now()

	if d.ShouldEndUtterance(base) {
		t.Fatalf("ShouldEndUtterance() before any audio should be false")
	}

	d.Observe(base)
	if d.ShouldEndUtterance(base.Add(100 * time.Millisecond)) {
		t.Fatalf("ShouldEndUtterance() before threshold should be false")
	}
	if !d.ShouldEndUtterance(base.Add(600 * time.Millisecond)) {
		t.Fatalf("ShouldEndUtterance() after threshold should be true")
	}
}

func TestSilenceDetectorResetsOnNewAudio(t *testing.T) {
	d := NewSilenceDetector(200 * time.Millisecond)
	base := time.Now()
	d.Observe(base)
	d.Observe(base.Add(150 * time.Millisecond))
	if d.ShouldEndUtterance(base.Add(250 * time.Millisecond)) {
		t.Fatalf("ShouldEndUtterance() should measure silence from the latest frame")
	}
}

func samplesToPCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[2*i] = byte(uint16(s))
		pcm[2*i+1] = byte(uint16(s) >> 8)
	}
	return pcm
}

func TestRMSAmplitudeSilence(t *testing.T) {
	pcm := samplesToPCM(make([]int16, 100))
	if got := RMSAmplitude(pcm); got != 0 {
		t.Fatalf("RMSAmplitude(silence) = %v, want 0", got)
	}
}

func TestRMSAmplitudeLoudTone(t *testing.T) {
	samples := make([]int16, 100)
	for i := range samples {
		samples[i] = 10000
	}
	pcm := samplesToPCM(samples)
	if got := RMSAmplitude(pcm); got < 9000 {
		t.Fatalf("RMSAmplitude(loud) = %v, want >= 9000", got)
	}
}

func TestEnergyDetectorIsBargeIn(t *testing.T) {
	d := NewEnergyDetector(1800)
	quiet := samplesToPCM(make([]int16, 50))
	if d.IsBargeIn(quiet) {
		t.Fatalf("IsBargeIn(quiet) = true, want false")
	}

	loud := make([]int16, 50)
	for i := range loud {
		loud[i] = 5000
	}
	if !d.IsBargeIn(samplesToPCM(loud)) {
		t.Fatalf("IsBargeIn(loud) = false, want true")
	}
}
