package synthesis

import (
	"testing"
	"time"
)

func TestQualityEstimatorDefaultsToHighWithNoSamples(t *testing.T) {
	e := NewQualityEstimator(5)
	if e.Mode() != QualityHigh {
		t.Fatalf("Mode() = %v, want high", e.Mode())
	}
	if !e.VideoAllowed() {
		t.Fatalf("VideoAllowed() = false, want true")
	}
}

func TestQualityEstimatorDegradesWithRTT(t *testing.T) {
	e := NewQualityEstimator(3)
	for i := 0; i < 3; i++ {
		e.ObserveRTT(900 * time.Millisecond)
	}
	if e.Mode() != QualityAudioOnly {
		t.Fatalf("Mode() = %v, want audio-only", e.Mode())
	}
	if e.VideoAllowed() {
		t.Fatalf("VideoAllowed() = true, want false")
	}
}

func TestQualityEstimatorWindowDropsOldSamples(t *testing.T) {
	e := NewQualityEstimator(2)
	e.ObserveRTT(900 * time.Millisecond)
	e.ObserveRTT(900 * time.Millisecond)
	e.ObserveRTT(50 * time.Millisecond)
	e.ObserveRTT(50 * time.Millisecond)
	if e.Mode() != QualityHigh {
		t.Fatalf("Mode() = %v, want high after old samples slide out of the window", e.Mode())
	}
}
