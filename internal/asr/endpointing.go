package asr

import (
	"math"
	"time"
)

// SilenceDetector issues an end-of-utterance boundary after the client has
// gone quiet for at least the VAD-silence threshold (default 500ms, spec
// §4.5), used when the client has not yet sent an explicit end_utterance.
type SilenceDetector struct {
	threshold   time.Duration
	lastAudioAt time.Time
	hasAudio    bool
}

func NewSilenceDetector(threshold time.Duration) *SilenceDetector {
	if threshold <= 0 {
		threshold = 500 * time.Millisecond
	}
	return &SilenceDetector{threshold: threshold}
}

// Observe records that an audio frame arrived at now.
func (d *SilenceDetector) Observe(now time.Time) {
	d.lastAudioAt = now
	d.hasAudio = true
}

// ShouldEndUtterance reports whether silence has exceeded the threshold
// since the last observed frame.
func (d *SilenceDetector) ShouldEndUtterance(now time.Time) bool {
	if !d.hasAudio {
		return false
	}
	return now.Sub(d.lastAudioAt) >= d.threshold
}

func (d *SilenceDetector) Reset() {
	d.hasAudio = false
	d.lastAudioAt = time.Time{}
}

// RMSAmplitude computes the root-mean-square amplitude of a little-endian
// 16-bit PCM buffer, used to detect barge-in while the system is speaking or
// processing (spec §4.3: "inbound audio energy above threshold").
func RMSAmplitude(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		sumSquares += float64(sample) * float64(sample)
	}
	return math.Sqrt(sumSquares / float64(n))
}

// EnergyDetector reports whether an inbound PCM frame carries enough energy
// to count as the speaker talking over an in-progress reply.
type EnergyDetector struct {
	threshold float64
}

func NewEnergyDetector(threshold int) *EnergyDetector {
	if threshold <= 0 {
		threshold = 1800
	}
	return &EnergyDetector{threshold: float64(threshold)}
}

func (d *EnergyDetector) IsBargeIn(pcm []byte) bool {
	return RMSAmplitude(pcm) >= d.threshold
}
