package turn

import "strings"

// minPrefetchChars is the minimum accumulated span length before a
// synthesis boundary may fire (spec §4.4 step 5: "the minimum prefetch
// length (~60 characters)").
const minPrefetchChars = 60

// BoundaryDetector accumulates streamed LLM token deltas and splits them
// into synthesis units at the first sentence-terminal punctuation, hard
// newline, or stream-end marker occurring after the minimum prefetch
// length, assigning each completed span a monotonic unit index.
type BoundaryDetector struct {
	buf      strings.Builder
	nextUnit int
}

func NewBoundaryDetector() *BoundaryDetector {
	return &BoundaryDetector{}
}

// Feed appends delta and returns zero or more completed synthesis units.
// A single delta may close more than one boundary (e.g. "Hi. Bye.").
func (d *BoundaryDetector) Feed(delta string) []SynthesisUnit {
	var units []SynthesisUnit
	for _, r := range delta {
		d.buf.WriteRune(r)
		if d.buf.Len() < minPrefetchChars {
			continue
		}
		if isBoundaryRune(r) {
			units = append(units, d.cut())
		}
	}
	return units
}

// Flush closes any remaining buffered text as a final synthesis unit on
// stream-end, regardless of the minimum prefetch length.
func (d *BoundaryDetector) Flush() *SynthesisUnit {
	if d.buf.Len() == 0 {
		return nil
	}
	u := d.cut()
	return &u
}

func (d *BoundaryDetector) cut() SynthesisUnit {
	text := d.buf.String()
	d.buf.Reset()
	u := SynthesisUnit{Index: d.nextUnit, Text: text}
	d.nextUnit++
	return u
}

func isBoundaryRune(r rune) bool {
	switch r {
	case '.', '?', '!', '\n':
		return true
	}
	return false
}

// SynthesisUnit is one sentence-sized span of generated text handed to C8
// for TTS, carrying the monotonic index the reorder buffer keys on.
type SynthesisUnit struct {
	Index int
	Text  string
}
