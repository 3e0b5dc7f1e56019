package turn

import "context"

// DefaultOutboundQueueSize is the default bound on a session's outbound
// delivery queue (spec §5's back-pressure chain: "a full queue never
// drops; it blocks, propagating pressure upstream").
const DefaultOutboundQueueSize = 64

// OutboundQueue is the bounded single-producer/single-consumer channel
// between the pipeline and the transport write loop. A full queue blocks
// the producer rather than dropping, which is how back-pressure reaches
// TTS, then LLM, then the ASR session (spec §5).
type OutboundQueue struct {
	ch chan any
}

func NewOutboundQueue(size int) *OutboundQueue {
	if size <= 0 {
		size = DefaultOutboundQueueSize
	}
	return &OutboundQueue{ch: make(chan any, size)}
}

// Send blocks until the message is queued or ctx is canceled. It never
// silently drops a message.
func (q *OutboundQueue) Send(ctx context.Context, msg any) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages exposes the consumer side for the transport write loop.
func (q *OutboundQueue) Messages() <-chan any { return q.ch }

// Close signals no further sends will occur. Callers must stop calling
// Send before Close; closing a channel with an in-flight Send panics.
func (q *OutboundQueue) Close() { close(q.ch) }
