// Package throttle paces one session's inbound media. Video frames pass a
// token bucket and a latest-wins pending slot: under overload the newest
// frame replaces the stale one and the rest are dropped, never blocking the
// caller. Audio is never dropped; a bounded queue applies backpressure by
// blocking the producer until space frees up.
package throttle

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/aria/internal/engine"
)

// ErrQueueFull is returned by TryEnqueueAudio when the audio queue is full.
var ErrQueueFull = errors.New("audio queue full")

const (
	DefaultVideoFPS   = 5
	DefaultAudioDepth = 32
)

// Stats is a snapshot of throttle counters.
type Stats struct {
	VideoAccepted int64
	VideoDropped  int64
	AudioEnqueued int64
}

// MediaThrottle is the per-session media gate.
type MediaThrottle struct {
	limiter *rate.Limiter
	videoCh chan engine.Frame
	audioCh chan engine.Frame

	videoAccepted atomic.Int64
	videoDropped  atomic.Int64
	audioEnqueued atomic.Int64
}

// New creates a throttle admitting videoFPS frames per second and queueing at
// most audioDepth audio frames.
func New(videoFPS, audioDepth int) *MediaThrottle {
	if videoFPS <= 0 {
		videoFPS = DefaultVideoFPS
	}
	if audioDepth <= 0 {
		audioDepth = DefaultAudioDepth
	}
	return &MediaThrottle{
		limiter: rate.NewLimiter(rate.Limit(videoFPS), 1),
		videoCh: make(chan engine.Frame, 1),
		audioCh: make(chan engine.Frame, audioDepth),
	}
}

// OfferFrame admits a video frame if the rate cap allows it, replacing any
// stale pending frame. Returns false when the frame was dropped. Never
// blocks.
func (t *MediaThrottle) OfferFrame(frame engine.Frame) bool {
	if !t.limiter.Allow() {
		t.videoDropped.Add(1)
		return false
	}

	for {
		select {
		case t.videoCh <- frame:
			t.videoAccepted.Add(1)
			return true
		default:
		}
		// Slot occupied: evict the stale frame, newest wins.
		select {
		case <-t.videoCh:
			t.videoDropped.Add(1)
		default:
		}
	}
}

// EnqueueAudio queues an audio frame, blocking while the queue is full until
// space frees or ctx is done. Audio is suspended under load, never dropped.
func (t *MediaThrottle) EnqueueAudio(ctx context.Context, frame engine.Frame) error {
	select {
	case t.audioCh <- frame:
		t.audioEnqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueueAudio queues an audio frame without blocking, or reports
// ErrQueueFull.
func (t *MediaThrottle) TryEnqueueAudio(frame engine.Frame) error {
	select {
	case t.audioCh <- frame:
		t.audioEnqueued.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Video is the consumer side of the pending video slot.
func (t *MediaThrottle) Video() <-chan engine.Frame {
	return t.videoCh
}

// Audio is the consumer side of the audio queue, in FIFO order.
func (t *MediaThrottle) Audio() <-chan engine.Frame {
	return t.audioCh
}

// Drain discards all queued media and returns how many frames were dropped.
func (t *MediaThrottle) Drain() int {
	dropped := 0
	for {
		select {
		case <-t.videoCh:
			dropped++
		case <-t.audioCh:
			dropped++
		default:
			return dropped
		}
	}
}

// Stats returns a snapshot of the counters.
func (t *MediaThrottle) Stats() Stats {
	return Stats{
		VideoAccepted: t.videoAccepted.Load(),
		VideoDropped:  t.videoDropped.Load(),
		AudioEnqueued: t.audioEnqueued.Load(),
	}
}
