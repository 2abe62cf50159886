package playback

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/quaverhq/quaver/telemetry"
)

// DefaultBufferDuration sizes the ring at about 200ms of audio.
const DefaultBufferDuration = 200 * time.Millisecond

// ring is a single-producer/single-consumer float32 queue. Capacity is
// a power of two; head and tail are free-running atomic counters, so
// index arithmetic is a mask and full/empty never alias. The consumer
// side is wait-free: Pull takes no locks and allocates nothing, which
// keeps a real-time audio callback safe from priority inversion.
type ring struct {
	buf  []float32
	mask uint64

	// head is written by the consumer, tail by the producer. Each side
	// reads the other's counter to compute occupancy.
	head atomic.Uint64
	tail atomic.Uint64

	finished atomic.Bool
	starving atomic.Bool

	sampleRate int
	channels   int
}

// Sink is the producer half of a stream ring. Exactly one goroutine
// may push.
type Sink struct {
	r *ring
}

// Source is the consumer half of a stream ring. Exactly one caller
// (the audio output callback) may pull.
type Source struct {
	r *ring
}

// NewRing creates a stream ring for the given sample rate and channel
// count, sized to roughly DefaultBufferDuration of audio, and returns
// its two ends.
func NewRing(sampleRate, channels int) (*Sink, *Source) {
	samples := sampleRate * channels / 5
	return NewRingWithCapacity(sampleRate, channels, samples)
}

// NewRingWithCapacity creates a stream ring holding at least capacity
// samples, rounded up to a power of two.
func NewRingWithCapacity(sampleRate, channels, capacity int) (*Sink, *Source) {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	r := &ring{
		buf:        make([]float32, size),
		mask:       size - 1,
		sampleRate: sampleRate,
		channels:   channels,
	}
	return &Sink{r: r}, &Source{r: r}
}

// TryPush writes as many samples as fit and returns the count written.
// It never blocks.
func (s *Sink) TryPush(samples []float32) int {
	r := s.r
	head := r.head.Load()
	tail := r.tail.Load()

	free := uint64(len(r.buf)) - (tail - head)
	n := uint64(len(samples))
	if n > free {
		n = free
	}
	for i := uint64(0); i < n; i++ {
		r.buf[(tail+i)&r.mask] = samples[i]
	}
	// Publish after the slots are written.
	r.tail.Store(tail + n)
	return int(n)
}

// Push writes all samples, waiting for the consumer to free space.
// Intended for a background decode thread that may legitimately block.
// Returns early with ctx.Err() when the context is cancelled.
func (s *Sink) Push(ctx context.Context, samples []float32) error {
	for len(samples) > 0 {
		n := s.TryPush(samples)
		samples = samples[n:]
		if len(samples) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
	return nil
}

// MarkFinished declares that no more samples will be produced.
func (s *Sink) MarkFinished() {
	s.r.finished.Store(true)
}

// Free returns how many samples fit right now.
func (s *Sink) Free() int {
	r := s.r
	return len(r.buf) - int(r.tail.Load()-r.head.Load())
}

// Pull copies up to len(out) samples and returns the count actually
// read, possibly zero. It never blocks or allocates. Pulling from an
// empty ring whose producer has not finished sets the starving flag;
// the caller covers the gap, typically with silence.
func (s *Source) Pull(out []float32) int {
	r := s.r
	head := r.head.Load()
	tail := r.tail.Load()

	avail := tail - head
	if avail == 0 {
		if !r.finished.Load() {
			if !r.starving.Swap(true) {
				telemetry.RecordStreamUnderrun(context.Background())
			}
		}
		return 0
	}
	r.starving.Store(false)

	n := uint64(len(out))
	if n > avail {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		out[i] = r.buf[(head+i)&r.mask]
	}
	r.head.Store(head + n)
	return int(n)
}

// IsFinished reports whether the producer marked the stream finished
// and every produced sample has been drained.
func (s *Source) IsFinished() bool {
	r := s.r
	return r.finished.Load() && r.tail.Load() == r.head.Load()
}

// Starving reports whether the last pull found the ring empty while
// the producer was still live.
func (s *Source) Starving() bool {
	return s.r.starving.Load()
}

// Position returns the playback position implied by the frames
// consumed so far. The frame count is derived from the free-running
// head counter, so samples consumed in non-frame-multiple pulls still
// count toward position once the frame completes.
func (s *Source) Position() time.Duration {
	r := s.r
	if r.sampleRate <= 0 || r.channels <= 0 {
		return 0
	}
	frames := s.r.head.Load() / uint64(r.channels)
	return time.Duration(frames) * time.Second / time.Duration(r.sampleRate)
}

// Buffered returns how many samples are waiting to be pulled.
func (s *Source) Buffered() int {
	r := s.r
	return int(r.tail.Load() - r.head.Load())
}
