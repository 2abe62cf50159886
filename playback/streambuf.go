// Package playback holds the streaming primitives between download,
// decode and audio output: a blocking byte buffer that lets a decoder
// read a partially downloaded file, a lock-free PCM ring buffer that
// feeds a real-time audio callback, and the streamer glue that fills
// the byte buffer from chunked storage.
package playback

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrCancelled is returned by reads on a cancelled stream. It is
// distinct from io.EOF so callers can tell an aborted stream from a
// finished one.
var ErrCancelled = errors.New("playback: stream cancelled")

// ErrWouldBlock is returned by TryRead when no data is buffered and
// the stream has neither ended nor been cancelled. TryRead never
// reports a zero count for this case.
var ErrWouldBlock = errors.New("playback: read would block")

// StreamBuffer is a producer/consumer byte queue with one append-only
// producer. Read blocks until data arrives, EOF is marked, or the
// stream is cancelled.
//
// Blocking reads suspend the calling OS thread on a condition
// variable. Call Read from a dedicated decoder thread, never from a
// cooperatively scheduled task pool.
type StreamBuffer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	data      []byte
	readPos   int
	eof       bool
	cancelled bool
}

// NewStreamBuffer creates an empty stream buffer.
func NewStreamBuffer() *StreamBuffer {
	sb := &StreamBuffer{}
	sb.cond = sync.NewCond(&sb.mu)
	return sb
}

// Append adds bytes to the buffer and wakes blocked readers.
func (sb *StreamBuffer) Append(p []byte) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.data = append(sb.data, p...)
	sb.cond.Broadcast()
}

// Write implements io.Writer over Append so the buffer can sit behind
// streaming producers. It never fails.
func (sb *StreamBuffer) Write(p []byte) (int, error) {
	sb.Append(p)
	return len(p), nil
}

// MarkEOF declares that no further data will arrive and wakes blocked
// readers so they observe the clean end instead of waiting forever.
func (sb *StreamBuffer) MarkEOF() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.eof = true
	sb.cond.Broadcast()
}

// Cancel aborts the stream: any blocked or future read returns
// ErrCancelled. Cancel is idempotent.
func (sb *StreamBuffer) Cancel() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.cancelled = true
	sb.cond.Broadcast()
}

// Read blocks until data is available, then copies up to len(p) bytes
// and advances the read position. A cancelled stream returns
// ErrCancelled; a drained stream that has reached EOF returns (0,
// io.EOF).
func (sb *StreamBuffer) Read(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for {
		if sb.cancelled {
			return 0, ErrCancelled
		}
		if n := sb.copyLocked(p); n > 0 {
			return n, nil
		}
		if sb.eof {
			return 0, io.EOF
		}
		sb.cond.Wait()
	}
}

// TryRead is Read without blocking: when no data is buffered and the
// stream is still live it returns ErrWouldBlock.
func (sb *StreamBuffer) TryRead(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.cancelled {
		return 0, ErrCancelled
	}
	if n := sb.copyLocked(p); n > 0 {
		return n, nil
	}
	if sb.eof {
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

// Seek moves the read position within already buffered data. Data
// arrives append-only, so seeking past what has arrived fails.
func (sb *StreamBuffer) Seek(pos int) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if pos < 0 || pos > len(sb.data) {
		return fmt.Errorf("seek to %d outside buffered range [0, %d]", pos, len(sb.data))
	}
	sb.readPos = pos
	return nil
}

// Reset clears all state for reuse.
func (sb *StreamBuffer) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.data = sb.data[:0]
	sb.readPos = 0
	sb.eof = false
	sb.cancelled = false
	sb.cond.Broadcast()
}

// Buffered returns how many unread bytes are available.
func (sb *StreamBuffer) Buffered() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.data) - sb.readPos
}

// Len returns the total bytes appended so far.
func (sb *StreamBuffer) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.data)
}

func (sb *StreamBuffer) copyLocked(p []byte) int {
	avail := len(sb.data) - sb.readPos
	if avail <= 0 {
		return 0
	}
	n := copy(p, sb.data[sb.readPos:])
	sb.readPos += n
	return n
}
