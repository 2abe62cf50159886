package playback

import (
	"context"
	"log/slog"

	"github.com/quaverhq/quaver/metadb"
	"github.com/quaverhq/quaver/storage"
)

// TrackStreamer feeds a track's reconstructed bytes into StreamBuffers
// so decoding can start while the rest of the file is still
// downloading. Fetch failures cancel the buffer, which a blocked
// decoder observes as ErrCancelled rather than a truncated file.
type TrackStreamer struct {
	reconstructor *storage.Reconstructor
	logger        *slog.Logger
}

// TrackStreamerOption configures a TrackStreamer.
type TrackStreamerOption func(*TrackStreamer)

// WithStreamerLogger sets the logger.
func WithStreamerLogger(logger *slog.Logger) TrackStreamerOption {
	return func(ts *TrackStreamer) {
		ts.logger = logger
	}
}

// NewTrackStreamer creates a streamer over the given reconstructor.
func NewTrackStreamer(r *storage.Reconstructor, opts ...TrackStreamerOption) *TrackStreamer {
	ts := &TrackStreamer{
		reconstructor: r,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// Stream starts filling buf with the file's content on a background
// goroutine and returns immediately. The returned channel yields the
// terminal error (nil on a clean EOF) exactly once.
func (ts *TrackStreamer) Stream(ctx context.Context, profile *metadb.StorageProfile, fileID string, buf *StreamBuffer) <-chan error {
	done := make(chan error, 1)
	go func() {
		n, err := ts.reconstructor.ReconstructFileInto(ctx, profile, fileID, buf)
		if err != nil {
			ts.logger.Error("track stream failed",
				"file", fileID, "bytes_streamed", n, "error", err)
			buf.Cancel()
			done <- err
			return
		}
		ts.logger.Debug("track stream complete", "file", fileID, "bytes", n)
		buf.MarkEOF()
		done <- nil
	}()
	return done
}

// StreamByName resolves a file by release and name, then streams it.
func (ts *TrackStreamer) StreamByName(ctx context.Context, profile *metadb.StorageProfile, releaseID, name string, buf *StreamBuffer) <-chan error {
	done := make(chan error, 1)
	go func() {
		data, err := ts.reconstructor.ReconstructFileByName(ctx, profile, releaseID, name)
		if err != nil {
			buf.Cancel()
			done <- err
			return
		}
		buf.Append(data)
		buf.MarkEOF()
		done <- nil
	}()
	return done
}
