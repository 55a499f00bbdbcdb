// Package pipeline implements the Frame Pipeline (SPEC_FULL.md §4.C): it
// turns an FFmpeg subprocess's raw MJPEG stdout byte stream into whole
// JPEG frames and gates emission to at most 5 FPS.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"time"
)

// MaxBufferBytes is the rolling-buffer ceiling before a stuck parse is
// abandoned (SPEC_FULL.md §4.C step 4).
const MaxBufferBytes = 5 * 1024 * 1024

// EmitInterval is the minimum spacing between published frames (the 5 FPS
// gate): 1s / 5.
const EmitInterval = 200 * time.Millisecond

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// Frame is an ephemeral, fully-decoded JPEG frame extracted from a
// subprocess pipe (SPEC_FULL.md §3).
type Frame struct {
	StreamID    string
	MonotonicTS time.Time
	WallTS      time.Time
	Payload     []byte
}

// Metrics is the subset of the Prometheus surface the pipeline drives
// directly; package metrics implements it.
type Metrics interface {
	PipelineFrameEmitted(streamID string)
	PipelineFrameDropped(streamID string)
	PipelineBufferOverflow(streamID string)
}

type noopMetrics struct{}

func (noopMetrics) PipelineFrameEmitted(string)   {}
func (noopMetrics) PipelineFrameDropped(string)   {}
func (noopMetrics) PipelineBufferOverflow(string) {}

// Clock abstracts time.Now for deterministic tests of the FPS gate.
type Clock func() time.Time

// Pipeline parses one subprocess's stdout into gated frames. It is not
// safe for concurrent use by more than one reader goroutine — the Worker
// runs exactly one Pipeline per stream, per SPEC_FULL.md §4.C ("single-
// threaded per stream").
type Pipeline struct {
	streamID   string
	metrics    Metrics
	now        Clock
	nextEmitAt time.Time
	firstFrame bool
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithMetrics overrides the Metrics sink (default: a no-op).
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the Clock used for the FPS gate (default: time.Now).
func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.now = c }
}

// New creates a Pipeline for one stream.
func New(streamID string, opts ...Option) *Pipeline {
	p := &Pipeline{
		streamID:   streamID,
		metrics:    noopMetrics{},
		now:        time.Now,
		firstFrame: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run reads r until EOF or ctx cancellation, extracting JPEG frames and
// invoking emit for each one that survives the 5 FPS gate. It returns the
// underlying read error (io.EOF is translated to nil).
func (p *Pipeline) Run(ctx context.Context, r io.Reader, emit func(Frame)) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	buf := new(bytes.Buffer)
	chunk := make([]byte, 32*1024)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := reader.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			p.drainFrames(buf, emit)
			if buf.Len() > MaxBufferBytes {
				buf.Reset()
				p.metrics.PipelineBufferOverflow(p.streamID)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// drainFrames extracts every whole JPEG currently available in buf,
// leaving any trailing partial frame in place for the next read.
func (p *Pipeline) drainFrames(buf *bytes.Buffer, emit func(Frame)) {
	for {
		data := buf.Bytes()

		start := bytes.Index(data, jpegStart)
		if start < 0 {
			// No start marker at all: keep at most the last byte, in case
			// it is the first half of a split 0xFF 0xD8.
			if buf.Len() > 1 {
				tail := append([]byte(nil), data[len(data)-1:]...)
				buf.Reset()
				buf.Write(tail)
			}
			return
		}
		if start > 0 {
			// Discard bytes before the start marker.
			remainder := append([]byte(nil), data[start:]...)
			buf.Reset()
			buf.Write(remainder)
			data = buf.Bytes()
		}

		end := bytes.Index(data[len(jpegStart):], jpegEnd)
		if end < 0 {
			// Frame not yet complete; wait for more bytes.
			return
		}
		end += len(jpegStart) // index within data of the 'FF' in FFD9

		frameEnd := end + len(jpegEnd)
		payload := append([]byte(nil), data[:frameEnd]...)

		remainder := append([]byte(nil), data[frameEnd:]...)
		buf.Reset()
		buf.Write(remainder)

		p.emitGated(payload, emit)
	}
}

// emitGated applies the 5 FPS gate to one candidate frame.
func (p *Pipeline) emitGated(payload []byte, emit func(Frame)) {
	now := p.now()

	if !p.firstFrame && now.Before(p.nextEmitAt) {
		p.metrics.PipelineFrameDropped(p.streamID)
		return
	}

	if p.nextEmitAt.Before(now) {
		p.nextEmitAt = now
	}
	p.nextEmitAt = p.nextEmitAt.Add(EmitInterval)
	p.firstFrame = false

	p.metrics.PipelineFrameEmitted(p.streamID)
	emit(Frame{
		StreamID:    p.streamID,
		MonotonicTS: now,
		WallTS:      now,
		Payload:     payload,
	})
}
