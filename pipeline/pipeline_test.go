package pipeline

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpeg(payload string) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, []byte(payload)...)
	out = append(out, 0xFF, 0xD9)
	return out
}

type fakeMetrics struct {
	emitted, dropped, overflow int
}

func (m *fakeMetrics) PipelineFrameEmitted(string)   { m.emitted++ }
func (m *fakeMetrics) PipelineFrameDropped(string)   { m.dropped++ }
func (m *fakeMetrics) PipelineBufferOverflow(string) { m.overflow++ }

// stepClock returns a fixed instant that advances by step on every call
// after the first, for deterministic FPS-gate tests.
func stepClock(start time.Time, step time.Duration) Clock {
	t := start
	first := true
	return func() time.Time {
		if first {
			first = false
			return t
		}
		t = t.Add(step)
		return t
	}
}

func TestRunExtractsWholeFrames(t *testing.T) {
	data := append(jpeg("frame1"), jpeg("frame2")...)
	m := &fakeMetrics{}
	p := New("cam1", WithMetrics(m), WithClock(stepClock(time.Unix(0, 0), time.Second)))

	var got []Frame
	err := p.Run(context.Background(), bytes.NewReader(data), func(f Frame) {
		got = append(got, f)
	})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cam1", got[0].StreamID)
	assert.Equal(t, jpeg("frame1"), got[0].Payload)
	assert.Equal(t, jpeg("frame2"), got[1].Payload)
	assert.Equal(t, 2, m.emitted)
}

func TestRunGatesToFiveFPS(t *testing.T) {
	data := append(append(jpeg("a"), jpeg("b")...), jpeg("c")...)
	m := &fakeMetrics{}
	// clock barely advances between frames: well under EmitInterval.
	p := New("cam1", WithMetrics(m), WithClock(stepClock(time.Unix(0, 0), time.Millisecond)))

	var got []Frame
	err := p.Run(context.Background(), bytes.NewReader(data), func(f Frame) {
		got = append(got, f)
	})

	require.NoError(t, err)
	assert.Len(t, got, 1, "only the first frame should survive the gate")
	assert.Equal(t, 2, m.dropped)
}

func TestRunEmitsAgainAfterEmitInterval(t *testing.T) {
	data := append(jpeg("a"), jpeg("b")...)
	m := &fakeMetrics{}
	p := New("cam1", WithMetrics(m), WithClock(stepClock(time.Unix(0, 0), EmitInterval+time.Millisecond)))

	var got []Frame
	err := p.Run(context.Background(), bytes.NewReader(data), func(f Frame) {
		got = append(got, f)
	})

	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRunIgnoresGarbageBeforeStartMarker(t *testing.T) {
	data := append([]byte("garbage-prefix"), jpeg("frame")...)
	p := New("cam1")

	var got []Frame
	err := p.Run(context.Background(), bytes.NewReader(data), func(f Frame) {
		got = append(got, f)
	})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, jpeg("frame"), got[0].Payload)
}

func TestRunLeavesPartialFrameForNextRead(t *testing.T) {
	full := jpeg("complete")
	partial := full[:len(full)-1] // missing the trailing 0xD9
	r := io.MultiReader(bytes.NewReader(partial), bytes.NewReader(full[len(full)-1:]), bytes.NewReader(jpeg("next")))

	p := New("cam1", WithClock(stepClock(time.Unix(0, 0), time.Second)))
	var got []Frame
	err := p.Run(context.Background(), r, func(f Frame) {
		got = append(got, f)
	})

	require.NoError(t, err)
	require.Len(t, got, 2)
}

// ctxReader feeds chunks forever without EOF until ctx is done, then fails
// with ctx's error, simulating a live subprocess pipe for the cancellation
// test.
type ctxReader struct {
	ctx   context.Context
	chunk []byte
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if r.ctx.Err() != nil {
		return 0, r.ctx.Err()
	}
	n := copy(p, r.chunk)
	return n, nil
}

func TestRunReturnsErrorWhenCancelledDuringEndlessJunk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &fakeMetrics{}
	p := New("cam1", WithMetrics(m))

	// No JPEG start marker ever appears: buf should never actually grow
	// past 1 byte (drainFrames trims to the last byte each pass), so
	// instead verify with a reader that emits junk that never resolves to
	// a frame and never terminates, cancelled externally.
	reader := &ctxReader{ctx: ctx, chunk: []byte{0x00, 0x01, 0x02, 0x03}}

	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, reader, func(Frame) {})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	err := <-done
	assert.Error(t, err)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New("cam1")
	err := p.Run(ctx, bytes.NewReader(jpeg("frame")), func(Frame) {})
	assert.ErrorIs(t, err, context.Canceled)
}
