package worker

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsp-gateway/gpu"
	"rtsp-gateway/models"
)

// testLogger discards output; worker logs ffmpeg stderr lines at Debug
// level, which would otherwise be noisy under `go test -v`.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// installFakeFFmpeg writes an executable shell script named "ffmpeg" to a
// temp dir and prepends that dir to PATH for the duration of the test, so
// exec.Command("ffmpeg", ...) in worker.go resolves to it instead of a real
// binary.
func installFakeFFmpeg(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

const fakeFFmpegEmitsOneFrameThenIdles = "#!/bin/sh\nprintf '\\377\\330frame\\377\\331'\nexec sleep 100\n"
const fakeFFmpegExitsImmediately = "#!/bin/sh\nexit 1\n"

type fakeReporter struct {
	mu       sync.Mutex
	statuses []models.Status
	ch       chan models.Status
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{ch: make(chan models.Status, 256)}
}

func (f *fakeReporter) ReportStatus(_ string, status models.Status) {
	f.mu.Lock()
	f.statuses = append(f.statuses, status)
	f.mu.Unlock()
	select {
	case f.ch <- status:
	default:
	}
}

func (f *fakeReporter) waitFor(t *testing.T, want models.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-f.ch:
			if s == want {
				return
			}
		case <-deadline:
			f.mu.Lock()
			got := append([]models.Status(nil), f.statuses...)
			f.mu.Unlock()
			t.Fatalf("timed out waiting for status %q; observed so far: %v", want, got)
		}
	}
}

func (f *fakeReporter) countOf(status models.Status) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statuses {
		if s == status {
			n++
		}
	}
	return n
}

type fakeMetrics struct{}

func (fakeMetrics) PipelineFrameEmitted(string)   {}
func (fakeMetrics) PipelineFrameDropped(string)   {}
func (fakeMetrics) PipelineBufferOverflow(string) {}
func (fakeMetrics) MJPEGFrameDropped(string)      {}
func (fakeMetrics) ActiveSubscribers(string, int) {}
func (fakeMetrics) WorkerRestarted(string)        {}
func (fakeMetrics) StreamFPS(string, float64)     {}

// restartCountingMetrics overrides WorkerRestarted to count invocations,
// used to observe that the supervise loop actually retried after a crash.
type restartCountingMetrics struct {
	fakeMetrics
	mu       sync.Mutex
	restarts int
}

func (m *restartCountingMetrics) WorkerRestarted(string) {
	m.mu.Lock()
	m.restarts++
	m.mu.Unlock()
}

func (m *restartCountingMetrics) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

func testStream(id string) models.Stream {
	return models.Stream{
		ID:        id,
		Name:      "test cam",
		RTSPUrl:   "rtsp://127.0.0.1/stream",
		Status:    models.StatusStopped,
		TargetFPS: 5,
	}
}

func TestBuildArgsUsesStreamParamsWhenSet(t *testing.T) {
	s := testStream("a")
	s.FFmpegParams = []string{"-custom", "flag"}
	args := buildArgs(gpu.New("none"), s)

	assert.Equal(t, "-custom", args[0])
	assert.Equal(t, "flag", args[1])
	assert.Contains(t, args, "-i")
	assert.Contains(t, args, s.RTSPUrl)
	assert.Contains(t, args, "pipe:1")
}

func TestBuildArgsFallsBackToGPUDefaults(t *testing.T) {
	s := testStream("a")
	reg := gpu.New("nvidia")
	args := buildArgs(reg, s)

	assert.Contains(t, args, "h264_cuvid")
	assert.Contains(t, args, s.RTSPUrl)
}

func TestCommandPreviewRendersArgv(t *testing.T) {
	s := testStream("a")
	preview := CommandPreview(gpu.New("none"), s)
	assert.True(t, strings.HasPrefix(preview, "ffmpeg "))
	assert.Contains(t, preview, s.RTSPUrl)
}

func TestWorkerStartReportsStartingThenRunning(t *testing.T) {
	installFakeFFmpeg(t, fakeFFmpegEmitsOneFrameThenIdles)
	reporter := newFakeReporter()
	w := New("cam1", gpu.New("none"), reporter, fakeMetrics{}, testLogger())

	w.Start(testStream("cam1"))
	defer w.Stop()

	reporter.waitFor(t, models.StatusStarting, time.Second)
	reporter.waitFor(t, models.StatusRunning, 2*time.Second)
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	installFakeFFmpeg(t, fakeFFmpegEmitsOneFrameThenIdles)
	reporter := newFakeReporter()
	w := New("cam1", gpu.New("none"), reporter, fakeMetrics{}, testLogger())

	w.Start(testStream("cam1"))
	w.Start(testStream("cam1")) // must be a no-op, not a second spawn
	defer w.Stop()

	reporter.waitFor(t, models.StatusStarting, time.Second)
	assert.Equal(t, 1, reporter.countOf(models.StatusStarting))
}

func TestWorkerStopReportsStoppedAndClosesHub(t *testing.T) {
	installFakeFFmpeg(t, fakeFFmpegEmitsOneFrameThenIdles)
	reporter := newFakeReporter()
	w := New("cam1", gpu.New("none"), reporter, fakeMetrics{}, testLogger())

	w.Start(testStream("cam1"))
	reporter.waitFor(t, models.StatusStarting, time.Second)

	h := w.Hub()
	sub := h.SubscribeMJPEG()
	defer sub.Close()

	w.Stop()
	reporter.waitFor(t, models.StatusStopped, 10*time.Second)

	_, ok := <-sub.Frames()
	assert.False(t, ok, "hub should be closed on Stop")
}

func TestWorkerRestartsAfterImmediateExit(t *testing.T) {
	installFakeFFmpeg(t, fakeFFmpegExitsImmediately)
	reporter := newFakeReporter()
	metrics := &restartCountingMetrics{}
	w := New("cam1", gpu.New("none"), reporter, metrics, testLogger())

	w.Start(testStream("cam1"))
	defer w.Stop()

	reporter.waitFor(t, models.StatusDisconnected, 2*time.Second)
	// WorkerRestarted fires once the supervise loop decides to retry,
	// proving it looped back after the crash instead of giving up.
	require.Eventually(t, func() bool { return metrics.count() >= 1 }, 5*time.Second, 10*time.Millisecond)
}

// TestWorkerRestartsAfterHittingFailureCeiling drives a worker through
// maxConsecutiveFailures immediate-exit restarts to StatusError, then
// confirms a later Start() actually respawns instead of silently no-oping
// forever on a stuck w.running guard.
func TestWorkerRestartsAfterHittingFailureCeiling(t *testing.T) {
	origInitial, origMax, origFails := backoffInitial, backoffMax, maxConsecutiveFailures
	backoffInitial, backoffMax, maxConsecutiveFailures = time.Millisecond, 5*time.Millisecond, 3
	t.Cleanup(func() { backoffInitial, backoffMax, maxConsecutiveFailures = origInitial, origMax, origFails })

	installFakeFFmpeg(t, fakeFFmpegExitsImmediately)
	reporter := newFakeReporter()
	w := New("cam1", gpu.New("none"), reporter, fakeMetrics{}, testLogger())

	w.Start(testStream("cam1"))
	reporter.waitFor(t, models.StatusError, 5*time.Second)

	// The worker's internal run loop returned on its own (no Stop() call),
	// so a fresh Start() must not silently no-op: it should respawn and
	// report StatusStarting again.
	w.Start(testStream("cam1"))
	defer w.Stop()
	reporter.waitFor(t, models.StatusStarting, time.Second)
}

func TestWorkerUpdateSpecDoesNotInterruptRunningProcess(t *testing.T) {
	installFakeFFmpeg(t, fakeFFmpegEmitsOneFrameThenIdles)
	reporter := newFakeReporter()
	w := New("cam1", gpu.New("none"), reporter, fakeMetrics{}, testLogger())

	w.Start(testStream("cam1"))
	defer w.Stop()
	reporter.waitFor(t, models.StatusStarting, time.Second)

	updated := testStream("cam1")
	updated.Name = "renamed"
	w.UpdateSpec(updated)

	// UpdateSpec must not trigger another Starting/Stopped transition.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, reporter.countOf(models.StatusStarting))
	assert.Equal(t, 0, reporter.countOf(models.StatusStopped))
}
