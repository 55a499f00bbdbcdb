// Package registry implements the Stream Registry (SPEC_FULL.md §4.F):
// the single writer of the Stream catalogue, and the only component that
// starts, stops, or restarts a Worker. It is grounded on the teacher's
// CameraHandler/gorm-session pattern (a single struct wrapping a mutable
// store, called from every handler) generalized from a gorm.DB session to
// an in-memory slice plus the Config Store, with the per-request
// transaction replaced by a single writer mutex and an atomic read
// snapshot.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rtsp-gateway/apierror"
	"rtsp-gateway/catalog"
	"rtsp-gateway/gpu"
	"rtsp-gateway/hub"
	"rtsp-gateway/logging"
	"rtsp-gateway/models"
	"rtsp-gateway/worker"
)

// MaxRunningWorkers is the global concurrent-FFmpeg-process cap
// (SPEC_FULL.md §4.F, §8 property 6).
const MaxRunningWorkers = 4

// Metrics is the subset of the Prometheus surface the Registry drives
// directly; package metrics implements it.
type Metrics interface {
	worker.Metrics
	StreamCreated()
	StreamDeleted()
	StreamsReordered()
	ActiveWorkers(n int)
	DeleteStreamSeries(streamID string)
}

// entry bundles one Stream record with its (possibly nil) Worker.
type entry struct {
	stream models.Stream
	worker *worker.Worker
	// slotHeld is true from the moment Start begins reserving a
	// concurrency slot until the worker conclusively stops holding one
	// (ReportStatus observes stopped or error); see the concurrency-cap
	// open question in DESIGN.md.
	slotHeld bool
}

// Registry owns the Stream catalogue and every stream's Worker.
type Registry struct {
	store   *catalog.Store
	gpu     *gpu.Registry
	metrics Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // stream ids in catalogue order
	running int      // count of entries with slotHeld == true

	snapshot atomic.Value // []models.Stream, masked, in order
}

// New constructs a Registry and loads the existing catalogue from store.
// Workers are constructed for every loaded stream but none are started;
// streams persisted with status=running resume as stopped until an
// operator explicitly starts them (SPEC_FULL.md §6, §9 Open Question:
// "workers start only on explicit start").
func New(store *catalog.Store, gpuRegistry *gpu.Registry, metrics Metrics, logger *slog.Logger) (*Registry, error) {
	streams, err := store.Load()
	if err != nil {
		return nil, err
	}

	r := &Registry{
		store:   store,
		gpu:     gpuRegistry,
		metrics: metrics,
		logger:  logger,
		entries: make(map[string]*entry, len(streams)),
	}

	for i := range streams {
		s := streams[i]
		if s.Status != models.StatusStopped {
			s.Status = models.StatusStopped
		}
		r.entries[s.ID] = &entry{stream: s, worker: r.newWorker(s.ID)}
		r.order = append(r.order, s.ID)
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.entries[r.order[i]].stream.Order < r.entries[r.order[j]].stream.Order
	})
	r.publishSnapshot()
	return r, nil
}

func (r *Registry) newWorker(streamID string) *worker.Worker {
	return worker.New(streamID, r.gpu, r, r.metrics, r.logger)
}

// List returns a lock-free, credential-masked snapshot of the catalogue
// in catalogue order.
func (r *Registry) List() []models.Stream {
	v, _ := r.snapshot.Load().([]models.Stream)
	return v
}

// Get returns a single credential-masked record by id.
func (r *Registry) Get(id string) (models.Stream, error) {
	for _, s := range r.List() {
		if s.ID == id {
			return s, nil
		}
	}
	return models.Stream{}, apierror.NotFound(id)
}

// Create validates and appends a new stream, persists it stopped, and
// returns the masked record.
func (r *Registry) Create(name, rtspURL string, ffmpegParams []string, hwAccelEnabled bool, targetFPS int) (models.Stream, error) {
	normName, err := models.NormalizeName(name)
	if err != nil {
		return models.Stream{}, apierror.InvalidParams(err.Error())
	}
	if err := models.ValidateRTSPURL(rtspURL); err != nil {
		return models.Stream{}, apierror.InvalidRTSPURL(err.Error())
	}
	if err := r.gpu.ValidateParams(ffmpegParams, hwAccelEnabled); err != nil {
		return models.Stream{}, apierror.InvalidParams(err.Error())
	}
	if targetFPS == 0 {
		targetFPS = 5
	}
	if err := models.ValidateTargetFPS(targetFPS); err != nil {
		return models.Stream{}, apierror.InvalidParams(err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nameTakenLocked(normName, "") {
		return models.Stream{}, apierror.DuplicateName(normName)
	}

	s := models.Stream{
		ID:             uuid.NewString(),
		Name:           normName,
		RTSPUrl:        rtspURL,
		CreatedAt:      time.Now().UTC(),
		Order:          len(r.order),
		Status:         models.StatusStopped,
		HWAccelEnabled: hwAccelEnabled,
		FFmpegParams:   ffmpegParams,
		TargetFPS:      targetFPS,
	}

	r.entries[s.ID] = &entry{stream: s, worker: r.newWorker(s.ID)}
	r.order = append(r.order, s.ID)

	if err := r.persistLocked(); err != nil {
		delete(r.entries, s.ID)
		r.order = r.order[:len(r.order)-1]
		return models.Stream{}, err
	}
	r.metrics.StreamCreated()
	r.publishSnapshotLocked()
	return maskStream(s), nil
}

// Update applies a partial edit, re-validates, persists, and — if the
// worker is running and the command-affecting fields changed — restarts
// it with the new command (SPEC_FULL.md §4.F Update).
func (r *Registry) Update(id string, patch models.Patch) (models.Stream, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return models.Stream{}, apierror.NotFound(id)
	}

	updated := e.stream
	commandChanged := false

	if patch.Name != nil {
		name, err := models.NormalizeName(*patch.Name)
		if err != nil {
			r.mu.Unlock()
			return models.Stream{}, apierror.InvalidParams(err.Error())
		}
		if r.nameTakenLocked(name, id) {
			r.mu.Unlock()
			return models.Stream{}, apierror.DuplicateName(name)
		}
		updated.Name = name
	}
	if patch.RTSPUrl != nil {
		if err := models.ValidateRTSPURL(*patch.RTSPUrl); err != nil {
			r.mu.Unlock()
			return models.Stream{}, apierror.InvalidRTSPURL(err.Error())
		}
		if *patch.RTSPUrl != updated.RTSPUrl {
			commandChanged = true
		}
		updated.RTSPUrl = *patch.RTSPUrl
	}
	if patch.HWAccelEnabled != nil {
		updated.HWAccelEnabled = *patch.HWAccelEnabled
	}
	if patch.FFmpegParamsSet {
		if err := r.gpu.ValidateParams(patch.FFmpegParams, updated.HWAccelEnabled); err != nil {
			r.mu.Unlock()
			return models.Stream{}, apierror.InvalidParams(err.Error())
		}
		commandChanged = true
		updated.FFmpegParams = patch.FFmpegParams
	}
	if patch.TargetFPS != nil {
		if err := models.ValidateTargetFPS(*patch.TargetFPS); err != nil {
			r.mu.Unlock()
			return models.Stream{}, apierror.InvalidParams(err.Error())
		}
		updated.TargetFPS = *patch.TargetFPS
	}

	e.stream = updated
	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return models.Stream{}, err
	}

	wasRunning := e.stream.Status == models.StatusRunning || e.stream.Status == models.StatusDisconnected
	w := e.worker
	r.publishSnapshotLocked()
	r.mu.Unlock()

	if wasRunning && commandChanged {
		w.Stop()
		// Stop released the stream's concurrency slot; Start re-reserves one
		// under the cap before respawning with the new command.
		if err := r.Start(id); err != nil {
			r.logger.Warn("restart after update", "stream_id", id, "error", err)
		}
	} else {
		w.UpdateSpec(updated)
	}

	return maskStream(updated), nil
}

// Delete stops the worker (if any), removes the record, renumbers order,
// and persists.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil // idempotent: deleting a never-existed id is not an error
	}

	delete(r.entries, id)
	r.order = removeID(r.order, id)
	r.renumberLocked()

	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if e.slotHeld {
		r.running--
		r.metrics.ActiveWorkers(r.running)
	}
	r.metrics.StreamDeleted()
	r.metrics.DeleteStreamSeries(id)
	r.publishSnapshotLocked()
	r.mu.Unlock()

	e.worker.Stop()
	return nil
}

// Reorder replaces the catalogue order. It is idempotent and rejects any
// set of ids that isn't exactly the current id set.
func (r *Registry) Reorder(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(ids) <= 1 && len(r.order) <= 1 {
		return nil
	}
	if len(ids) != len(r.order) {
		return apierror.InvalidOrder(fmt.Sprintf("expected %d ids, got %d", len(r.order), len(ids)))
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return apierror.InvalidOrder(fmt.Sprintf("duplicate id %q", id))
		}
		seen[id] = true
		if _, ok := r.entries[id]; !ok {
			return apierror.InvalidOrder(fmt.Sprintf("unknown id %q", id))
		}
	}

	r.order = append([]string(nil), ids...)
	r.renumberLocked()
	if err := r.persistLocked(); err != nil {
		return err
	}
	r.metrics.StreamsReordered()
	r.publishSnapshotLocked()
	return nil
}

// Start transitions a stopped/errored/disconnected worker towards
// running, subject to the global concurrency cap.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return apierror.NotFound(id)
	}
	if e.slotHeld {
		r.mu.Unlock()
		return nil // already starting/running: idempotent
	}
	if r.running >= MaxRunningWorkers {
		r.mu.Unlock()
		return apierror.ConcurrencyLimit(MaxRunningWorkers)
	}
	e.slotHeld = true
	r.running++
	r.metrics.ActiveWorkers(r.running)
	spec := e.stream
	w := e.worker
	r.mu.Unlock()

	w.Start(spec)
	return nil
}

// Stop requests the worker to shut down; it returns immediately and the
// transition to stopped is reported asynchronously.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return apierror.NotFound(id)
	}
	w := e.worker
	r.mu.Unlock()

	w.Stop()
	return nil
}

// ReportStatus implements worker.StatusReporter: every Worker state
// transition is persisted here, so the catalogue's status field remains
// the single source of truth (SPEC_FULL.md §9).
func (r *Registry) ReportStatus(streamID string, status models.Status) {
	r.mu.Lock()
	e, ok := r.entries[streamID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.stream.Status = status
	if status == models.StatusStopped || status == models.StatusError {
		if e.slotHeld {
			e.slotHeld = false
			r.running--
			r.metrics.ActiveWorkers(r.running)
		}
	}
	if err := r.persistLocked(); err != nil {
		r.logger.Error("persist status transition", "stream_id", streamID, "status", status, "error", err)
	}
	r.publishSnapshotLocked()
	r.mu.Unlock()
}

// Hub returns the live Fan-out Hub for a running stream's current worker
// run, or an error if the stream does not exist.
func (r *Registry) Hub(id string) (*hub.Hub, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, apierror.NotFound(id)
	}
	status := e.stream.Status
	w := e.worker
	r.mu.Unlock()

	if status != models.StatusRunning && status != models.StatusDisconnected {
		return nil, apierror.StreamNotRunning(id)
	}
	h := w.Hub()
	if h == nil {
		return nil, apierror.StreamNotRunning(id)
	}
	return h, nil
}

// GPUBackend returns the detected backend name for the /gpu-backend route.
func (r *Registry) GPUBackend() string {
	return string(r.gpu.Backend())
}

// FFmpegDefaults returns the space-joined default argv for the
// /ffmpeg-defaults route.
func (r *Registry) FFmpegDefaults() string {
	return r.gpu.CombinedParams()
}

// HealthStatus is the summary returned by GET /health.
type HealthStatus struct {
	Streams    []StreamHealth
	GPUBackend string
}

// StreamHealth is one stream's id/status pair in a HealthStatus.
type StreamHealth struct {
	ID     string
	Status models.Status
}

// Health returns the catalogue's current status summary.
func (r *Registry) Health() HealthStatus {
	streams := r.List()
	out := HealthStatus{Streams: make([]StreamHealth, 0, len(streams)), GPUBackend: r.GPUBackend()}
	for _, s := range streams {
		out.Streams = append(out.Streams, StreamHealth{ID: s.ID, Status: s.Status})
	}
	return out
}

// nameTakenLocked reports whether normName is already used by a stream
// other than excludeID (case-insensitive, per SPEC_FULL.md §3).
func (r *Registry) nameTakenLocked(normName, excludeID string) bool {
	lower := strings.ToLower(normName)
	for id, e := range r.entries {
		if id == excludeID {
			continue
		}
		if strings.ToLower(e.stream.Name) == lower {
			return true
		}
	}
	return false
}

// renumberLocked rewrites every entry's Order field to match r.order's
// current sequence, keeping orders contiguous starting at 0.
func (r *Registry) renumberLocked() {
	for i, id := range r.order {
		if e, ok := r.entries[id]; ok {
			e.stream.Order = i
		}
	}
}

// persistLocked validates and saves the full catalogue; must be called
// with r.mu held.
func (r *Registry) persistLocked() error {
	streams := make([]models.Stream, 0, len(r.order))
	for _, id := range r.order {
		streams = append(streams, r.entries[id].stream)
	}
	if err := r.store.Save(streams); err != nil {
		return err
	}
	return nil
}

// publishSnapshotLocked rebuilds the atomic read snapshot; must be called
// with r.mu held.
func (r *Registry) publishSnapshotLocked() {
	masked := make([]models.Stream, 0, len(r.order))
	for _, id := range r.order {
		masked = append(masked, maskStream(r.entries[id].stream))
	}
	r.snapshot.Store(masked)
}

func (r *Registry) publishSnapshot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishSnapshotLocked()
}

// maskStream returns a deep-enough copy of s with its RTSP credentials
// redacted, safe to hand to an HTTP response or log line.
func maskStream(s models.Stream) models.Stream {
	out := s.Clone()
	out.RTSPUrl = logging.MaskRTSPURL(s.RTSPUrl)
	return out
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
