// Package gpu implements the GPU Backend Registry (SPEC_FULL.md §4.B): a
// process-wide value, resolved once at startup from the host-detected GPU
// family, that maps to a default FFmpeg decoder flag set and validates
// user-supplied ffmpeg_params against it.
package gpu

import (
	"fmt"
	"strings"

	"rtsp-gateway/apierror"
)

// Backend is one of the GPU families the host may have detected.
type Backend string

const (
	BackendNone   Backend = "none"
	BackendNvidia Backend = "nvidia"
	BackendAMD    Backend = "amd"
	BackendIntel  Backend = "intel"
)

// maxParams is the upper bound on a user-supplied ffmpeg_params list.
const maxParams = 20

// baseParams are prepended regardless of detected backend.
var baseParams = []string{
	"-hide_banner", "-loglevel", "warning", "-threads", "2",
	"-rtsp_transport", "tcp", "-timeout", "10000000",
}

var hwParams = map[Backend][]string{
	BackendNvidia: {"-hwaccel", "cuda", "-hwaccel_output_format", "cuda", "-c:v", "h264_cuvid"},
	BackendAMD:    {"-hwaccel", "amf", "-c:v", "h264_amf"},
	BackendIntel:  {"-hwaccel", "qsv", "-c:v", "h264_qsv"},
	BackendNone:   {},
}

// shellMetaChars are rejected in any ffmpeg_params element since argv
// elements are passed to exec without a shell (SPEC_FULL.md §3).
const shellMetaChars = ";|&`<>\n\r"

// Registry resolves the detected backend and its default FFmpeg flags.
type Registry struct {
	backend Backend
}

// New parses the GPU_BACKEND_DETECTED environment value into a Registry.
// An unrecognized value falls back to BackendNone rather than failing
// startup, matching the host contract's "system still attempts to run"
// note for the none case.
func New(detected string) *Registry {
	b := Backend(strings.ToLower(strings.TrimSpace(detected)))
	switch b {
	case BackendNvidia, BackendAMD, BackendIntel, BackendNone:
	default:
		b = BackendNone
	}
	return &Registry{backend: b}
}

// Backend returns the detected GPU family.
func (r *Registry) Backend() Backend {
	return r.backend
}

// DefaultParams returns the base FFmpeg flags concatenated with the
// backend-specific decoder selection.
func (r *Registry) DefaultParams() []string {
	out := make([]string, 0, len(baseParams)+4)
	out = append(out, baseParams...)
	out = append(out, hwParams[r.backend]...)
	return out
}

// CombinedParams renders DefaultParams as a single space-joined string,
// for the GET /api/streams/ffmpeg-defaults response.
func (r *Registry) CombinedParams() string {
	return strings.Join(r.DefaultParams(), " ")
}

// ValidateParams rejects overlong lists, shell metacharacters, and
// hw-accel flags incompatible with the detected backend when hwAccel is
// requested (SPEC_FULL.md §4.B).
func (r *Registry) ValidateParams(params []string, hwAccelEnabled bool) error {
	if len(params) > maxParams {
		return apierror.InvalidParams(fmt.Sprintf("params list has %d elements, max is %d", len(params), maxParams))
	}
	for _, p := range params {
		if strings.ContainsAny(p, shellMetaChars) || strings.Contains(p, "$(") {
			return apierror.InvalidParams(fmt.Sprintf("element %q contains a shell metacharacter", p))
		}
	}
	if hwAccelEnabled {
		if err := r.validateHWAccelCompat(params); err != nil {
			return err
		}
	}
	return nil
}

// validateHWAccelCompat rejects an explicit -hwaccel flag naming a backend
// other than the one actually detected; absence of the flag is fine (the
// caller is relying on DefaultParams).
func (r *Registry) validateHWAccelCompat(params []string) error {
	for i, p := range params {
		if p != "-hwaccel" || i+1 >= len(params) {
			continue
		}
		requested := params[i+1]
		if r.backend == BackendNone {
			return apierror.InvalidParams(fmt.Sprintf("hw_accel_enabled is set but no GPU backend was detected (requested %q)", requested))
		}
		if !strings.Contains(strings.Join(hwParams[r.backend], " "), requested) {
			return apierror.InvalidParams(fmt.Sprintf("-hwaccel %q is incompatible with detected backend %q", requested, r.backend))
		}
	}
	return nil
}
