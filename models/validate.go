package models

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// MaxNameLength and MinTargetFPS/MaxTargetFPS bound the Stream fields
// described in SPEC_FULL.md §3.
const (
	MaxNameLength = 50
	MinTargetFPS  = 1
	MaxTargetFPS  = 30
)

// shellMetaChars mirrors gpu.Registry's check; ffmpeg_params is validated
// twice (here for the generic "no shell metacharacters" invariant, and in
// package gpu for hw-accel compatibility) because the catalogue loads
// records without a GPU Registry to hand, while Registry.Create/Update do
// have one and delegate to gpu.Registry.ValidateParams instead.
const shellMetaChars = ";|&`<>\n\r"

// validStatuses enumerates the Status enum for catalogue load-time checks.
var validStatuses = map[Status]bool{
	StatusStopped:      true,
	StatusStarting:     true,
	StatusRunning:      true,
	StatusError:        true,
	StatusDisconnected: true,
}

// NormalizeName trims s and validates its length is in [1, MaxNameLength].
func NormalizeName(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", fmt.Errorf("name must not be empty")
	}
	if n := utf8.RuneCountInString(trimmed); n > MaxNameLength {
		return "", fmt.Errorf("name must be at most %d characters, got %d", MaxNameLength, n)
	}
	return trimmed, nil
}

// ValidateRTSPURL checks that raw has an rtsp(s):// scheme and a non-empty
// host. Embedded credentials are permitted and left untouched.
func ValidateRTSPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed url: %w", err)
	}
	switch u.Scheme {
	case "rtsp", "rtsps":
	default:
		return fmt.Errorf("scheme must be rtsp:// or rtsps://, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url must have a non-empty host")
	}
	return nil
}

// ValidateFFmpegParams rejects shell metacharacters and command
// substitution in any element; it does not check hw-accel compatibility,
// which requires a gpu.Registry (see gpu.Registry.ValidateParams).
func ValidateFFmpegParams(params []string) error {
	for _, p := range params {
		if strings.ContainsAny(p, shellMetaChars) || strings.Contains(p, "$(") {
			return fmt.Errorf("element %q contains a shell metacharacter", p)
		}
	}
	return nil
}

// ValidateTargetFPS checks fps is within [MinTargetFPS, MaxTargetFPS].
func ValidateTargetFPS(fps int) error {
	if fps < MinTargetFPS || fps > MaxTargetFPS {
		return fmt.Errorf("target_fps must be in [%d, %d], got %d", MinTargetFPS, MaxTargetFPS, fps)
	}
	return nil
}

// Validate checks a fully-populated record (as loaded from, or about to be
// written to, the catalogue) against the §3 per-record invariants. It does
// not check catalogue-wide invariants (name uniqueness, contiguous order),
// which only the Registry can evaluate.
func (s Stream) Validate() error {
	if _, err := NormalizeName(s.Name); err != nil {
		return err
	}
	if err := ValidateRTSPURL(s.RTSPUrl); err != nil {
		return err
	}
	if err := ValidateFFmpegParams(s.FFmpegParams); err != nil {
		return err
	}
	if err := ValidateTargetFPS(s.TargetFPS); err != nil {
		return err
	}
	if s.Order < 0 {
		return fmt.Errorf("order must be non-negative, got %d", s.Order)
	}
	if !validStatuses[s.Status] {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if err := validateLocation(s.Location); err != nil {
		return err
	}
	return nil
}

// validateLocation checks the optional supplemental placement metadata
// (SPEC_FULL.md §3.1); the core stores and returns it but never
// interprets area/building beyond this range check.
func validateLocation(loc *Location) error {
	if loc == nil {
		return nil
	}
	if loc.Latitude != nil && (*loc.Latitude < -90 || *loc.Latitude > 90) {
		return fmt.Errorf("location.latitude must be in [-90, 90], got %f", *loc.Latitude)
	}
	if loc.Longitude != nil && (*loc.Longitude < -180 || *loc.Longitude > 180) {
		return fmt.Errorf("location.longitude must be in [-180, 180], got %f", *loc.Longitude)
	}
	return nil
}
