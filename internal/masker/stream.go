// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package masker

import (
	"bytes"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/patternwindow"
)

// StreamingMasker redacts a response as chunks arrive, per §4.5.1. L2 (known secrets) and
// L4-patterns run inline over all pending bytes before each cut, and the last windowCap bytes are
// held back, so a secret or pattern match no longer than windowCap can never straddle a chunk
// boundary unredacted. L3 heuristic and L4 json_paths need the whole JSON tree, so they are
// deferred to Flush against a bounded accumulator; Flush applies them to its output only while
// nothing has been emitted yet, and otherwise only reports what they find. If the accumulator
// overflows, that response is masked on L2/patterns only.
type StreamingMasker struct {
	m         *Masker
	windowCap int

	tail []byte

	accumulator []byte
	overflowed  bool
}

// NewStreaming returns a StreamingMasker for one response. windowCap should be at least as large
// as the longest known-secret variant and the longest bounded pattern match; callers typically
// derive it from the service's configured streaming_window_cap.
func NewStreaming(m *Masker, windowCap int) *StreamingMasker {
	if windowCap <= 0 {
		windowCap = constants.DefaultStreamingWindowCap
	}
	return &StreamingMasker{m: m, windowCap: windowCap}
}

// ProcessChunk appends chunk to the pending window, returning the prefix that is now safe to
// emit (with L2 and L4-patterns applied) and whether anything was redacted in the pending bytes,
// emitted or held back. The last windowCap bytes of the masked pending bytes are always held back
// for the next call or Flush.
func (s *StreamingMasker) ProcessChunk(chunk []byte) (safeEmit []byte, redacted bool) {
	s.accumulate(chunk)

	buf := append(s.tail, chunk...)
	if len(buf) <= s.windowCap {
		s.tail = buf
		return nil, false
	}

	// Mask the whole pending buffer before cutting it, so a match spanning the cut is replaced
	// whole rather than emitted as two unredacted halves.
	masked, redacted := s.maskInline(buf)
	safeLen := len(masked) - s.windowCap
	if safeLen <= 0 {
		s.tail = masked
		return nil, redacted
	}
	s.tail = append([]byte(nil), masked[safeLen:]...)
	return masked[:safeLen], redacted
}

// Flush returns whatever remains unsent plus a best-effort Report. While nothing has been emitted
// (the held-back tail is still the whole, unmodified response), Flush masks it with the full
// buffered pipeline ([Masker.MaskBody]), so L3 and json_paths change the output as well as the
// Report. Otherwise it returns the tail masked on L2/patterns only; if the accumulator did not
// overflow, the Report also lists L3/json_path findings against the full body, but those findings
// are not applied to any bytes. Bytes already returned by ProcessChunk are never re-emitted.
func (s *StreamingMasker) Flush() ([]byte, Report) {
	if !s.overflowed && bytes.Equal(s.tail, s.accumulator) {
		// A text content type is passed so MaskBody does not repeat binary detection, which the
		// caller has already done before streaming.
		s.tail = nil
		out, report, _ := s.m.MaskBody(s.accumulator, "text/plain")
		return out, report
	}

	maskedTail, redacted := s.maskInline(s.tail)
	s.tail = nil

	report := Report{Redacted: redacted}
	if redacted {
		report.Layers = append(report.Layers, "L2")
	}

	if s.overflowed {
		return maskedTail, report
	}

	// Part of the response has already been emitted: run the deferred layers against the
	// accumulator purely to surface heuristic/json_path findings for the audit log. The returned
	// tail is not changed by them.
	_, fullRedacted, heuristicKeys := s.m.maskJSONTree(s.accumulator)
	if fullRedacted {
		report.Redacted = true
	}
	if len(heuristicKeys) > 0 {
		report.Redacted = true
		report.Layers = append(report.Layers, "L3")
		report.HeuristicKeys = heuristicKeys
	}
	if len(s.m.jsonPaths) > 0 {
		_, anyPath := applyJSONPathsAll(s.accumulator, s.m.jsonPaths, constants.RedactedMarker)
		if anyPath {
			report.Redacted = true
			report.Layers = append(report.Layers, "L4-json_path")
		}
	}

	return maskedTail, report
}

// maskInline applies L2 (known secrets) and L4-patterns to buf without any JSON-tree awareness,
// the only two layers safe to run on an arbitrary, possibly-incomplete byte window.
func (s *StreamingMasker) maskInline(buf []byte) ([]byte, bool) {
	if len(buf) == 0 {
		return buf, false
	}
	out := string(buf)
	redacted := false

	if replaced, any := s.m.registry.ReplaceAllSubstrings(out, constants.RedactedMarker); any {
		out = replaced
		redacted = true
	}
	for _, re := range s.m.patterns {
		if re.MatchString(out) {
			out = re.ReplaceAllString(out, constants.RedactedMarker)
			redacted = true
		}
	}

	return []byte(out), redacted
}

// accumulate appends chunk to the deferred-layer accumulator, bounded by
// [constants.StreamingAccumulatorCap]; once it overflows it is dropped for the rest of this
// response and L3/json_paths are skipped at Flush.
func (s *StreamingMasker) accumulate(chunk []byte) {
	if s.overflowed {
		return
	}
	if len(s.accumulator)+len(chunk) > constants.StreamingAccumulatorCap {
		s.overflowed = true
		s.accumulator = nil
		return
	}
	s.accumulator = append(s.accumulator, chunk...)
}

// applyJSONPathsAll applies every configured json_path to body, reporting whether any matched.
func applyJSONPathsAll(body []byte, paths [][]string, marker string) ([]byte, bool) {
	any := false
	for _, segs := range paths {
		var ok bool
		body, ok = applyJSONPathSegments(body, "", segs, marker)
		any = any || ok
	}
	return body, any
}

// RecommendedWindowCap derives a look-behind window size from the longest known-secret variant
// and the longest bounded pattern in spec's patterns, analogous to the estimate in §4.5.1. It
// does not itself bound unbounded patterns; config validation separately warns about those.
func RecommendedWindowCap(longestVariant int, patterns []string) int {
	window := longestVariant
	for _, p := range patterns {
		if n, ok := patternwindow.MaxMatchLen(p); ok && n > window {
			window = n
		}
	}
	if window <= 0 {
		return constants.DefaultStreamingWindowCap
	}
	return window
}
