// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package masker implements the Response Masker: the four-layer redaction pipeline (L1 header
// scrub, L2 known-secret substitution, L3 heuristic detection, L4 user overrides) applied to
// every upstream response before it reaches the agent (§4.5).
package masker

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/registry"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Report describes which layers fired while masking one response, surfaced to the Audit Logger.
type Report struct {
	Redacted      bool
	Layers        []string
	HeuristicKeys []string
	BinarySkipped bool
}

var (
	uuidPattern      = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	objectIDPattern  = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	urlPattern       = regexp.MustCompile(`^https?://`)
	timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T`)
	emailPattern     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	jsonPathTokenPattern = regexp.MustCompile(`\.[^.\[\]]+|\[\*\]|\[\d+\]`)

	binaryContentTypePrefixes = []string{"image/", "audio/", "video/", "application/octet-stream", "multipart/"}
)

// Masker redacts response headers and bodies for one service. It is built once (from the
// service's ResponseMaskingSpec and the process-wide Secret Registry) and is immutable and safe
// for concurrent readers thereafter.
type Masker struct {
	registry *registry.Registry

	patterns    []*regexp.Regexp
	jsonPaths   [][]string
	heuristicOn bool
	keyNames    map[string]struct{}
	minLength   int
	minEntropy  float64
}

// New compiles spec's patterns and json_paths against reg. Patterns and json_paths are assumed
// already validated by [config.Validate]; New re-derives the compiled form rather than trusting
// a second hand.
func New(reg *registry.Registry, spec config.ResponseMaskingSpec) (*Masker, error) {
	m := &Masker{
		registry:    reg,
		heuristicOn: spec.Heuristic.IsEnabled(),
		minLength:   spec.Heuristic.MinLength,
		minEntropy:  spec.Heuristic.MinEntropy,
	}

	m.keyNames = make(map[string]struct{}, len(constants.HeuristicKeyNames)+len(spec.Heuristic.AdditionalKeyNames))
	for _, k := range constants.HeuristicKeyNames {
		m.keyNames[strings.ToLower(k)] = struct{}{}
	}
	for _, k := range spec.Heuristic.AdditionalKeyNames {
		m.keyNames[strings.ToLower(k)] = struct{}{}
	}

	for _, p := range spec.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("masker: compiling pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}

	for _, jp := range spec.JSONPaths {
		m.jsonPaths = append(m.jsonPaths, jsonPathSegments(jp))
	}

	return m, nil
}

// IsBinary reports whether a response should bypass masking entirely and cross the IPC boundary
// Base64-encoded, the same check [Masker.MaskBody] applies internally before running any layer
// (§4.5 binary detection). Exposed so callers that drive the [StreamingMasker] directly can make
// the same decision before choosing a masking path.
func (m *Masker) IsBinary(contentType string, body []byte) bool {
	return isBinaryContent(contentType, body)
}

// MaskHeaders returns a copy of h with every L1-listed header removed (§4.5 L1).
func (m *Masker) MaskHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range constants.L1StrippedHeaders {
		out.Del(name)
	}
	return out
}

// MaskBody applies L1(body has no headers)–L4 to body, given the response's Content-Type.
// Binary bodies are returned unmodified with Report.BinarySkipped set; the caller is responsible
// for Base64-encoding such bodies before they cross the IPC boundary.
func (m *Masker) MaskBody(body []byte, contentType string) ([]byte, Report, error) {
	var report Report

	if isBinaryContent(contentType, body) {
		report.BinarySkipped = true
		return body, report, nil
	}

	out := body
	isContainer := json.Valid(body) && looksLikeContainer(body)

	if isContainer {
		masked, redacted, heuristicKeys := m.maskJSONTree(out)
		out = masked
		if redacted {
			report.Redacted = true
			report.Layers = append(report.Layers, "L2")
		}
		if len(heuristicKeys) > 0 {
			report.Redacted = true
			report.Layers = append(report.Layers, "L3")
			report.HeuristicKeys = heuristicKeys
		}
	} else {
		replaced, any := m.registry.ReplaceAllSubstrings(string(out), constants.RedactedMarker)
		if any {
			out = []byte(replaced)
			report.Redacted = true
			report.Layers = append(report.Layers, "L2")
		}
	}

	if isContainer && len(m.jsonPaths) > 0 {
		var anyPath bool
		for _, segs := range m.jsonPaths {
			var ok bool
			out, ok = applyJSONPathSegments(out, "", segs, constants.RedactedMarker)
			anyPath = anyPath || ok
		}
		if anyPath {
			report.Redacted = true
			report.Layers = append(report.Layers, "L4-json_path")
		}
	}

	if len(m.patterns) > 0 {
		s := string(out)
		var anyPattern bool
		for _, re := range m.patterns {
			if re.MatchString(s) {
				s = re.ReplaceAllString(s, constants.RedactedMarker)
				anyPattern = true
			}
		}
		if anyPattern {
			out = []byte(s)
			report.Redacted = true
			report.Layers = append(report.Layers, "L4-pattern")
		}
	}

	return out, report, nil
}

// leaf is one string value found while walking a JSON tree, with enough path context to write
// a replacement back with sjson and enough key context to run the L3 heuristic.
type leaf struct {
	path  string // sjson-compatible path, e.g. "choices.0.message.content"
	key   string // the object key this leaf was found under; "" for array elements (§4.5, L3 never fires on array elements)
	value string
}

// maskJSONTree walks body's JSON tree applying L2 (every string leaf) and L3 (string leaves with
// a suspicious key name that also pass the entropy+length screen), and returns the rewritten
// body, whether any L2 replacement was made, and the heuristic key names that fired.
func (m *Masker) maskJSONTree(body []byte) ([]byte, bool, []string) {
	leaves := collectLeaves(body)

	out := body
	redacted := false
	var heuristicKeys []string

	for _, l := range leaves {
		newVal, changed, firedHeuristic := m.maskLeaf(l)
		if !changed {
			continue
		}
		if firedHeuristic {
			heuristicKeys = append(heuristicKeys, l.key)
		} else {
			redacted = true
		}
		if updated, err := sjson.SetBytes(out, l.path, newVal); err == nil {
			out = updated
		}
	}

	return out, redacted, heuristicKeys
}

func (m *Masker) maskLeaf(l leaf) (value string, changed bool, firedHeuristic bool) {
	if replaced, any := m.registry.ReplaceAllSubstrings(l.value, constants.RedactedMarker); any {
		return replaced, true, false
	}
	if l.key != "" && m.heuristicOn && m.isSuspiciousKey(l.key) && m.passesEntropyScreen(l.value) {
		return constants.RedactedMarker, true, true
	}
	return l.value, false, false
}

func (m *Masker) isSuspiciousKey(key string) bool {
	lower := strings.ToLower(key)
	for name := range m.keyNames {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

func (m *Masker) passesEntropyScreen(value string) bool {
	if len(value) <= m.minLength {
		return false
	}
	if shannonEntropy(value) <= m.minEntropy {
		return false
	}
	return !isHeuristicExcluded(value)
}

func isHeuristicExcluded(value string) bool {
	return uuidPattern.MatchString(value) ||
		objectIDPattern.MatchString(value) ||
		urlPattern.MatchString(value) ||
		timestampPattern.MatchString(value) ||
		emailPattern.MatchString(value)
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int, len(s))
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// collectLeaves walks data's JSON tree (object keys and array indices) and returns every string
// leaf found, with an sjson-compatible path and, for object members, the key it was found under.
func collectLeaves(data []byte) []leaf {
	var leaves []leaf
	var walk func(path, key string, result gjson.Result)
	walk = func(path, key string, result gjson.Result) {
		switch {
		case result.IsObject():
			result.ForEach(func(k, v gjson.Result) bool {
				childKey := k.String()
				childPath := childKey
				if path != "" {
					childPath = path + "." + childKey
				}
				walk(childPath, childKey, v)
				return true
			})
		case result.IsArray():
			i := 0
			result.ForEach(func(_, v gjson.Result) bool {
				childPath := fmt.Sprintf("%s.%d", path, i)
				walk(childPath, "", v)
				i++
				return true
			})
		case result.Type == gjson.String:
			leaves = append(leaves, leaf{path: path, key: key, value: result.String()})
		}
	}
	walk("", "", gjson.ParseBytes(data))
	return leaves
}

// jsonPathSegments tokenizes a `$.a.b[*].c` style path into ["a","b","*","c"].
func jsonPathSegments(path string) []string {
	trimmed := strings.TrimPrefix(path, "$")
	tokens := jsonPathTokenPattern.FindAllString(trimmed, -1)
	segments := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		switch {
		case tok == "[*]":
			segments = append(segments, "*")
		case strings.HasPrefix(tok, "["):
			segments = append(segments, strings.Trim(tok, "[]"))
		default:
			segments = append(segments, strings.TrimPrefix(tok, "."))
		}
	}
	return segments
}

// applyJSONPathSegments sets every string leaf matched by segments (resolved against prefix) to
// marker, expanding "*" into every element of the array found at that point (§4.5 L4 json_paths).
func applyJSONPathSegments(body []byte, prefix string, segments []string, marker string) ([]byte, bool) {
	if len(segments) == 0 {
		val := gjson.GetBytes(body, prefix)
		if !val.Exists() || val.Type != gjson.String {
			return body, false
		}
		updated, err := sjson.SetBytes(body, prefix, marker)
		if err != nil {
			return body, false
		}
		return updated, true
	}

	seg, rest := segments[0], segments[1:]

	if seg == "*" {
		countPath := "#"
		if prefix != "" {
			countPath = prefix + ".#"
		}
		n := int(gjson.GetBytes(body, countPath).Int())
		changed := false
		for i := 0; i < n; i++ {
			idxPrefix := strconv.Itoa(i)
			if prefix != "" {
				idxPrefix = prefix + "." + idxPrefix
			}
			var ok bool
			body, ok = applyJSONPathSegments(body, idxPrefix, rest, marker)
			changed = changed || ok
		}
		return body, changed
	}

	nextPrefix := seg
	if prefix != "" {
		nextPrefix = prefix + "." + seg
	}
	return applyJSONPathSegments(body, nextPrefix, rest, marker)
}

// looksLikeContainer reports whether data's outermost JSON value is an object or array; the L3
// heuristic and L4 json_paths only make sense against a container, not a bare JSON scalar.
func looksLikeContainer(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// isBinaryContent reports whether a response should bypass masking entirely and be passed
// through Base64-encoded (§4.5, binary detection).
func isBinaryContent(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range binaryContentTypePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	if ct != "" {
		return false
	}

	n := len(body)
	if n > 512 {
		n = 512
	}
	for _, b := range body[:n] {
		if b == 0 {
			return true
		}
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			return true
		}
	}
	return false
}
