// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package registry builds the in-RAM Secret Registry: the set of known-secret string variants
// the Response Masker's L2 layer scans for (§4.2). A Registry is built once, after the sidecar
// unlocks its Secret Store, and is immutable and safe for concurrent readers for the remainder
// of the process lifetime.
package registry

import (
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
)

// Registry holds every known-secret variant derived from the resolved secret map, and offers the
// exact-match, substring-find, and substring-replace operations the Response Masker needs.
//
// Invariant: for every variant v held by a Registry r, r.ContainsExact(v) is true, and
// r.ReplaceAllSubstrings(v, marker) replaces the whole input with marker.
type Registry struct {
	variants     map[string]struct{}
	byLengthDesc []string // variants sorted longest-first, so replacement never shadows a longer match with a shorter one
	minLength    int
}

// Build derives a Registry from a resolved ref→value secret map and the set of configured
// placeholders (placeholders are never enrolled, even if they happen to collide with a secret
// value — a placeholder is meant to be seen by the agent).
func Build(secrets map[string]string, placeholders map[string]struct{}) *Registry {
	variants := make(map[string]struct{})

	for _, value := range secrets {
		if len(value) < constants.MinSecretLength {
			continue
		}
		if _, isPlaceholder := placeholders[value]; isPlaceholder {
			continue
		}
		for _, v := range deriveVariants(value) {
			variants[v] = struct{}{}
		}
	}

	r := &Registry{variants: variants, minLength: constants.MinSecretLength}
	r.byLengthDesc = make([]string, 0, len(variants))
	for v := range variants {
		r.byLengthDesc = append(r.byLengthDesc, v)
	}
	sort.Slice(r.byLengthDesc, func(i, j int) bool { return len(r.byLengthDesc[i]) > len(r.byLengthDesc[j]) })

	if len(r.byLengthDesc) > 0 {
		shortest := len(r.byLengthDesc[0])
		for _, v := range r.byLengthDesc {
			if len(v) < shortest {
				shortest = len(v)
			}
		}
		r.minLength = shortest
	}

	return r
}

// deriveVariants produces the plaintext, Base64, and percent-encoded forms of value (§4.2,
// GLOSSARY "Known secret variants").
func deriveVariants(value string) []string {
	variants := []string{
		value,
		base64.StdEncoding.EncodeToString([]byte(value)),
		url.QueryEscape(value),
	}
	// Deduplicate in case the encodings coincide with the plaintext (e.g. an alphanumeric-only
	// secret percent-encodes to itself).
	seen := make(map[string]struct{}, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ContainsExact reports whether s is itself a registered variant.
func (r *Registry) ContainsExact(s string) bool {
	if len(s) < r.minLength {
		return false
	}
	_, ok := r.variants[s]
	return ok
}

// FindSubstring returns the first registered variant that occurs as a substring of s, longest
// variants checked first so a short variant never masks a longer one that also matches.
func (r *Registry) FindSubstring(s string) (string, bool) {
	if len(s) < r.minLength {
		return "", false
	}
	for _, v := range r.byLengthDesc {
		if strings.Contains(s, v) {
			return v, true
		}
	}
	return "", false
}

// ReplaceAllSubstrings replaces every occurrence of every registered variant in s with marker,
// scanning longest variants first so a shorter variant that happens to be a prefix/suffix of a
// longer one never leaves a partial secret behind.
func (r *Registry) ReplaceAllSubstrings(s, marker string) (string, bool) {
	if len(s) < r.minLength {
		return s, false
	}
	replaced := false
	out := s
	for _, v := range r.byLengthDesc {
		if strings.Contains(out, v) {
			out = strings.ReplaceAll(out, v, marker)
			replaced = true
		}
	}
	return out, replaced
}

// Len reports how many distinct variants are enrolled. Exposed for diagnostics and tests.
func (r *Registry) Len() int { return len(r.variants) }
