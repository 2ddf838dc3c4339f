// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package interceptor patches the agent process's outbound HTTP path: an [http.RoundTripper]
// that resolves a request's host to a declared service, converts it into an IPC Request, and
// returns a synthetic [http.Response] built from the sidecar's reply (§4.9).
package interceptor

import (
	"net"
	"sort"
	"strings"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/bootstrap"
)

// prefixEntry is one (path_prefix, service) candidate for a single host.
type prefixEntry struct {
	prefix  string
	service string
	index   int // original position in the domain map, for the declaration-order tiebreak
}

// Resolver maps an outbound (host, path) to a declared service name: an exact-match table for
// bare-host domains, and a per-host ordered prefix list for multiplexed hosts (§4.9, §9 note i).
type Resolver struct {
	exact    map[string]string
	prefixes map[string][]prefixEntry
}

// NewResolver builds a Resolver from a domain map, preserving mappings' relative order for the
// longest-prefix-wins / declaration-order tiebreak.
func NewResolver(mappings []bootstrap.DomainMapping) *Resolver {
	r := &Resolver{
		exact:    make(map[string]string),
		prefixes: make(map[string][]prefixEntry),
	}
	for i, m := range mappings {
		if m.PathPrefix == "" {
			r.exact[m.Domain] = m.Service
			continue
		}
		r.prefixes[m.Domain] = append(r.prefixes[m.Domain], prefixEntry{
			prefix:  m.PathPrefix,
			service: m.Service,
			index:   i,
		})
	}
	for host, entries := range r.prefixes {
		sort.SliceStable(entries, func(a, b int) bool {
			if len(entries[a].prefix) != len(entries[b].prefix) {
				return len(entries[a].prefix) > len(entries[b].prefix)
			}
			return entries[a].index < entries[b].index
		})
		r.prefixes[host] = entries
	}
	return r
}

// Resolve returns the service declared for host+path, or ok=false when the request should pass
// through to the original transport unchanged.
func (r *Resolver) Resolve(host, path string) (service string, ok bool) {
	host = stripPort(host)

	if svc, found := r.exact[host]; found {
		return svc, true
	}
	for _, e := range r.prefixes[host] {
		if strings.HasPrefix(path, e.prefix) {
			return e.service, true
		}
	}
	return "", false
}

// stripPort removes a trailing ":port" from host, IPv6-bracket-aware. A bracketed host with no
// port ("[::1]") is also unwrapped.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}
