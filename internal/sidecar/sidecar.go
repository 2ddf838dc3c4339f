// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package sidecar wires the Secret Store, Secret Registry, Request Builder, Redirect Policy, and
// Response Masker together behind the IPC Handler interface, and owns the
// booting → pending_unlock|ready → shutting_down state machine (§3, §4.8, §5).
package sidecar

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/audit"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ipc"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/masker"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/redirect"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/registry"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/reqbuilder"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/secretstore"
)

// State is one point in the sidecar's lifecycle.
type State int32

// States, in the order a sidecar instance passes through them. A sidecar with an already-unlocked
// Secret Store (e.g. the Keychain backend) goes directly from Booting to Ready.
const (
	StateBooting State = iota
	StatePendingUnlock
	StateReady
	StateShuttingDown
)

// String returns the wire name used in bootstrap Ready/Unlocked messages and the __health__ body.
func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StatePendingUnlock:
		return "pending_unlock"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// published is the Registry/Builder/Masker triple, swapped in once at the pending_unlock→ready
// transition and never mutated afterward (§5): readers need no lock after the swap.
type published struct {
	registry *registry.Registry
	builder  *reqbuilder.Builder
	maskers  map[string]*masker.Masker
}

// Sidecar answers IPC Requests on behalf of one loaded Config, once its Secret Store has been
// unlocked. It implements [ipc.Handler].
type Sidecar struct {
	cfg          *config.Config
	audit        *audit.Logger
	client       *http.Client
	defaultAgent string
	startedAt    time.Time
	metrics      *metrics

	state atomic.Int32
	pub   atomic.Pointer[published]
}

// New returns a Sidecar in [StateBooting] for cfg. defaultAgent labels requests that arrive
// without their own `agent` field (the bootstrap message's optional `agent`); pass "" when unset.
func New(cfg *config.Config, auditLogger *audit.Logger, defaultAgent string) *Sidecar {
	s := &Sidecar{
		cfg:          cfg,
		audit:        auditLogger,
		client:       newUpstreamClient(),
		defaultAgent: defaultAgent,
		startedAt:    time.Now(),
		metrics:      newMetrics(),
	}
	s.state.Store(int32(StateBooting))
	return s
}

// MetricsRegistry returns the Sidecar's private Prometheus registry, for mounting a `/metrics`
// endpoint alongside the IPC socket.
func (s *Sidecar) MetricsRegistry() *prometheus.Registry {
	return s.metrics.Registry
}

// FrameRejected records one IPC frame dropped for bad auth, malformed JSON, or oversize. Wire
// this to an [ipc.Server]'s OnAuthFailure/OnMalformed/OnConnError callbacks alongside the
// corresponding audit.Logger method.
func (s *Sidecar) FrameRejected() {
	s.metrics.observeFrameRejected()
}

// newUpstreamClient returns the *http.Client used for all upstream fetches. Redirects are never
// followed automatically; [redirect.Policy] walks hops manually so it can gate credentials per
// hop (§4.4).
func newUpstreamClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// State returns the Sidecar's current lifecycle state.
func (s *Sidecar) State() State {
	return State(s.state.Load())
}

// MarkPendingUnlock transitions a booting Sidecar to [StatePendingUnlock]: its Secret Store is a
// locked vault and no passphrase was supplied at bootstrap.
func (s *Sidecar) MarkPendingUnlock() {
	s.state.Store(int32(StatePendingUnlock))
}

// Shutdown transitions to [StateShuttingDown]; Handle continues to answer __health__ but rejects
// every other request.
func (s *Sidecar) Shutdown() {
	s.state.Store(int32(StateShuttingDown))
}

// Unlock resolves every configured service's secret from store, builds the Registry/Builder/
// Masker triple, publishes it atomically, and transitions to [StateReady]. Secret resolution
// failure for any configured service is fatal (§4.8).
func (s *Sidecar) Unlock(ctx context.Context, store secretstore.Store) error {
	secretRefs := make(map[string]struct{})
	placeholders := make(map[string]struct{})
	for _, svc := range s.cfg.Services {
		secretRefs[svc.Auth.SecretRef] = struct{}{}
		if svc.Placeholder != "" {
			placeholders[svc.Placeholder] = struct{}{}
		}
	}

	secrets := make(map[string]string, len(secretRefs))
	for ref := range secretRefs {
		v, err := store.Get(ctx, ref)
		if err != nil {
			return fmt.Errorf("sidecar: resolving secret %q: %w", ref, err)
		}
		secrets[ref] = v
	}

	reg := registry.Build(secrets, placeholders)
	builder := reqbuilder.New(s.cfg.Services, secrets)

	maskers := make(map[string]*masker.Masker, len(s.cfg.Services))
	for name, svc := range s.cfg.Services {
		m, err := masker.New(reg, svc.Masking)
		if err != nil {
			return fmt.Errorf("sidecar: building masker for service %q: %w", name, err)
		}
		maskers[name] = m
	}

	s.pub.Store(&published{registry: reg, builder: builder, maskers: maskers})
	s.state.Store(int32(StateReady))
	return nil
}

// Handle answers one IPC Request, implementing [ipc.Handler]. It never panics on a single
// request's fault: every failure path returns a synthetic [ipc.Response] (§7).
func (s *Sidecar) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	start := time.Now()

	if req.Service == constants.HealthService {
		return s.healthResponse()
	}

	if s.State() != StateReady {
		return ipc.Response{Status: 503, Error: secretstore.ErrLocked.Error()}
	}

	agent := req.Agent
	if agent == "" {
		agent = s.defaultAgent
	}
	if !s.cfg.AllowedForAgent(agent, req.Service) {
		s.audit.Unauthorized(agent, req.Service)
		return ipc.Response{Status: 403, Error: fmt.Sprintf("Agent %q not authorized for service %q", agent, req.Service)}
	}

	svc, ok := s.cfg.Services[req.Service]
	if !ok {
		return ipc.Response{Status: 400, Error: fmt.Sprintf("unknown service %q", req.Service)}
	}

	pub := s.pub.Load()
	sanitizedPath := audit.SanitizePath(req.Path, queryParamName(svc))

	built, err := pub.builder.Build(reqbuilder.IncomingRequest{
		Service:      req.Service,
		Method:       req.Method,
		Path:         req.Path,
		Headers:      req.Headers,
		BodyEncoding: req.BodyEncoding,
		Body:         req.Body,
	})
	if err != nil {
		return s.fail(req, agent, sanitizedPath, start, 502, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, built.Method, built.URL, bytes.NewReader(built.Body))
	if err != nil {
		return s.fail(req, agent, sanitizedPath, start, 502, err)
	}
	httpReq.Header = built.Headers

	policy := redirect.New(s.client, pub.builder)
	resp, err := policy.Follow(httpReq, svc)
	if err != nil {
		return s.fail(req, agent, sanitizedPath, start, 502, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxFrameSize))
	if err != nil {
		return s.fail(req, agent, sanitizedPath, start, 502, err)
	}

	m := pub.maskers[req.Service]
	contentType := resp.Header.Get(constants.HeaderContentType)
	maskedBody, report, err := maskResponseBody(m, svc.Masking, body, contentType)
	if err != nil {
		return s.fail(req, agent, sanitizedPath, start, 502, err)
	}
	maskedHeaders := m.MaskHeaders(resp.Header)

	bodyEncoding, bodyStr := "utf8", string(maskedBody)
	if report.BinarySkipped {
		bodyEncoding, bodyStr = "base64", base64.StdEncoding.EncodeToString(maskedBody)
	}

	s.audit.Request(audit.RequestFields{
		Service:         req.Service,
		Method:          req.Method,
		Path:            sanitizedPath,
		Status:          resp.StatusCode,
		Duration:        time.Since(start),
		Redacted:        report.Redacted,
		RedactionLayers: report.Layers,
		HeuristicKeys:   report.HeuristicKeys,
		Agent:           agent,
	})
	s.metrics.observeRequest(resp.StatusCode, report.Redacted)

	return ipc.Response{
		Status:       resp.StatusCode,
		Headers:      flattenHeader(maskedHeaders),
		BodyEncoding: bodyEncoding,
		Body:         bodyStr,
	}
}

// fail logs and returns a synthetic 5xx Response for a request that could not complete at all
// (as opposed to a completed round trip the upstream itself answered with a 4xx/5xx).
func (s *Sidecar) fail(req ipc.Request, agent, sanitizedPath string, start time.Time, status int, err error) ipc.Response {
	s.audit.Request(audit.RequestFields{
		Service:  req.Service,
		Method:   req.Method,
		Path:     sanitizedPath,
		Status:   status,
		Duration: time.Since(start),
		Agent:    agent,
		Err:      err,
	})
	s.metrics.observeRequest(status, false)
	return ipc.Response{Status: status, Error: err.Error()}
}

// healthResponse answers __health__ regardless of lock state, including the in-memory counters
// (§4.8).
func (s *Sidecar) healthResponse() ipc.Response {
	snap := s.metrics.snapshot()
	body := fmt.Sprintf(
		`{"state":%q,"uptime":%q,"requests_total":%d,"requests_5xx":%d,"redactions_total":%d,"frames_rejected_total":%d}`,
		s.State().String(), time.Since(s.startedAt).String(),
		snap.RequestsTotal, snap.Requests5xx, snap.RedactionsTotal, snap.FramesRejectedTotal,
	)
	return ipc.Response{Status: 200, BodyEncoding: "utf8", Body: body}
}

// streamFeedChunkSize is how many bytes of an already-buffered response body are fed to the
// StreamingMasker per ProcessChunk call, simulating the chunk boundaries a real chunked-transfer
// upstream response would arrive in (§4.5.1).
const streamFeedChunkSize = 4096

// maskResponseBody applies the configured masking for svc to body. Binary detection (§4.5) runs
// first and is mode-independent; non-binary bodies are masked via the buffered four-layer
// pipeline ([Masker.MaskBody]) unless the service is configured for streaming mode
// (config.StreamingModeStream), in which case body is fed through a [masker.StreamingMasker] in
// fixed-size chunks via ProcessChunk/Flush instead of one fully-buffered MaskBody call (§4.5.1).
func maskResponseBody(m *masker.Masker, spec config.ResponseMaskingSpec, body []byte, contentType string) ([]byte, masker.Report, error) {
	if m.IsBinary(contentType, body) {
		return body, masker.Report{BinarySkipped: true}, nil
	}

	if spec.Mode != config.StreamingModeStream {
		return m.MaskBody(body, contentType)
	}

	sm := masker.NewStreaming(m, spec.StreamingWindowCap)
	var out bytes.Buffer
	var report masker.Report

	for offset := 0; offset < len(body); offset += streamFeedChunkSize {
		end := offset + streamFeedChunkSize
		if end > len(body) {
			end = len(body)
		}
		safeEmit, redacted := sm.ProcessChunk(body[offset:end])
		out.Write(safeEmit)
		if redacted {
			report.Redacted = true
		}
	}

	tail, flushReport := sm.Flush()
	out.Write(tail)
	if flushReport.Redacted {
		report.Redacted = true
	}
	report.Layers = mergeLayers(report.Layers, flushReport.Layers)
	report.HeuristicKeys = flushReport.HeuristicKeys

	return out.Bytes(), report, nil
}

// mergeLayers appends every layer in add not already present in layers.
func mergeLayers(layers, add []string) []string {
	for _, l := range add {
		found := false
		for _, existing := range layers {
			if existing == l {
				found = true
				break
			}
		}
		if !found {
			layers = append(layers, l)
		}
	}
	return layers
}

func queryParamName(svc config.ServiceConfig) string {
	if svc.Auth.Type == config.AuthQueryParam {
		return svc.Auth.ParamName
	}
	return ""
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
