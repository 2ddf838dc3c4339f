// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package reqbuilder turns an agent's IPC request plus the resolved secret map into a concrete
// outbound HTTP request: URL, method, headers, and body (§4.3). It also exposes the two
// sub-operations the Redirect Policy reuses when it re-applies or strips auth across a hop.
package reqbuilder

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
)

// IncomingRequest is the subset of an agent's IPC request the Builder needs.
type IncomingRequest struct {
	Service      string
	Method       string
	Path         string
	Headers      map[string]string
	BodyEncoding string // "utf8" or "base64"; empty means no body
	Body         string
}

// Built is a fully-formed outbound HTTP request, ready to hand to an *http.Client.
type Built struct {
	URL     string
	Method  string
	Headers http.Header
	Body    []byte
}

// Builder resolves secrets and assembles outbound requests for one fixed set of services and
// secrets. It is built once, after the sidecar unlocks its Secret Store, and is immutable and
// safe for concurrent readers for the remainder of the process lifetime.
type Builder struct {
	services map[string]config.ServiceConfig
	secrets  map[string]string // secret_ref -> value
}

// New returns a Builder over services, resolving auth secrets from secrets (keyed by secret_ref).
func New(services map[string]config.ServiceConfig, secrets map[string]string) *Builder {
	return &Builder{services: services, secrets: secrets}
}

// Build assembles the outbound request for req (§4.3 steps 1-7).
func (b *Builder) Build(req IncomingRequest) (Built, error) {
	svc, ok := b.services[req.Service]
	if !ok {
		return Built{}, fmt.Errorf("unknown service %q", req.Service)
	}

	secret, ok := b.secrets[svc.Auth.SecretRef]
	if !ok {
		return Built{}, fmt.Errorf("secret not resolved for service %q", req.Service)
	}

	rawURL := strings.TrimRight(svc.EffectiveBaseURL, "/") + req.Path

	headers := make(http.Header)
	for k, v := range svc.Headers {
		headers.Set(k, v)
	}
	applyAuthHeaders(headers, svc.Auth, secret)
	headers.Set(constants.HeaderUserAgent, constants.UserAgent)

	for _, name := range constants.AgentHeaderWhitelist {
		if v, ok := lookupHeaderCaseInsensitive(req.Headers, name); ok {
			headers.Set(name, v)
		}
	}

	if svc.Auth.Type == config.AuthQueryParam {
		u, err := url.Parse(rawURL)
		if err != nil {
			return Built{}, fmt.Errorf("building url for service %q: %w", req.Service, err)
		}
		injectQueryParamAuth(u, svc.Auth, secret)
		rawURL = u.String()
	}

	body, err := decodeBody(req.BodyEncoding, req.Body)
	if err != nil {
		return Built{}, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	return Built{URL: rawURL, Method: method, Headers: headers, Body: body}, nil
}

// BuildAuthHeaders returns just the auth headers for service, re-applied by the Redirect Policy
// on a trusted hop.
func (b *Builder) BuildAuthHeaders(service string) (http.Header, error) {
	svc, ok := b.services[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	secret, ok := b.secrets[svc.Auth.SecretRef]
	if !ok {
		return nil, fmt.Errorf("secret not resolved for service %q", service)
	}
	headers := make(http.Header)
	applyAuthHeaders(headers, svc.Auth, secret)
	return headers, nil
}

// InjectQueryParamAuth sets the service's query-param auth on u in place, used by the Redirect
// Policy when re-applying auth on a trusted hop.
func (b *Builder) InjectQueryParamAuth(service string, u *url.URL) error {
	svc, ok := b.services[service]
	if !ok {
		return fmt.Errorf("unknown service %q", service)
	}
	if svc.Auth.Type != config.AuthQueryParam {
		return nil
	}
	secret, ok := b.secrets[svc.Auth.SecretRef]
	if !ok {
		return fmt.Errorf("secret not resolved for service %q", service)
	}
	injectQueryParamAuth(u, svc.Auth, secret)
	return nil
}

func applyAuthHeaders(headers http.Header, auth config.AuthSpec, secret string) {
	switch auth.Type {
	case config.AuthBearer:
		headers.Set(constants.HeaderAuthorization, "Bearer "+secret)
	case config.AuthBasic:
		user := ""
		if auth.Username != nil {
			user = *auth.Username
		}
		headers.Set(constants.HeaderAuthorization, "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+secret)))
	case config.AuthCustomHeader:
		headers.Set(auth.HeaderName, secret)
	case config.AuthQueryParam:
		// applied to the URL, not a header
	}
}

func injectQueryParamAuth(u *url.URL, auth config.AuthSpec, secret string) {
	if auth.Type != config.AuthQueryParam {
		return
	}
	q := u.Query()
	q.Set(auth.ParamName, secret)
	u.RawQuery = q.Encode()
}

func decodeBody(encoding, body string) ([]byte, error) {
	switch encoding {
	case "", "utf8":
		return []byte(body), nil
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 request body: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}

func lookupHeaderCaseInsensitive(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
