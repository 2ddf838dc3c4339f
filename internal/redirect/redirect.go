// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package redirect implements the sidecar's manual redirect-following (§4.4). The sidecar's
// outbound HTTP client never follows redirects automatically; this package walks each hop so it
// can decide, per hop, whether the new host is still inside the service's declared trust
// boundary before re-applying credentials.
package redirect

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
)

// AuthApplier is the subset of the Request Builder the Policy needs to re-apply or strip auth
// across a hop.
type AuthApplier interface {
	BuildAuthHeaders(service string) (http.Header, error)
	InjectQueryParamAuth(service string, u *url.URL) error
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy follows redirects on behalf of one request, up to [constants.MaxRedirectHops].
type Policy struct {
	client  Doer
	builder AuthApplier
}

// New returns a Policy that performs upstream requests with client and re-applies/strips auth
// via builder.
func New(client Doer, builder AuthApplier) *Policy {
	return &Policy{client: client, builder: builder}
}

// Follow sends req and manually follows any redirect response, re-applying auth on hops that
// stay within svc's declared domains and stripping it on hops that leave the trust boundary.
// It returns the final, non-redirect response, or the redirect response unchanged if a hop's
// Location header is missing.
func (p *Policy) Follow(req *http.Request, svc config.ServiceConfig) (*http.Response, error) {
	current := req
	for hop := 0; ; hop++ {
		if hop >= constants.MaxRedirectHops {
			return nil, fmt.Errorf("redirect: exceeded %d hops for service %q", constants.MaxRedirectHops, svc.Name)
		}

		resp, err := p.client.Do(current)
		if err != nil {
			return nil, err
		}

		if !constants.RedirectStatusCodes[resp.StatusCode] {
			return resp, nil
		}

		location := resp.Header.Get("Location")
		if location == "" {
			return resp, nil
		}

		locationURL, err := url.Parse(location)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("redirect: parsing Location %q: %w", location, err)
		}
		target := current.URL.ResolveReference(locationURL)

		// 307/308 require the method and body to be replayed unchanged on the next hop; every other
		// redirect status carries no such guarantee, so the hop is rebuilt bodiless as before.
		var body io.Reader
		preserveBody := (resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusPermanentRedirect) && current.GetBody != nil
		if preserveBody {
			rc, err := current.GetBody()
			if err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("redirect: rereading request body for hop: %w", err)
			}
			body = rc
		}
		resp.Body.Close()

		next, err := http.NewRequestWithContext(current.Context(), current.Method, target.String(), body)
		if err != nil {
			return nil, err
		}
		if preserveBody {
			next.ContentLength = current.ContentLength
			next.GetBody = current.GetBody
		}

		if isTrustedHost(target.Hostname(), svc) {
			if err := p.applyTrusted(next, svc); err != nil {
				return nil, err
			}
		} else {
			stripToWhitelist(next, svc)
		}

		current = next
	}
}

// isTrustedHost compares the redirect host against svc's declared domains by exact string
// equality; "localhost" and "127.0.0.1" are different hosts (§4.4).
func isTrustedHost(host string, svc config.ServiceConfig) bool {
	for _, d := range svc.Domains {
		if d.Host == host {
			return true
		}
	}
	return false
}

func (p *Policy) applyTrusted(req *http.Request, svc config.ServiceConfig) error {
	headers, err := p.builder.BuildAuthHeaders(svc.Name)
	if err != nil {
		return err
	}
	for k, values := range headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if err := p.builder.InjectQueryParamAuth(svc.Name, req.URL); err != nil {
		return err
	}
	return nil
}

// stripToWhitelist removes every header except [constants.UntrustedRedirectHeaderWhitelist] and,
// for query-param-auth services, deletes the auth parameter from the redirect URL.
func stripToWhitelist(req *http.Request, svc config.ServiceConfig) {
	kept := make(http.Header)
	for _, name := range constants.UntrustedRedirectHeaderWhitelist {
		if v := req.Header.Get(name); v != "" {
			kept.Set(name, v)
		}
	}
	req.Header = kept

	if svc.Auth.Type == config.AuthQueryParam && svc.Auth.ParamName != "" {
		q := req.URL.Query()
		q.Del(svc.Auth.ParamName)
		req.URL.RawQuery = q.Encode()
	}
}
