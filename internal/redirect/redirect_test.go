// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package redirect

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct {
	authHeaders http.Header
	paramName   string
}

func (f *fakeBuilder) BuildAuthHeaders(string) (http.Header, error) { return f.authHeaders, nil }

func (f *fakeBuilder) InjectQueryParamAuth(_ string, u *url.URL) error {
	if f.paramName == "" {
		return nil
	}
	q := u.Query()
	q.Set(f.paramName, "s3cr3t")
	u.RawQuery = q.Encode()
	return nil
}

type scriptedDoer struct {
	responses []*http.Response
	requests  []*http.Request
	i         int
}

func (s *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	s.requests = append(s.requests, req)
	resp := s.responses[s.i]
	s.i++
	return resp, nil
}

func redirectResponse(location string) *http.Response {
	h := make(http.Header)
	h.Set("Location", location)
	return &http.Response{StatusCode: 302, Header: h, Body: http.NoBody}
}

func okResponse() *http.Response {
	return &http.Response{StatusCode: 200, Header: make(http.Header), Body: http.NoBody}
}

func TestFollowTrustedHopReappliesAuth(t *testing.T) {
	svc := config.ServiceConfig{
		Name:    "github",
		Domains: []config.DomainEntry{{Host: "127.0.0.1"}},
		Auth:    config.AuthSpec{Type: config.AuthBearer, SecretRef: "ref"},
	}
	authHeaders := make(http.Header)
	authHeaders.Set("Authorization", "Bearer ghp_FAKE")
	builder := &fakeBuilder{authHeaders: authHeaders}

	doer := &scriptedDoer{responses: []*http.Response{
		redirectResponse("http://127.0.0.1/final"),
		okResponse(),
	}}

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1/start", nil)
	require.NoError(t, err)

	p := New(doer, builder)
	resp, err := p.Follow(req, svc)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	require.Len(t, doer.requests, 2)
	assert.Equal(t, "Bearer ghp_FAKE", doer.requests[1].Header.Get("Authorization"))
}

func TestFollowUntrustedHopStripsAuth(t *testing.T) {
	svc := config.ServiceConfig{
		Name:    "github",
		Domains: []config.DomainEntry{{Host: "127.0.0.1"}},
		Auth:    config.AuthSpec{Type: config.AuthBearer, SecretRef: "ref"},
	}
	builder := &fakeBuilder{}

	doer := &scriptedDoer{responses: []*http.Response{
		redirectResponse("http://localhost/final"),
		okResponse(),
	}}

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1/start", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer ghp_FAKE")
	req.Header.Set("Content-Type", "application/json")

	p := New(doer, builder)
	_, err = p.Follow(req, svc)
	require.NoError(t, err)

	finalReq := doer.requests[1]
	assert.Empty(t, finalReq.Header.Get("Authorization"))
	assert.Equal(t, "application/json", finalReq.Header.Get("Content-Type"))
	assert.Equal(t, "localhost", finalReq.URL.Hostname())
}

func TestFollowUntrustedHopDropsQueryParamAuth(t *testing.T) {
	svc := config.ServiceConfig{
		Name:    "openai",
		Domains: []config.DomainEntry{{Host: "127.0.0.1"}},
		Auth:    config.AuthSpec{Type: config.AuthQueryParam, SecretRef: "ref", ParamName: "api_key"},
	}
	builder := &fakeBuilder{paramName: "api_key"}

	doer := &scriptedDoer{responses: []*http.Response{
		redirectResponse("http://evil.example.com/final"),
		okResponse(),
	}}

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1/start?api_key=s3cr3t", nil)
	require.NoError(t, err)

	p := New(doer, builder)
	_, err = p.Follow(req, svc)
	require.NoError(t, err)

	finalReq := doer.requests[1]
	assert.Empty(t, finalReq.URL.Query().Get("api_key"))
}

func TestFollowMissingLocationReturnsRedirectAsIs(t *testing.T) {
	svc := config.ServiceConfig{Name: "github", Domains: []config.DomainEntry{{Host: "127.0.0.1"}}}
	builder := &fakeBuilder{}

	resp := &http.Response{StatusCode: 302, Header: make(http.Header), Body: http.NoBody}
	doer := &scriptedDoer{responses: []*http.Response{resp}}

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1/start", nil)
	require.NoError(t, err)

	p := New(doer, builder)
	got, err := p.Follow(req, svc)
	require.NoError(t, err)
	assert.Equal(t, 302, got.StatusCode)
}

func TestFollowExceedingHopLimitFails(t *testing.T) {
	svc := config.ServiceConfig{Name: "github", Domains: []config.DomainEntry{{Host: "127.0.0.1"}}}
	builder := &fakeBuilder{}

	var responses []*http.Response
	for i := 0; i < 11; i++ {
		responses = append(responses, redirectResponse("http://127.0.0.1/next"))
	}
	doer := &scriptedDoer{responses: responses}

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1/start", nil)
	require.NoError(t, err)

	p := New(doer, builder)
	_, err = p.Follow(req, svc)
	assert.ErrorContains(t, err, "hops")
}
