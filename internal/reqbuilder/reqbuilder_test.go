// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package reqbuilder

import (
	"net/url"
	"testing"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bearerService() config.ServiceConfig {
	return config.ServiceConfig{
		Name:             "github",
		EffectiveBaseURL: "http://127.0.0.1",
		Auth:             config.AuthSpec{Type: config.AuthBearer, SecretRef: "github-token"},
	}
}

func TestBuildUnknownServiceFails(t *testing.T) {
	b := New(map[string]config.ServiceConfig{}, map[string]string{})
	_, err := b.Build(IncomingRequest{Service: "nope"})
	assert.ErrorContains(t, err, "unknown service")
}

func TestBuildMissingSecretFails(t *testing.T) {
	b := New(map[string]config.ServiceConfig{"github": bearerService()}, map[string]string{})
	_, err := b.Build(IncomingRequest{Service: "github", Path: "/user"})
	assert.ErrorContains(t, err, "secret not resolved")
}

func TestBuildBearerAuth(t *testing.T) {
	b := New(map[string]config.ServiceConfig{"github": bearerService()}, map[string]string{"github-token": "ghp_FAKE"})
	built, err := b.Build(IncomingRequest{Service: "github", Method: "GET", Path: "/user"})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1/user", built.URL)
	assert.Equal(t, "Bearer ghp_FAKE", built.Headers.Get("Authorization"))
	assert.Equal(t, "agent-keyhole/0.0.0-dev", built.Headers.Get("User-Agent"))
}

func TestBuildBasicAuthWithUsername(t *testing.T) {
	username := "alice"
	svc := config.ServiceConfig{
		EffectiveBaseURL: "https://example.com",
		Auth:             config.AuthSpec{Type: config.AuthBasic, SecretRef: "ref", Username: &username},
	}
	b := New(map[string]config.ServiceConfig{"svc": svc}, map[string]string{"ref": "s3cr3t"})
	built, err := b.Build(IncomingRequest{Service: "svc", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "Basic YWxpY2U6czNjcjN0", built.Headers.Get("Authorization"))
}

func TestBuildBasicAuthNoUsername(t *testing.T) {
	svc := config.ServiceConfig{
		EffectiveBaseURL: "https://example.com",
		Auth:             config.AuthSpec{Type: config.AuthBasic, SecretRef: "ref"},
	}
	b := New(map[string]config.ServiceConfig{"svc": svc}, map[string]string{"ref": "s3cr3t"})
	built, err := b.Build(IncomingRequest{Service: "svc", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "Basic czNjcjN0Og==", built.Headers.Get("Authorization"))
}

func TestBuildQueryParamAuth(t *testing.T) {
	svc := config.ServiceConfig{
		EffectiveBaseURL: "https://example.com",
		Auth:             config.AuthSpec{Type: config.AuthQueryParam, SecretRef: "ref", ParamName: "api_key"},
	}
	b := New(map[string]config.ServiceConfig{"svc": svc}, map[string]string{"ref": "s3cr3t"})
	built, err := b.Build(IncomingRequest{Service: "svc", Path: "/v1/models"})
	require.NoError(t, err)
	u, err := url.Parse(built.URL)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", u.Query().Get("api_key"))
}

func TestBuildCustomHeaderAuth(t *testing.T) {
	svc := config.ServiceConfig{
		EffectiveBaseURL: "https://example.com",
		Auth:             config.AuthSpec{Type: config.AuthCustomHeader, SecretRef: "ref", HeaderName: "X-Api-Key"},
	}
	b := New(map[string]config.ServiceConfig{"svc": svc}, map[string]string{"ref": "s3cr3t"})
	built, err := b.Build(IncomingRequest{Service: "svc", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", built.Headers.Get("X-Api-Key"))
}

func TestBuildDropsNonWhitelistedAgentHeaders(t *testing.T) {
	b := New(map[string]config.ServiceConfig{"github": bearerService()}, map[string]string{"github-token": "ghp_FAKE"})
	built, err := b.Build(IncomingRequest{
		Service: "github",
		Path:    "/user",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Accept":        "application/json",
			"Authorization": "Bearer attacker-supplied",
			"X-Evil":        "nope",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", built.Headers.Get("Content-Type"))
	assert.Equal(t, "application/json", built.Headers.Get("Accept"))
	assert.Equal(t, "Bearer ghp_FAKE", built.Headers.Get("Authorization"))
	assert.Empty(t, built.Headers.Get("X-Evil"))
}

func TestBuildDecodesBase64Body(t *testing.T) {
	b := New(map[string]config.ServiceConfig{"github": bearerService()}, map[string]string{"github-token": "ghp_FAKE"})
	built, err := b.Build(IncomingRequest{
		Service:      "github",
		Path:         "/user",
		BodyEncoding: "base64",
		Body:         "aGVsbG8=",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), built.Body)
}

func TestBuildRejectsUnknownBodyEncoding(t *testing.T) {
	b := New(map[string]config.ServiceConfig{"github": bearerService()}, map[string]string{"github-token": "ghp_FAKE"})
	_, err := b.Build(IncomingRequest{Service: "github", Path: "/user", BodyEncoding: "weird"})
	assert.Error(t, err)
}

func TestBuildAuthHeadersForRedirectPolicy(t *testing.T) {
	b := New(map[string]config.ServiceConfig{"github": bearerService()}, map[string]string{"github-token": "ghp_FAKE"})
	headers, err := b.BuildAuthHeaders("github")
	require.NoError(t, err)
	assert.Equal(t, "Bearer ghp_FAKE", headers.Get("Authorization"))
}

func TestInjectQueryParamAuthForRedirectPolicy(t *testing.T) {
	svc := config.ServiceConfig{
		EffectiveBaseURL: "https://example.com",
		Auth:             config.AuthSpec{Type: config.AuthQueryParam, SecretRef: "ref", ParamName: "api_key"},
	}
	b := New(map[string]config.ServiceConfig{"svc": svc}, map[string]string{"ref": "s3cr3t"})
	u, err := url.Parse("https://example.com/v1/models")
	require.NoError(t, err)
	require.NoError(t, b.InjectQueryParamAuth("svc", u))
	assert.Equal(t, "s3cr3t", u.Query().Get("api_key"))
}
