package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
services:
  github:
    domains:
      - host: 127.0.0.1
    auth:
      type: bearer
      secret_ref: github-token
    placeholder: sk-placeholder-github
`

func TestParseValid(t *testing.T) {
	cfg, warnings, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Contains(t, cfg.Services, "github")
	svc := cfg.Services["github"]
	assert.Equal(t, "github", svc.Name)
	assert.Equal(t, "http://127.0.0.1", svc.EffectiveBaseURL)
	assert.Equal(t, 200, svc.Masking.StreamingWindowCap)
}

func TestParseMissingServicesRejected(t *testing.T) {
	_, _, err := Parse([]byte("agents: {}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "services")
}

func TestParseEmptyServicesValid(t *testing.T) {
	_, _, err := Parse([]byte("services: {}"))
	require.NoError(t, err)
}

func TestParseServiceWithNoDomainRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    auth: {type: bearer, secret_ref: r}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no domain")
}

func TestParseMissingAuthTypeRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    auth: {secret_ref: r}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.type")
}

func TestParseInvalidAuthTypeRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    auth: {type: digest, secret_ref: r}
`))
	require.Error(t, err)
}

func TestParseQueryParamWithoutParamNameRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    auth: {type: query_param, secret_ref: r}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "param_name")
}

func TestParseCustomHeaderWithoutHeaderNameRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    auth: {type: custom_header, secret_ref: r}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header_name")
}

func TestParseDuplicateDomainRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  a:
    domains: [{host: shared.example.com}]
    auth: {type: bearer, secret_ref: r1}
  b:
    domains: [{host: shared.example.com}]
    auth: {type: bearer, secret_ref: r2}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared.example.com")
}

func TestParsePrefixedDomainsMayRepeatHost(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  a:
    domains: [{host: shared.example.com, path_prefix: /a}]
    auth: {type: bearer, secret_ref: r1}
  b:
    domains: [{host: shared.example.com, path_prefix: /b}]
    auth: {type: bearer, secret_ref: r2}
`))
	require.NoError(t, err)
}

func TestParseBadBaseURLRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    base_url: ftp://example.com
    auth: {type: bearer, secret_ref: r}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestParseInvalidRegexRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    auth: {type: bearer, secret_ref: r}
    masking:
      patterns: ["(unterminated"]
`))
	require.Error(t, err)
}

func TestParseNonDollarJSONPathRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    auth: {type: bearer, secret_ref: r}
    masking:
      json_paths: ["foo.bar"]
`))
	require.Error(t, err)
}

func TestParseUndeclaredAgentServiceRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    auth: {type: bearer, secret_ref: r}
agents:
  bot:
    allowed_services: [other]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other")
}

func TestParseSDKEnvBadTokenRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    auth: {type: bearer, secret_ref: r}
    sdk_env:
      FOO_API_KEY: "{{not_placeholder}}"
`))
	require.Error(t, err)
}

func TestParseUnboundedStreamingPatternWarns(t *testing.T) {
	cfg, warnings, err := Parse([]byte(`
services:
  svc:
    domains: [{host: example.com}]
    auth: {type: bearer, secret_ref: r}
    masking:
      mode: stream
      patterns: ["sk-[a-z]+"]
`))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "unbounded")
}

func TestAllowedForAgent(t *testing.T) {
	cfg, _, err := Parse([]byte(`
services:
  github: {domains: [{host: h1}], auth: {type: bearer, secret_ref: r}}
  openai: {domains: [{host: h2}], auth: {type: bearer, secret_ref: r2}}
agents:
  content-bot:
    allowed_services: [github]
`))
	require.NoError(t, err)

	assert.True(t, cfg.AllowedForAgent("content-bot", "github"))
	assert.False(t, cfg.AllowedForAgent("content-bot", "openai"))
	assert.True(t, cfg.AllowedForAgent("", "openai"))
	assert.True(t, cfg.AllowedForAgent("unconfigured-agent", "openai"))
}
