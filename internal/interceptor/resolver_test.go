// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package interceptor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/bootstrap"
)

func TestResolveExactHost(t *testing.T) {
	r := NewResolver([]bootstrap.DomainMapping{
		{Domain: "api.github.com", Service: "github"},
	})

	svc, ok := r.Resolve("api.github.com:443", "/user")
	assert.True(t, ok)
	assert.Equal(t, "github", svc)
}

func TestResolveLongestPrefixWins(t *testing.T) {
	r := NewResolver([]bootstrap.DomainMapping{
		{Domain: "gateway.internal", PathPrefix: "/v1", Service: "general"},
		{Domain: "gateway.internal", PathPrefix: "/v1/billing", Service: "billing"},
	})

	svc, ok := r.Resolve("gateway.internal", "/v1/billing/charges")
	assert.True(t, ok)
	assert.Equal(t, "billing", svc)

	svc, ok = r.Resolve("gateway.internal", "/v1/users")
	assert.True(t, ok)
	assert.Equal(t, "general", svc)
}

func TestResolveTiesBrokenByDeclarationOrder(t *testing.T) {
	r := NewResolver([]bootstrap.DomainMapping{
		{Domain: "gateway.internal", PathPrefix: "/v1", Service: "first"},
		{Domain: "gateway.internal", PathPrefix: "/v1", Service: "second"},
	})

	svc, ok := r.Resolve("gateway.internal", "/v1/anything")
	assert.True(t, ok)
	assert.Equal(t, "first", svc)
}

func TestResolveNoMatchReturnsFalse(t *testing.T) {
	r := NewResolver([]bootstrap.DomainMapping{{Domain: "api.github.com", Service: "github"}})

	_, ok := r.Resolve("example.com", "/")
	assert.False(t, ok)
}

func TestResolveStripsIPv6BracketedPort(t *testing.T) {
	r := NewResolver([]bootstrap.DomainMapping{{Domain: "::1", Service: "loopback"}})

	svc, ok := r.Resolve("[::1]:8080", "/")
	assert.True(t, ok)
	assert.Equal(t, "loopback", svc)

	svc, ok = r.Resolve("[::1]", "/")
	assert.True(t, ok)
	assert.Equal(t, "loopback", svc)
}
