// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package config defines the keyhole configuration model: declared upstream services, their
// authentication and response-masking settings, and per-agent authorization (§3, §6).
package config

import (
	"fmt"
	"net"
	"strings"
)

// AuthType is the closed set of supported credential-injection schemes.
type AuthType string

// Supported AuthTypes.
const (
	AuthBearer      AuthType = "bearer"
	AuthBasic       AuthType = "basic"
	AuthQueryParam  AuthType = "query_param"
	AuthCustomHeader AuthType = "custom_header"
)

// AuthSpec is a tagged variant describing how a secret is injected into an outbound request.
// Exactly one of the Basic-only/QueryParam-only/CustomHeader-only fields is meaningful,
// discriminated by Type.
type AuthSpec struct {
	Type AuthType `yaml:"type" validate:"required,oneof=bearer basic query_param custom_header"`
	// SecretRef names the entry in the resolved secret map used by this auth scheme.
	SecretRef string `yaml:"secret_ref" validate:"required"`
	// Username is only meaningful for AuthBasic. Nil means "no username" (secret used alone).
	Username *string `yaml:"username,omitempty"`
	// ParamName is required for AuthQueryParam.
	ParamName string `yaml:"param_name,omitempty"`
	// HeaderName is required for AuthCustomHeader.
	HeaderName string `yaml:"header_name,omitempty"`
}

// DomainEntry is either a bare host, or a {host, path_prefix} pair for a multiplexed host.
type DomainEntry struct {
	Host       string `yaml:"host" validate:"required"`
	PathPrefix string `yaml:"path_prefix,omitempty"`
}

// Prefixed reports whether this domain entry carries a path prefix.
func (d DomainEntry) Prefixed() bool { return d.PathPrefix != "" }

// StreamingMode selects how the Response Masker handles a service's responses.
type StreamingMode string

// Supported StreamingModes.
const (
	StreamingModeStream StreamingMode = "stream"
	StreamingModeBuffer StreamingMode = "buffer"
)

// HeuristicSpec configures the L3 heuristic redaction layer.
type HeuristicSpec struct {
	// Enabled defaults to true; use a pointer so "absent" and "explicitly false" are distinguishable
	// during validation and normalization.
	Enabled           *bool    `yaml:"enabled,omitempty"`
	MinLength         int      `yaml:"min_length,omitempty"`
	MinEntropy        float64  `yaml:"min_entropy,omitempty"`
	AdditionalKeyNames []string `yaml:"additional_key_names,omitempty"`
}

// IsEnabled returns the effective enabled state, defaulting to true.
func (h HeuristicSpec) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// ResponseMaskingSpec configures the Response Masker for one service.
type ResponseMaskingSpec struct {
	Patterns           []string      `yaml:"patterns,omitempty"`
	JSONPaths          []string      `yaml:"json_paths,omitempty"`
	Mode               StreamingMode `yaml:"mode,omitempty"`
	StreamingWindowCap int           `yaml:"streaming_window_cap,omitempty"`
	Heuristic          HeuristicSpec `yaml:"heuristic,omitempty"`
}

// ServiceConfig describes one configured upstream (§3). Immutable after [Load] returns.
type ServiceConfig struct {
	// Name is the key this service was declared under; not part of the YAML body itself.
	Name string `yaml:"-"`

	Domains     []DomainEntry        `yaml:"domains" validate:"required,min=1,dive"`
	Auth        AuthSpec             `yaml:"auth" validate:"required"`
	Headers     map[string]string    `yaml:"headers,omitempty"`
	BaseURL     string               `yaml:"base_url,omitempty"`
	Placeholder string               `yaml:"placeholder,omitempty"`
	SDKEnv      map[string]string    `yaml:"sdk_env,omitempty"`
	Masking     ResponseMaskingSpec  `yaml:"masking,omitempty"`

	// EffectiveBaseURL is filled in by normalize() during [Load]: either BaseURL verbatim, or
	// derived from the first domain's host per the loopback/RFC1918 rule.
	EffectiveBaseURL string `yaml:"-"`
}

// AgentConfig maps an agent name to the set of services it may call. An agent with no entry
// here (or an empty/absent Agents map on the Config as a whole) may call any service (§4.7).
type AgentConfig struct {
	AllowedServices []string `yaml:"allowed_services"`
}

// Allows reports whether this agent may call the named service.
func (a AgentConfig) Allows(service string) bool {
	for _, s := range a.AllowedServices {
		if s == service {
			return true
		}
	}
	return false
}

// LoggingConfig configures the Audit Logger (§4.10).
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Sink   string `yaml:"sink,omitempty"` // "stderr" (default), "stdout", or "file"
	Path   string `yaml:"path,omitempty"` // required when Sink == "file"
}

// Config is the top-level, human-edited configuration file (§6).
type Config struct {
	Services  map[string]ServiceConfig `yaml:"services"`
	Agents    map[string]AgentConfig   `yaml:"agents,omitempty"`
	Logging   LoggingConfig            `yaml:"logging,omitempty"`
	SocketDir string                   `yaml:"socket_dir,omitempty"`
	VaultPath string                   `yaml:"vault_path,omitempty"`
}

// AllowedForAgent reports whether the given agent name (or "" for no agent) may reach service.
// An empty agent name bypasses the check entirely, matching requests without an agent field (§4.7).
func (c *Config) AllowedForAgent(agent, service string) bool {
	if agent == "" {
		return true
	}
	if len(c.Agents) == 0 {
		return true
	}
	acl, ok := c.Agents[agent]
	if !ok {
		return true
	}
	return acl.Allows(service)
}

// isLoopbackOrPrivate reports whether host (without port) is loopback or RFC1918 private.
func isLoopbackOrPrivate(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil && block.Contains(ip) {
			return true
		}
	}
	return false
}

// deriveBaseURL computes the auto-derived base_url for a service's primary domain (§3).
func deriveBaseURL(host string) string {
	hostOnly := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostOnly = h
	}
	scheme := "https"
	if isLoopbackOrPrivate(hostOnly) {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// normalize fills in derived fields (EffectiveBaseURL, service Name) after loading.
func normalize(cfg *Config) {
	for name, svc := range cfg.Services {
		svc.Name = name
		if svc.BaseURL != "" {
			svc.EffectiveBaseURL = strings.TrimRight(svc.BaseURL, "/")
		} else if len(svc.Domains) > 0 {
			svc.EffectiveBaseURL = strings.TrimRight(deriveBaseURL(svc.Domains[0].Host), "/")
		}
		if svc.Masking.StreamingWindowCap == 0 {
			svc.Masking.StreamingWindowCap = 200
		}
		if svc.Masking.Mode == "" {
			svc.Masking.Mode = StreamingModeBuffer
		}
		if svc.Masking.Heuristic.MinLength == 0 {
			svc.Masking.Heuristic.MinLength = 16
		}
		if svc.Masking.Heuristic.MinEntropy == 0 {
			svc.Masking.Heuristic.MinEntropy = 3.5
		}
		cfg.Services[name] = svc
	}
}
