// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/patternwindow"
	"github.com/go-playground/validator/v10"
)

var structValidate = validator.New()

// sdkEnvTokenPattern matches any {{...}} token in an sdk_env template value.
var sdkEnvTokenPattern = regexp.MustCompile(`\{\{[^}]*\}\}`)

// ValidationResult carries non-fatal warnings alongside a definitive accept/reject decision.
type ValidationResult struct {
	Warnings []string
}

// Validate checks cfg against every rule in §6, returning the first violation found as an error,
// or a [ValidationResult] carrying any non-fatal warnings when cfg is acceptable.
func Validate(cfg *Config) (ValidationResult, error) {
	var result ValidationResult

	if cfg.Services == nil {
		return result, fmt.Errorf("config: missing required %q key", "services")
	}

	seenDomains := make(map[string]string) // bare domain -> declaring service
	for name, svc := range cfg.Services {
		if err := validateService(name, svc, seenDomains, &result); err != nil {
			return result, err
		}
	}

	for agentName, acl := range cfg.Agents {
		for _, svc := range acl.AllowedServices {
			if _, ok := cfg.Services[svc]; !ok {
				return result, fmt.Errorf("config: agent %q references undeclared service %q", agentName, svc)
			}
		}
	}

	return result, nil
}

func validateService(name string, svc ServiceConfig, seenDomains map[string]string, result *ValidationResult) error {
	if len(svc.Domains) == 0 {
		return fmt.Errorf("config: service %q has no domain", name)
	}
	for _, d := range svc.Domains {
		if d.Host == "" {
			return fmt.Errorf("config: service %q has a domain entry with no host", name)
		}
		if !d.Prefixed() {
			if owner, dup := seenDomains[d.Host]; dup {
				return fmt.Errorf("config: domain %q is declared by both %q and %q", d.Host, owner, name)
			}
			seenDomains[d.Host] = name
		}
	}

	if err := validateAuth(name, svc.Auth); err != nil {
		return err
	}

	if svc.BaseURL != "" && !strings.HasPrefix(svc.BaseURL, "http://") && !strings.HasPrefix(svc.BaseURL, "https://") {
		return fmt.Errorf("config: service %q has base_url %q that does not start with http:// or https://", name, svc.BaseURL)
	}

	if err := validateMasking(name, svc.Masking, result); err != nil {
		return err
	}

	for envVar, template := range svc.SDKEnv {
		for _, tok := range sdkEnvTokenPattern.FindAllString(template, -1) {
			if tok != "{{placeholder}}" {
				return fmt.Errorf("config: service %q sdk_env %q contains unsupported token %q", name, envVar, tok)
			}
		}
	}

	return nil
}

func validateAuth(service string, auth AuthSpec) error {
	if auth.Type == "" {
		return fmt.Errorf("config: service %q is missing auth.type", service)
	}
	if auth.SecretRef == "" {
		return fmt.Errorf("config: service %q is missing auth.secret_ref", service)
	}
	if err := structValidate.Struct(auth); err != nil {
		return fmt.Errorf("config: service %q has invalid auth spec: %w", service, err)
	}
	switch auth.Type {
	case AuthBearer, AuthBasic:
	case AuthQueryParam:
		if auth.ParamName == "" {
			return fmt.Errorf("config: service %q uses query_param auth without param_name", service)
		}
	case AuthCustomHeader:
		if auth.HeaderName == "" {
			return fmt.Errorf("config: service %q uses custom_header auth without header_name", service)
		}
	default:
		return fmt.Errorf("config: service %q has invalid auth.type %q", service, auth.Type)
	}
	return nil
}

func validateMasking(service string, m ResponseMaskingSpec, result *ValidationResult) error {
	if m.StreamingWindowCap < 0 {
		return fmt.Errorf("config: service %q streaming_window_cap must be a positive integer", service)
	}
	// Zero is normalized to the default elsewhere; only an explicit negative value is rejected here.

	for _, p := range m.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config: service %q has invalid regex pattern %q: %w", service, p, err)
		}
		if m.Mode == StreamingModeStream && patternwindow.HasUnboundedQuantifier(p) {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"service %q: streaming-mode pattern %q has an unbounded quantifier with no {n} bound; "+
					"matches longer than streaming_window_cap will not be redacted", service, p))
		}
	}

	for _, jp := range m.JSONPaths {
		if !strings.HasPrefix(jp, "$") {
			return fmt.Errorf("config: service %q has json_path %q not prefixed with %q", service, jp, "$")
		}
	}

	if m.Heuristic.MinLength < 0 {
		return fmt.Errorf("config: service %q heuristic.min_length must be a positive integer", service)
	}
	if m.Heuristic.MinEntropy < 0 {
		return fmt.Errorf("config: service %q heuristic.min_entropy must be a positive number", service)
	}

	return nil
}
