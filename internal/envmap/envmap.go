// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package envmap derives the process-wide placeholder environment an agent merges into its own
// process so SDKs that read credentials straight from the environment see a look-alike string,
// never a real secret (§6 "Process-wide placeholder env").
package envmap

import (
	"strings"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
)

// placeholderToken is the only substitution token [config.Validate] allows inside an sdk_env
// template value.
const placeholderToken = "{{placeholder}}"

// GetSafeEnv derives the env vars every configured service's sdk_env wants set, substituting
// each service's own Placeholder into its templates. It never reads or touches a resolved
// secret value, so its result cannot contain one by construction (§8 testable property 1):
// callers merge the returned map into the agent process's environment before handing control to
// user code.
func GetSafeEnv(cfg *config.Config) map[string]string {
	out := make(map[string]string)
	for _, svc := range cfg.Services {
		for key, tmpl := range svc.SDKEnv {
			out[key] = strings.ReplaceAll(tmpl, placeholderToken, svc.Placeholder)
		}
	}
	return out
}
