// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package constants defines names and defaults shared across the keyhole sidecar and its agent-side SDK.
package constants

import "time"

var version = "0.0.0-dev"

// Version returns the version string embedded into binaries.
func Version() string { return version }

const (
	// UserAgent is the User-Agent header value forced onto every outbound request by the Request Builder.
	UserAgent = "agent-keyhole/" + "0.0.0-dev"

	// RedactedMarker replaces any redacted value in a masked response.
	RedactedMarker = "[REDACTED BY KEYHOLE]"

	// HealthService is the pseudo-service name answered without authentication or unlock.
	HealthService = "__health__"

	// MaxFrameSize is the largest payload (in bytes) the IPC framing will accept before tearing down the connection.
	MaxFrameSize = 10*1024*1024 + 64*1024

	// MaxRequestBodyBytes is the client-side cap on a single request body accumulated by the Interceptor.
	MaxRequestBodyBytes = 10 * 1024 * 1024

	// StreamingAccumulatorCap bounds the deferred-heuristic accumulator held by the Streaming Masker.
	StreamingAccumulatorCap = 10 * 1024 * 1024

	// DefaultStreamingWindowCap is the default streaming look-behind window size, in bytes, when a
	// ResponseMaskingSpec does not set one.
	DefaultStreamingWindowCap = 200

	// DefaultRequestTimeout is the agent-side IPC Client's per-request timeout.
	DefaultRequestTimeout = 30 * time.Second

	// ReconnectBaseDelay is the base backoff (multiplied by attempt number) used by the IPC Client
	// when reconnecting after an unexpected socket close.
	ReconnectBaseDelay = 500 * time.Millisecond

	// MaxReconnectAttempts bounds IPC Client reconnection attempts before pending requests are rejected.
	MaxReconnectAttempts = 3

	// SidecarRestartBaseDelay is the base backoff (multiplied by attempt number) the parent
	// supervisor uses when respawning a crashed sidecar child (§7 auto-restart).
	SidecarRestartBaseDelay = 1 * time.Second

	// MaxSidecarRestartAttempts bounds consecutive sidecar respawn attempts before the supervisor
	// gives up and surfaces the failure to its caller.
	MaxSidecarRestartAttempts = 5

	// MaxRedirectHops bounds the Redirect Policy's manual hop-following.
	MaxRedirectHops = 10

	// VaultFileMode is the required file mode for the vault blob and its atomic-write temp file.
	VaultFileMode = 0o600

	// SocketFileMode is the required mode for the IPC socket's filesystem node.
	SocketFileMode = 0o600

	// MinSecretLength is the minimum length a value must have to be enrolled as a secret.
	MinSecretLength = 8

	// DefaultHeuristicMinLength is the default minimum value length considered by L3.
	DefaultHeuristicMinLength = 16

	// DefaultHeuristicMinEntropy is the default minimum Shannon entropy considered by L3.
	DefaultHeuristicMinEntropy = 3.5

	// ScryptN, ScryptR, ScryptP are the vault KDF cost parameters (§3).
	ScryptN = 16384
	ScryptR = 8
	ScryptP = 1
	// ScryptKeyLen is the derived key length for AES-256-GCM.
	ScryptKeyLen = 32

	// VaultSaltLen, VaultNonceLen, VaultTagLen are the fixed-size header fields of the vault blob.
	VaultSaltLen  = 16
	VaultNonceLen = 12
	VaultTagLen   = 16
)

// HeaderAuthorization and friends name the headers the Response Masker's L1 layer always strips,
// and that the Request Builder's agent-header whitelist always drops.
const (
	HeaderAuthorization      = "Authorization"
	HeaderWWWAuthenticate    = "Www-Authenticate"
	HeaderProxyAuthorization = "Proxy-Authorization"
	HeaderProxyAuthenticate  = "Proxy-Authenticate"
	HeaderSetCookie          = "Set-Cookie"
	HeaderCookie             = "Cookie"
	HeaderXAPIKey            = "X-Api-Key"
	HeaderXAmzSecurityToken  = "X-Amz-Security-Token"
	HeaderXAmzCredential     = "X-Amz-Credential"
	HeaderXCSRFToken         = "X-Csrf-Token"
	HeaderXXSRFToken         = "X-Xsrf-Token"

	HeaderContentType = "Content-Type"
	HeaderAccept      = "Accept"
	HeaderUserAgent   = "User-Agent"
)

// L1StrippedHeaders is the full set of headers removed by the Response Masker's L1 layer.
var L1StrippedHeaders = []string{
	HeaderAuthorization,
	HeaderWWWAuthenticate,
	HeaderProxyAuthorization,
	HeaderProxyAuthenticate,
	HeaderSetCookie,
	HeaderCookie,
	HeaderXAPIKey,
	HeaderXAmzSecurityToken,
	HeaderXAmzCredential,
	HeaderXCSRFToken,
	HeaderXXSRFToken,
}

// UntrustedRedirectHeaderWhitelist is the only headers preserved across an untrusted redirect hop.
var UntrustedRedirectHeaderWhitelist = []string{
	HeaderContentType,
	HeaderAccept,
	HeaderUserAgent,
}

// AgentHeaderWhitelist is the only agent-supplied IPC Request headers forwarded upstream.
var AgentHeaderWhitelist = []string{
	HeaderContentType,
	HeaderAccept,
}

// HeuristicKeyNames is the built-in list of suspicious JSON key substrings considered by L3.
var HeuristicKeyNames = []string{
	"token", "secret", "key", "password", "passwd", "credential", "auth",
	"api_key", "apikey", "access_token", "refresh_token", "id_token",
	"client_secret", "private_key", "signing_key", "encryption_key",
	"bearer", "session_id", "sid", "salt", "hash", "cert", "certificate",
	"webhook_secret", "signing_secret", "shared_secret", "passphrase",
	"conn_str", "connection_string", "dsn",
}

// RedirectStatusCodes is the set of HTTP statuses the Redirect Policy treats as redirects.
var RedirectStatusCodes = map[int]bool{
	301: true, 302: true, 303: true, 307: true, 308: true,
}
