// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package interceptor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ipc"
)

// ErrBodyTooLarge is returned when an outbound request body exceeds [constants.MaxRequestBodyBytes].
var ErrBodyTooLarge = errors.New("interceptor: request body exceeds maximum size")

// Sender is the subset of [*ipc.Client] the Interceptor needs, so callers can substitute a test
// double without dialing a real socket.
type Sender interface {
	Send(ctx context.Context, req ipc.Request) (ipc.Response, error)
}

// Interceptor is an [http.RoundTripper] that redirects requests matching a declared service to
// the sidecar over IPC, and passes everything else through to an underlying transport unchanged
// (§4.9).
type Interceptor struct {
	resolver *Resolver
	client   Sender
	fallback http.RoundTripper
}

// New wraps fallback (the transport used for unmatched hosts) with an Interceptor that routes
// matched requests through client using resolver.
func New(resolver *Resolver, client Sender, fallback http.RoundTripper) *Interceptor {
	if fallback == nil {
		fallback = http.DefaultTransport
	}
	return &Interceptor{resolver: resolver, client: client, fallback: fallback}
}

// WrapClient returns a shallow copy of c with its Transport wrapped by an Interceptor, leaving c
// itself untouched.
func WrapClient(c *http.Client, resolver *Resolver, client Sender) *http.Client {
	wrapped := *c
	wrapped.Transport = New(resolver, client, c.Transport)
	return &wrapped
}

// installed holds the process-wide patch state so Uninstall can restore exactly what Install saw.
type installed struct {
	original http.RoundTripper
}

var active *installed

// Install monkey-patches [http.DefaultTransport] with an Interceptor built from resolver and
// client. Requests to hosts resolver does not recognize fall through to the original transport
// unchanged. Returns an error if already installed.
func Install(resolver *Resolver, client Sender) error {
	if active != nil {
		return errors.New("interceptor: already installed")
	}
	original := http.DefaultTransport
	http.DefaultTransport = New(resolver, client, original)
	active = &installed{original: original}
	return nil
}

// Uninstall restores the [http.DefaultTransport] Install saw before patching. A no-op if not
// installed.
func Uninstall() {
	if active == nil {
		return
	}
	http.DefaultTransport = active.original
	active = nil
}

// RoundTrip implements [http.RoundTripper].
func (it *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	service, ok := it.resolver.Resolve(req.URL.Host, req.URL.Path)
	if !ok {
		return it.fallback.RoundTrip(req)
	}

	body, err := readLimited(req.Body, constants.MaxRequestBodyBytes)
	if err != nil {
		return nil, err
	}

	encoding, encoded := encodeBody(body, req.Header.Get(constants.HeaderContentType))

	ipcReq := ipc.Request{
		ID:           uuid.NewString(),
		Service:      service,
		Method:       req.Method,
		Path:         requestPath(req.URL),
		Headers:      lowercasedHeaders(req.Header),
		BodyEncoding: encoding,
		Body:         encoded,
	}

	resp, err := it.client.Send(req.Context(), ipcReq)
	if err != nil {
		return nil, fmt.Errorf("interceptor: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}

	return synthesizeResponse(req, resp)
}

func requestPath(u *url.URL) string {
	path := u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

func readLimited(r io.ReadCloser, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	defer r.Close()
	lr := io.LimitReader(r, limit+1)
	body, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("interceptor: reading request body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// encodeBody chooses "utf8" for text-ish bodies and "base64" otherwise, byte-sniffing when no
// Content-Type is present (§4.9).
func encodeBody(body []byte, contentType string) (encoding, encoded string) {
	if len(body) == 0 {
		return "", ""
	}
	if isTextLike(contentType, body) {
		return "utf8", string(body)
	}
	return "base64", base64.StdEncoding.EncodeToString(body)
}

func isTextLike(contentType string, body []byte) bool {
	if contentType != "" {
		ct := strings.ToLower(contentType)
		switch {
		case strings.HasPrefix(ct, "text/"),
			strings.Contains(ct, "json"),
			strings.Contains(ct, "xml"),
			strings.Contains(ct, "x-www-form-urlencoded"):
			return true
		}
		return false
	}
	sniffed := http.DetectContentType(body)
	return strings.HasPrefix(sniffed, "text/")
}

func lowercasedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

// synthesizeResponse builds an [http.Response] the standard library's http.Client accepts, from
// the sidecar's IPC Response.
func synthesizeResponse(req *http.Request, resp ipc.Response) (*http.Response, error) {
	var body []byte
	switch resp.BodyEncoding {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("interceptor: decoding response body: %w", err)
		}
		body = decoded
	default:
		body = []byte(resp.Body)
	}

	header := make(http.Header, len(resp.Headers))
	for k, v := range resp.Headers {
		header.Set(k, v)
	}

	return &http.Response{
		Status:        http.StatusText(resp.Status),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}
