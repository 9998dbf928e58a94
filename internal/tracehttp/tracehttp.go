// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracehttp

import (
	"mime"
	"net/http"
	"net/http/httputil"
	"strings"

	"go.uber.org/zap"
)

// Headers whose values never reach the log.
var redacted = []string{"Authorization", "Cookie", "Set-Cookie"}

// traceTransport is an http.RoundTripper that logs the request and
// response at debug level while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      *zap.SugaredLogger
}

func redact(h http.Header) http.Header {
	var out http.Header
	for _, name := range redacted {
		if h.Get(name) == "" {
			continue
		}
		if out == nil {
			out = h.Clone()
		}
		out.Set(name, "REDACTED")
	}
	if out == nil {
		return h
	}
	return out
}

// credentialExchange reports whether req is an OAuth token request,
// whose form body and JSON response carry tokens.
func credentialExchange(req *http.Request) bool {
	if strings.HasSuffix(req.URL.Path, "/token") {
		return true
	}
	ct, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	return err == nil && ct == "application/x-www-form-urlencoded"
}

// RoundTrip logs a dump of the request and response while delegating the
// round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	body := !credentialExchange(req)
	logged := req.Clone(req.Context())
	logged.Header = redact(req.Header)
	dump, dumpErr := httputil.DumpRequestOut(logged, body)
	if dumpErr == nil {
		t.log.Debugw("http request", "dump", string(dump))
	}
	// DumpRequestOut may have replaced logged.Body with an unread
	// copy; send the clone so req stays untouched.
	logged.Header = req.Header
	resp, err = t.delegate.RoundTrip(logged)
	if err != nil {
		t.log.Debugw("http request failed", "url", req.URL.String(), "error", err)
		return resp, err
	}
	header := resp.Header
	resp.Header = redact(header)
	dump, dumpErr = httputil.DumpResponse(resp, body)
	resp.Header = header
	if dumpErr == nil {
		t.log.Debugw("http response", "dump", string(dump))
	}
	return resp, err
}

// Wrap returns d with request and response tracing sent to log.
func Wrap(d http.RoundTripper, log *zap.SugaredLogger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log}
}
