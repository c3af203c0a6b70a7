// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package streaming

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lemon-gateway/lemon/backend"
)

func respFromBody(body string) *http.Response {
	return &http.Response{
		Body:   io.NopCloser(strings.NewReader(body)),
		Header: http.Header{},
	}
}

func TestProxySSEPassthroughAndDoneSynthesis(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":5}}\n\n"
	rec := httptest.NewRecorder()
	var got backend.Telemetry
	if err := ProxySSE(rec, respFromBody(body), func(tel backend.Telemetry) {
		got = tel
	}); err != nil {
		t.Fatal(err)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "hi") {
		t.Errorf("expected client body to contain the original chunk, got %q", out)
	}
	if !strings.Contains(out, doneLine) {
		t.Errorf("expected a synthesized [DONE] line since upstream omitted one, got %q", out)
	}
	if got.InputTokens != 3 || got.OutputTokens != 5 {
		t.Errorf("expected telemetry {3,5}, got {%d,%d}", got.InputTokens, got.OutputTokens)
	}
}

func TestProxySSEDoesNotDuplicateDone(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" + "data: [DONE]\n\n"
	rec := httptest.NewRecorder()
	if err := ProxySSE(rec, respFromBody(body), nil); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(rec.Body.String(), doneLine); n != 1 {
		t.Errorf("expected exactly one [DONE] line, got %d in %q", n, rec.Body.String())
	}
}

func TestProxyBytesPassthrough(t *testing.T) {
	raw := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x01, 0x02}
	resp := &http.Response{
		Body:   io.NopCloser(bytes.NewReader(raw)),
		Header: http.Header{"Content-Type": []string{"audio/wav"}},
	}
	rec := httptest.NewRecorder()
	if err := ProxyBytes(rec, resp); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Body.Bytes(), raw) {
		t.Errorf("expected byte-identical passthrough, got %v want %v", rec.Body.Bytes(), raw)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("expected Content-Type to be forwarded, got %q", ct)
	}
}
