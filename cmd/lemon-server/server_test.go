// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lemon-gateway/lemon/backend"
	"github.com/lemon-gateway/lemon/realtime"
	"github.com/lemon-gateway/lemon/registry"
	"github.com/lemon-gateway/lemon/router"
)

type fakeOracle struct{}

func (fakeOracle) HasNPU() bool  { return false }
func (fakeOracle) IsMacOS() bool { return false }

// fakeBackend mirrors router_test.go's fixture: a Backend that answers every
// request with a canned OpenAI-shaped response rather than spawning a real
// subprocess.
type fakeBackend struct {
	caps []backend.Capability
	body string
}

func (f *fakeBackend) Install(ctx context.Context, opts backend.Options) error { return nil }
func (f *fakeBackend) DownloadModel(ctx context.Context, resolver *registry.Resolver, mmproj string, doNotUpgrade bool) (string, error) {
	return "", nil
}
func (f *fakeBackend) Load(ctx context.Context, opts backend.Options) error { return nil }
func (f *fakeBackend) Unload(ctx context.Context) error                    { return nil }
func (f *fakeBackend) Supports(cap backend.Capability) bool {
	for _, c := range f.caps {
		if c == cap {
			return true
		}
	}
	return false
}
func (f *fakeBackend) Forward(ctx context.Context, cap backend.Capability, req json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(f.body), nil
}
func (f *fakeBackend) ForwardStreaming(ctx context.Context, cap backend.Capability, req json.RawMessage) (*http.Response, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	resolver, err := registry.NewResolver(fakeOracle{}, t.TempDir(), filepath.Join(t.TempDir(), "user_models.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := resolver.RegisterUserModel("user.chat", "org/chat:q4", registry.RecipeLlamaCpp, nil, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := resolver.RegisterUserModel("user.embed", "org/embed:q4", registry.RecipeLlamaCpp, []registry.Label{registry.LabelEmbeddings}, "", ""); err != nil {
		t.Fatal(err)
	}

	chatResp := `{"choices":[{"message":{"role":"assistant","content":"hello there"}}]}`
	newBackend := func(kind backend.Kind, model registry.ModelEntry) router.Backend {
		switch model.Name {
		case "user.embed":
			return &fakeBackend{caps: []backend.Capability{backend.CapEmbeddings}, body: `{"data":[]}`}
		default:
			return &fakeBackend{caps: []backend.Capability{backend.CapChatCompletion, backend.CapResponses, backend.CapCompletion}, body: chatResp}
		}
	}
	rt := router.New(resolver, router.Config{Caps: router.Caps{LLM: 1, Embedding: 1}, NewBackend: newBackend})

	return &server{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		resolver: resolver,
		rt:       rt,
		rtMgr:    realtime.NewManager(&realtimeTranscriber{rt: rt}, 2),
		cacheDir: t.TempDir(),
		started:  time.Now(),
	}
}

func TestHealthReportsLoadedModels(t *testing.T) {
	s := newTestServer(t)
	mux := s.newMux()

	if err := s.rt.Load(context.Background(), "user.chat"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["model_loaded"] != "user.chat" {
		t.Errorf("expected model_loaded=user.chat, got %v", body)
	}
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	s := newTestServer(t)
	mux := s.newMux()
	if err := s.rt.Load(context.Background(), "user.chat"); err != nil {
		t.Fatal(err)
	}

	body := `{"model":"user.chat","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "hello there") {
		t.Errorf("expected forwarded backend response, got %q", rec.Body.String())
	}
}

// TestUnsupportedCapabilityReturnsStructuredError covers scenario S6: an
// embedding-only model asked for chat/completions must return the
// unsupported_operation envelope, never a panic or a bare 500.
func TestUnsupportedCapabilityReturnsStructuredError(t *testing.T) {
	s := newTestServer(t)
	mux := s.newMux()

	if err := s.rt.Load(context.Background(), "user.embed"); err != nil {
		t.Fatal(err)
	}

	body := `{"model":"user.embed","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code < 400 {
		t.Fatalf("expected an error status, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unsupported_operation") {
		t.Errorf("expected unsupported_operation envelope, got %q", rec.Body.String())
	}
}

func TestOllamaGenerateTranslatesResponse(t *testing.T) {
	s := newTestServer(t)
	mux := s.newMux()
	if err := s.rt.Load(context.Background(), "user.chat"); err != nil {
		t.Fatal(err)
	}

	body := `{"model":"user.chat","prompt":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["response"] != "hello there" || resp["done"] != true {
		t.Errorf("unexpected ollama-shaped response: %v", resp)
	}
}

func TestModelNotLoadedReturns404(t *testing.T) {
	s := newTestServer(t)
	mux := s.newMux()

	body := `{"model":"user.chat","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 model_not_loaded, got %d: %s", rec.Code, rec.Body.String())
	}
}
