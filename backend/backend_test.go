// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import (
	"testing"
	"time"

	"github.com/lemon-gateway/lemon/registry"
)

func TestCapabilitiesByKind(t *testing.T) {
	cases := []struct {
		kind Kind
		cap  Capability
		want bool
	}{
		{KindLlamaCpp, CapChatCompletion, true},
		{KindLlamaCpp, CapEmbeddings, true},
		{KindLlamaCpp, CapAudioTranscriptions, false},
		{KindWhisperCpp, CapAudioTranscriptions, true},
		{KindWhisperCpp, CapChatCompletion, false},
		{KindKokoro, CapAudioSpeech, true},
		{KindSDCpp, CapImageGenerations, true},
	}
	for _, c := range cases {
		v := New(c.kind, registry.ModelEntry{Name: "m"})
		if got := v.Supports(c.cap); got != c.want {
			t.Errorf("%s.Supports(%s) = %v, want %v", c.kind, c.cap, got, c.want)
		}
	}
}

func TestForwardUnsupportedCapability(t *testing.T) {
	v := New(KindWhisperCpp, registry.ModelEntry{Name: "whisper.base"})
	v.baseURL = "http://127.0.0.1:1" // pretend it's loaded
	_, err := v.Forward(t.Context(), CapChatCompletion, nil)
	if err == nil {
		t.Fatal("expected an unsupported operation error")
	}
}

func TestForwardModelNotLoaded(t *testing.T) {
	v := New(KindLlamaCpp, registry.ModelEntry{Name: "user.chat"})
	_, err := v.Forward(t.Context(), CapChatCompletion, nil)
	if err == nil {
		t.Fatal("expected a model-not-loaded error")
	}
}

func TestParseTelemetryLlamaCppTimings(t *testing.T) {
	tail := `data: {"choices":[{"delta":{"content":"hi"}}]}
data: {"choices":[{"delta":{}}],"timings":{"prompt_n":12,"predicted_n":34,"prompt_ms":56.0,"predicted_per_second":18.5}}
data: [DONE]
`
	got := ParseTelemetry(tail)
	if got.InputTokens != 12 || got.OutputTokens != 34 {
		t.Errorf("tokens = %d/%d, want 12/34", got.InputTokens, got.OutputTokens)
	}
	if got.TimeToFirstToken != 56*time.Millisecond {
		t.Errorf("ttft = %v, want 56ms", got.TimeToFirstToken)
	}
	if got.TokensPerSecond != 18.5 {
		t.Errorf("tps = %v, want 18.5", got.TokensPerSecond)
	}
}

func TestParseTelemetryUsageShape(t *testing.T) {
	tail := `data: {"usage":{"prompt_tokens":5,"completion_tokens":7,"decoding_speed_tps":22.1,"prefill_duration_ttft":0.25}}
data: [DONE]
`
	got := ParseTelemetry(tail)
	if got.InputTokens != 5 || got.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 5/7", got.InputTokens, got.OutputTokens)
	}
	if got.TimeToFirstToken != 250*time.Millisecond {
		t.Errorf("ttft = %v, want 250ms", got.TimeToFirstToken)
	}
	if got.TokensPerSecond != 22.1 {
		t.Errorf("tps = %v, want 22.1", got.TokensPerSecond)
	}
}

func TestParseTelemetryNoUsageReturnsZeroValue(t *testing.T) {
	got := ParseTelemetry("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n")
	if (got != Telemetry{}) {
		t.Errorf("expected zero-value Telemetry, got %+v", got)
	}
}

func TestBuildArgsLlamaCppDefaults(t *testing.T) {
	v := New(KindLlamaCpp, registry.ModelEntry{Name: "user.chat", ResolvedPath: "/models/m.gguf"})
	args, health := v.buildArgs(Options{}, 8123)
	if health != "/health" {
		t.Errorf("health path = %q, want /health", health)
	}
	want := map[string]bool{"--ctx-size": false, "--port": false, "--metrics": false}
	for _, a := range args {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for flag, seen := range want {
		if !seen {
			t.Errorf("expected flag %q in args %v", flag, args)
		}
	}
}

func TestBuildArgsLlamaCppEmbeddingsLabel(t *testing.T) {
	v := New(KindLlamaCpp, registry.ModelEntry{
		Name:         "user.embed",
		ResolvedPath: "/models/e.gguf",
		Labels:       []registry.Label{registry.LabelEmbeddings},
	})
	args, _ := v.buildArgs(Options{}, 8123)
	found := false
	for _, a := range args {
		if a == "--embeddings" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected --embeddings in args %v", args)
	}
}
