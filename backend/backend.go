// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package backend is the wrapped-server abstraction: one Variant type,
// tagged by Kind, that gives every backend family (llama.cpp, FLM, OGA,
// whisper.cpp, Kokoro, sd-cpp) a uniform install/download_model/load/unload
// lifecycle and a capability-checked request surface, grounded on
// llm.Session (readiness polling, dual OpenAI/native completion paths,
// prometheus-text telemetry) and imagegen.Session (subprocess args,
// readiness-by-first-call).
//
// A tagged Kind plus a single struct is used instead of one type per
// backend family, per the gateway's preference for sum types over
// interface-based polymorphism: most of a Variant's behavior (process
// supervision, HTTP forwarding, telemetry parsing) is shared, and only a
// handful of methods (CLI argument construction, capability set, telemetry
// shape) vary by Kind.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/httpjson"

	"github.com/lemon-gateway/lemon/gwerr"
	"github.com/lemon-gateway/lemon/installer"
	"github.com/lemon-gateway/lemon/internal"
	"github.com/lemon-gateway/lemon/internal/fetch"
	"github.com/lemon-gateway/lemon/internal/procsup"
	"github.com/lemon-gateway/lemon/registry"
)

// Kind discriminates the backend families the gateway supports.
type Kind string

const (
	KindLlamaCpp   Kind = "llamacpp"
	KindFLM        Kind = "flm"
	KindOGACPU     Kind = "oga-cpu"
	KindOGANPU     Kind = "oga-npu"
	KindOGAHybrid  Kind = "oga-hybrid"
	KindWhisperCpp Kind = "whispercpp"
	KindKokoro     Kind = "kokoro"
	KindSDCpp      Kind = "sd-cpp"
)

// Capability is one operation a Variant may or may not support.
type Capability string

const (
	CapChatCompletion      Capability = "chat.completions"
	CapCompletion          Capability = "completions"
	CapResponses           Capability = "responses"
	CapEmbeddings          Capability = "embeddings"
	CapReranking           Capability = "reranking"
	CapAudioTranscriptions Capability = "audio.transcriptions"
	CapAudioSpeech         Capability = "audio.speech"
	CapImageGenerations    Capability = "image.generations"
)

var capsByKind = map[Kind][]Capability{
	KindLlamaCpp:   {CapChatCompletion, CapCompletion, CapResponses, CapEmbeddings, CapReranking},
	KindFLM:        {CapChatCompletion, CapResponses},
	KindOGACPU:     {CapChatCompletion, CapResponses},
	KindOGANPU:     {CapChatCompletion, CapResponses},
	KindOGAHybrid:  {CapChatCompletion, CapResponses},
	KindWhisperCpp: {CapAudioTranscriptions},
	KindKokoro:     {CapAudioSpeech},
	KindSDCpp:      {CapImageGenerations},
}

// Telemetry is the performance data extracted from a completed request,
// normalized across the two upstream shapes (FLM/OGA usage.* and llama.cpp
// timings.*) per SPEC_FULL.md §4.G.
type Telemetry struct {
	InputTokens      int
	OutputTokens     int
	TimeToFirstToken time.Duration
	TokensPerSecond  float64
}

// Options carries the parameters needed to load a model, beyond the
// ModelEntry itself.
type Options struct {
	CacheDir    string // root cache directory (logs, installs, models)
	InstallDir  string
	ContextSize int
	Threads     int
	NGL         int    // GPU layers to offload; llama.cpp's -ngl
	Variant     string // backend variant for install selection (vulkan/rocm/metal/cpu)
	ExtraArgs   []string
	Progress    fetch.ProgressFunc
}

// Variant is a loaded (or not-yet-loaded) instance of one backend family.
type Variant struct {
	Kind  Kind
	Model registry.ModelEntry

	exePath string
	proc    *procsup.Process
	baseURL string
	client  httpjson.Client
}

// New returns an unloaded Variant for model, whose recipe determines Kind.
func New(kind Kind, model registry.ModelEntry) *Variant {
	return &Variant{Kind: kind, Model: model}
}

// Capabilities returns the set of operations this Variant's kind supports.
func (v *Variant) Capabilities() []Capability {
	return capsByKind[v.Kind]
}

// Supports reports whether cap is in this Variant's capability set.
func (v *Variant) Supports(cap Capability) bool {
	for _, c := range capsByKind[v.Kind] {
		if c == cap {
			return true
		}
	}
	return false
}

// Install ensures the backend binary for this Variant's kind+variant is
// present on disk, installing or upgrading it if needed.
func (v *Variant) Install(ctx context.Context, opts Options) error {
	spec := v.installSpec(opts)
	if spec.ArchiveURL == "" {
		return nil
	}
	exe, err := installer.Ensure(ctx, opts.InstallDir, spec, opts.Progress)
	if err != nil {
		return err
	}
	v.exePath = exe
	return nil
}

func (v *Variant) installSpec(opts Options) installer.Spec {
	suffix := installer.ExecSuffix()
	variant := opts.Variant
	if variant == "" {
		variant = "cpu"
	}
	switch v.Kind {
	case KindLlamaCpp:
		return installer.Spec{
			Recipe:      "llamacpp",
			Variant:     variant,
			Version:     "4882",
			ExeName:     "llama-server" + suffix,
			EnvOverride: installer.EnvVarName("llamacpp", variant),
			ArchiveURL:  "https://github.com/ggerganov/llama.cpp/releases/download/b4882/" + installer.LlamaCppArchiveName("b4882", variant == "cuda", variant == "rocm", "", false, false),
			WantedFilePatterns: []string{"llama-server" + suffix, "*.so", "*.dylib", "*.dll", "*.metal"},
		}
	case KindWhisperCpp:
		return installer.Spec{
			Recipe:      "whispercpp",
			Variant:     variant,
			Version:     "1.7.2",
			ExeName:     "whisper-server" + suffix,
			EnvOverride: installer.EnvVarName("whispercpp", variant),
			ArchiveURL:  "https://github.com/ggml-org/whisper.cpp/releases/download/v1.7.2/whisper-bin-" + runtime.GOOS + ".zip",
		}
	case KindKokoro:
		return installer.Spec{
			Recipe:      "kokoro",
			Variant:     variant,
			Version:     "1.0.0",
			ExeName:     "kokoro-server" + suffix,
			EnvOverride: installer.EnvVarName("kokoro", variant),
			ArchiveURL:  "https://github.com/lemon-gateway/kokoro-server/releases/download/v1.0.0/kokoro-server-" + runtime.GOOS + ".zip",
		}
	case KindSDCpp:
		return installer.Spec{
			Recipe:      "sd-cpp",
			Variant:     variant,
			Version:     "master",
			ExeName:     "sd-server" + suffix,
			EnvOverride: installer.EnvVarName("sd-cpp", variant),
			ArchiveURL:  "https://github.com/leejet/stable-diffusion.cpp/releases/download/master/sd-" + runtime.GOOS + ".zip",
		}
	default:
		// FLM and the OGA recipes install through their own native
		// installers (Inno Setup / pip wheel), not the generic archive
		// installer; callers are expected to have ensured availability out
		// of band. Install returns without doing anything for a no-archive
		// spec, so it stays idempotent.
		return installer.Spec{Recipe: string(v.Kind), Variant: variant, Version: "n/a", ExeName: ""}
	}
}

// DownloadModel resolves and fetches the model artifacts for this Variant,
// returning the primary artifact path. Delegates to registry.Resolver's
// DownloadModel, which owns the per-recipe HF/FLM/local_upload dispatch —
// per spec.md's data flow, "Wrapped-server.download_model → Registry →
// Archive util".
func (v *Variant) DownloadModel(ctx context.Context, resolver *registry.Resolver, mmproj string, doNotUpgrade bool) (string, error) {
	return resolver.DownloadModel(ctx, &v.Model, mmproj, doNotUpgrade)
}

// Load spawns the backend subprocess bound to a free port and waits for
// readiness.
func (v *Variant) Load(ctx context.Context, opts Options) error {
	port, err := internal.FindFreePortInRange(8031, 1000)
	if err != nil {
		return gwerr.ProcessError(err, "failed to find a free port")
	}
	args, healthPath := v.buildArgs(opts, port)
	logDir := opts.CacheDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	proc, err := procsup.Start(ctx, procsup.Options{
		Exe:       v.exePath,
		Args:      args,
		Dir:       filepath.Dir(v.exePath),
		LogPath:   filepath.Join(logDir, string(v.Kind)+"-"+v.Model.Name+".log"),
		HealthURL: fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath),
	})
	if err != nil {
		return err
	}
	v.proc = proc
	v.baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	v.client = httpjson.Client{Client: http.DefaultClient}
	return nil
}

// buildArgs constructs the backend-specific CLI arguments, grounded on
// llamacppsrv.NewServer's arg slice construction, extended per
// SPEC_FULL.md §4.E.
func (v *Variant) buildArgs(opts Options, port int) (args []string, healthPath string) {
	threads := opts.Threads
	if threads == 0 {
		if threads = runtime.NumCPU() - 2; threads <= 0 {
			threads = 1
		}
	}
	switch v.Kind {
	case KindLlamaCpp:
		args = []string{
			"--model", v.Model.ResolvedPath,
			"--ctx-size", strconv.Itoa(nonZero(opts.ContextSize, 4096)),
			"--port", strconv.Itoa(port),
			"--threads", strconv.Itoa(threads),
			"--metrics",
			"--jinja",
			"--context-shift",
			"--keep", "16",
			"-ngl", strconv.Itoa(nonZero(opts.NGL, 99)),
		}
		if v.Model.MMProj != "" {
			args = append(args, "--mmproj", v.Model.MMProj)
		}
		if hasLabel(v.Model, registry.LabelEmbeddings) {
			args = append(args, "--embeddings")
		}
		if hasLabel(v.Model, registry.LabelReranking) {
			args = append(args, "--reranking")
		}
		args = append(args, opts.ExtraArgs...)
		return args, "/health"
	case KindWhisperCpp:
		return []string{"--model", v.Model.ResolvedPath, "--port", strconv.Itoa(port), "--host", "127.0.0.1"}, "/"
	case KindKokoro:
		return []string{"--model", v.Model.ResolvedPath, "--port", strconv.Itoa(port)}, "/health"
	case KindSDCpp:
		return []string{"--model", v.Model.ResolvedPath, "--port", strconv.Itoa(port)}, "/health"
	default:
		return []string{"--port", strconv.Itoa(port)}, "/health"
	}
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func hasLabel(m registry.ModelEntry, l registry.Label) bool {
	for _, have := range m.Labels {
		if have == l {
			return true
		}
	}
	return false
}

// Unload stops the subprocess via the supervisor and resets the port and
// handle.
func (v *Variant) Unload(ctx context.Context) error {
	if v.proc == nil {
		return nil
	}
	err := v.proc.Stop(ctx)
	v.proc = nil
	v.baseURL = ""
	return err
}

// Loaded reports whether the backend subprocess is currently running.
func (v *Variant) Loaded() bool { return v.proc != nil }

// BaseURL returns the loaded backend's local HTTP base URL, or "" if not
// loaded.
func (v *Variant) BaseURL() string { return v.baseURL }

// Forward does a synchronous JSON POST of req to the backend path for cap,
// returning the decoded response, or an UnsupportedOperationError if cap
// isn't in this Variant's capability set.
func (v *Variant) Forward(ctx context.Context, cap Capability, req json.RawMessage) (json.RawMessage, error) {
	if !v.Supports(cap) {
		return nil, gwerr.UnsupportedOperation(v.Model.Name, string(cap))
	}
	if v.baseURL == "" {
		return nil, gwerr.ModelNotLoaded(v.Model.Name)
	}
	path := pathForCapability(cap)
	var out json.RawMessage
	if err := v.client.Post(ctx, v.baseURL+path, nil, &req, &out); err != nil {
		return nil, gwerr.BackendError(err, "backend request to %s failed", path)
	}
	return out, nil
}

// ForwardStreaming posts req to the backend path for cap and returns the raw
// HTTP response for the caller to stream to a client, or an
// UnsupportedOperationError if cap isn't in this Variant's capability set.
// Used for both SSE completions (stream:true) and raw byte streams (TTS
// audio, image bytes).
func (v *Variant) ForwardStreaming(ctx context.Context, cap Capability, req json.RawMessage) (*http.Response, error) {
	if !v.Supports(cap) {
		return nil, gwerr.UnsupportedOperation(v.Model.Name, string(cap))
	}
	if v.baseURL == "" {
		return nil, gwerr.ModelNotLoaded(v.Model.Name)
	}
	path := pathForCapability(cap)
	resp, err := v.client.PostRequest(ctx, v.baseURL+path, nil, &req)
	if err != nil {
		return nil, gwerr.BackendError(err, "backend streaming request to %s failed", path)
	}
	return resp, nil
}

func pathForCapability(cap Capability) string {
	switch cap {
	case CapChatCompletion:
		return "/v1/chat/completions"
	case CapCompletion:
		return "/v1/completions"
	case CapResponses:
		return "/v1/responses"
	case CapEmbeddings:
		return "/v1/embeddings"
	case CapReranking:
		return "/v1/rerank"
	case CapAudioTranscriptions:
		return "/v1/audio/transcriptions"
	case CapAudioSpeech:
		return "/v1/audio/speech"
	case CapImageGenerations:
		return "/v1/images/generations"
	default:
		return "/"
	}
}

// ParseTelemetry extracts Telemetry from a buffered SSE stream tail,
// recognizing both the FLM/OGA usage.* shape and the llama.cpp timings.*
// shape, ported from the original streaming_proxy.cpp's parse_telemetry.
func ParseTelemetry(tailBuffer string) Telemetry {
	var lastWithUsage map[string]any
	for _, raw := range strings.Split(tailBuffer, "\n") {
		line := strings.TrimSuffix(raw, "\r")
		var jsonStr string
		switch {
		case strings.HasPrefix(line, "data: "):
			jsonStr = line[len("data: "):]
		case strings.HasPrefix(line, "ChatCompletionChunk: "):
			jsonStr = line[len("ChatCompletionChunk: "):]
		default:
			continue
		}
		if jsonStr == "" || jsonStr == "[DONE]" {
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(jsonStr), &chunk); err != nil {
			continue
		}
		if _, ok := chunk["usage"]; ok {
			lastWithUsage = chunk
		} else if _, ok := chunk["timings"]; ok {
			lastWithUsage = chunk
		}
	}
	var t Telemetry
	if lastWithUsage == nil {
		return t
	}
	if usage, ok := lastWithUsage["usage"].(map[string]any); ok {
		t.InputTokens = toInt(usage["prompt_tokens"])
		t.OutputTokens = toInt(usage["completion_tokens"])
		if v, ok := usage["prefill_duration_ttft"]; ok {
			t.TimeToFirstToken = time.Duration(toFloat(v) * float64(time.Second))
		}
		t.TokensPerSecond = toFloat(usage["decoding_speed_tps"])
	}
	if timings, ok := lastWithUsage["timings"].(map[string]any); ok {
		if v, ok := timings["prompt_n"]; ok {
			t.InputTokens = toInt(v)
		}
		if v, ok := timings["predicted_n"]; ok {
			t.OutputTokens = toInt(v)
		}
		if v, ok := timings["prompt_ms"]; ok {
			t.TimeToFirstToken = time.Duration(toFloat(v) * float64(time.Millisecond))
		}
		if v, ok := timings["predicted_per_second"]; ok {
			t.TokensPerSecond = toFloat(v)
		}
	}
	return t
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
