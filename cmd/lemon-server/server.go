// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lemon-gateway/lemon/apitranslate"
	"github.com/lemon-gateway/lemon/backend"
	"github.com/lemon-gateway/lemon/gwerr"
	"github.com/lemon-gateway/lemon/realtime"
	"github.com/lemon-gateway/lemon/registry"
	"github.com/lemon-gateway/lemon/router"
	"github.com/lemon-gateway/lemon/streaming"
)

// server holds every collaborator the HTTP/WS surface dispatches to. Built
// once in mainImpl and wired onto an http.ServeMux in newMux, per
// SPEC_FULL.md §6's "thin wiring shell" guidance.
type server struct {
	log      *slog.Logger
	resolver *registry.Resolver
	rt       *router.Router
	rtMgr    *realtime.Manager
	cacheDir string
	logFile  string
	started  time.Time

	statsMu sync.Mutex
	stats   stats
}

type stats struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (s *server) recordTelemetry(tel backend.Telemetry) {
	s.statsMu.Lock()
	s.stats.InputTokens += tel.InputTokens
	s.stats.OutputTokens += tel.OutputTokens
	s.statsMu.Unlock()
}

var (
	metricLoadedModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lemon_loaded_models",
		Help: "Number of models currently loaded across all classes.",
	})
	metricRealtimeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lemon_realtime_sessions",
		Help: "Number of live /v1/realtime WebSocket sessions.",
	})
)

func init() {
	prometheus.MustRegister(metricLoadedModels, metricRealtimeSessions)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// newMux wires every route in SPEC_FULL.md §6 onto an http.ServeMux, using
// Go 1.22's method+path pattern matching rather than a router dependency —
// the teacher itself never reaches for an HTTP router library.
func (s *server) newMux() *http.ServeMux {
	mux := http.NewServeMux()

	for _, prefix := range []string{"/api/v0/", "/api/v1/", "/v1/", ""} {
		mux.HandleFunc("GET "+prefix+"health", s.handleHealth)
		mux.HandleFunc("GET "+prefix+"models", s.handleModels)
		mux.HandleFunc("GET "+prefix+"models/{id}", s.handleModelDetail)
		mux.HandleFunc("POST "+prefix+"chat/completions", s.handleChatCompletions)
		mux.HandleFunc("POST "+prefix+"completions", s.handleCompletions)
		mux.HandleFunc("POST "+prefix+"responses", s.handleResponses)
		mux.HandleFunc("POST "+prefix+"embeddings", s.handleEmbeddings)
		mux.HandleFunc("POST "+prefix+"reranking", s.handleReranking)
		mux.HandleFunc("POST "+prefix+"pull", s.handlePull)
		mux.HandleFunc("POST "+prefix+"load", s.handleLoad)
		mux.HandleFunc("POST "+prefix+"unload", s.handleUnload)
		mux.HandleFunc("POST "+prefix+"delete", s.handleDelete)
		mux.HandleFunc("POST "+prefix+"params", s.handleParams)
		mux.HandleFunc("POST "+prefix+"add-local-model", s.handleAddLocalModel)
		mux.HandleFunc("GET "+prefix+"system-info", s.handleSystemInfo)
		mux.HandleFunc("GET "+prefix+"stats", s.handleStats)
		mux.HandleFunc("GET "+prefix+"logs/stream", s.handleLogsStream)
	}
	mux.HandleFunc("POST /v1/audio/transcriptions", s.handleAudioTranscriptions)
	mux.HandleFunc("POST /v1/audio/speech", s.handleAudioSpeech)
	mux.HandleFunc("POST /v1/images/generations", s.handleImageGenerations)

	mux.HandleFunc("POST /api/chat", s.handleOllamaChat)
	mux.HandleFunc("POST /api/generate", s.handleOllamaGenerate)
	mux.HandleFunc("GET /api/tags", s.handleOllamaTags)
	mux.HandleFunc("POST /api/show", s.handleOllamaShow)
	mux.HandleFunc("POST /api/delete", s.handleDelete)
	mux.HandleFunc("POST /api/pull", s.handlePull)
	mux.HandleFunc("POST /api/embed", s.handleEmbeddings)
	mux.HandleFunc("POST /api/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /api/ps", s.handleOllamaPS)
	mux.HandleFunc("GET /api/version", s.handleOllamaVersion)

	mux.HandleFunc("GET /v1/realtime", s.handleRealtime)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := s.rt.LoadedNames()
	resp := map[string]any{
		"status":            "ok",
		"all_models_loaded": names,
	}
	if len(names) == 1 {
		resp["model_loaded"] = names[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	showAll := r.URL.Query().Get("show_all") == "true"
	var entries []registry.ModelEntry
	if showAll {
		entries = s.resolver.GetSupportedModels()
	} else {
		entries = s.resolver.GetDownloadedModels(nil)
	}
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{
			"id":     e.Name,
			"object": "model",
			"loaded": s.rt.Loaded(e.Name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *server) handleModelDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := s.resolver.Get(id)
	if !ok {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("unknown model %q", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     e.Name,
		"object": "model",
		"recipe": e.Recipe,
		"labels": e.Labels,
		"loaded": s.rt.Loaded(e.Name),
	})
}

// chatLikeRequest is the subset of fields every OpenAI-shaped text endpoint
// (chat/completions, completions, responses) shares, enough to dispatch and
// to decide streaming vs. synchronous handling.
type chatLikeRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream,omitempty"`
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.dispatchTextRequest(w, r, backend.CapChatCompletion)
}

func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.dispatchTextRequest(w, r, backend.CapCompletion)
}

func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.dispatchTextRequest(w, r, backend.CapResponses)
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.dispatchJSONRequest(w, r, backend.CapEmbeddings)
}

func (s *server) handleReranking(w http.ResponseWriter, r *http.Request) {
	s.dispatchJSONRequest(w, r, backend.CapReranking)
}

// dispatchTextRequest handles the three streaming-capable OpenAI endpoints:
// reads the body once, peeks "model"/"stream", and either proxies an SSE
// stream or forwards synchronously.
func (s *server) dispatchTextRequest(w http.ResponseWriter, r *http.Request, cap backend.Capability) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("failed to read request body: %v", err))
		return
	}
	var head chatLikeRequest
	if err := json.Unmarshal(raw, &head); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	if head.Model == "" {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("missing required \"model\" field"))
		return
	}
	if head.Stream {
		resp, err := s.rt.ForwardStreaming(r.Context(), head.Model, cap, raw)
		if err != nil {
			gwerr.WriteHTTP(w, err)
			return
		}
		if err := streaming.ProxySSE(w, resp, s.recordTelemetry); err != nil {
			s.log.Warn("chat streaming proxy error", "model", head.Model, "err", err)
		}
		return
	}
	out, err := s.rt.Forward(r.Context(), head.Model, cap, raw)
	if err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// dispatchJSONRequest is dispatchTextRequest's non-streaming-only sibling,
// for embeddings/reranking.
func (s *server) dispatchJSONRequest(w http.ResponseWriter, r *http.Request, cap backend.Capability) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("failed to read request body: %v", err))
		return
	}
	var head chatLikeRequest
	if err := json.Unmarshal(raw, &head); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	if head.Model == "" {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("missing required \"model\" field"))
		return
	}
	out, err := s.rt.Forward(r.Context(), head.Model, cap, raw)
	if err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// handleAudioTranscriptions accepts the OpenAI multipart upload, saves it to
// a temp file (cleaned up unconditionally), and forwards a JSON request
// carrying the base64-encoded audio to the loaded whisper.cpp backend —
// backend.Variant.Forward's request surface is JSON-only (see backend.go),
// so the multipart body is re-encoded rather than passed through verbatim.
func (s *server) handleAudioTranscriptions(w http.ResponseWriter, r *http.Request) {
	upload, err := apitranslate.SaveMultipartAudio(r, s.cacheDir)
	if err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	defer upload.Cleanup()

	if upload.Model == "" {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("missing required \"model\" field"))
		return
	}
	data, err := os.ReadFile(upload.TempPath)
	if err != nil {
		gwerr.WriteHTTP(w, gwerr.FileError(err, "failed to read saved audio upload"))
		return
	}
	req := map[string]any{
		"file":        base64.StdEncoding.EncodeToString(data),
		"language":    upload.Language,
		"prompt":      upload.Prompt,
		"temperature": upload.Temperature,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("failed to encode transcription request: %v", err))
		return
	}
	out, err := s.rt.Forward(r.Context(), upload.Model, backend.CapAudioTranscriptions, raw)
	if err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (s *server) handleAudioSpeech(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("failed to read request body: %v", err))
		return
	}
	var head chatLikeRequest
	if err := json.Unmarshal(raw, &head); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	resp, err := s.rt.ForwardStreaming(r.Context(), head.Model, backend.CapAudioSpeech, raw)
	if err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	if err := streaming.ProxyBytes(w, resp); err != nil {
		s.log.Warn("audio speech proxy error", "model", head.Model, "err", err)
	}
}

func (s *server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("failed to read request body: %v", err))
		return
	}
	var head chatLikeRequest
	if err := json.Unmarshal(raw, &head); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	resp, err := s.rt.ForwardStreaming(r.Context(), head.Model, backend.CapImageGenerations, raw)
	if err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	if err := streaming.ProxyBytes(w, resp); err != nil {
		s.log.Warn("image generation proxy error", "model", head.Model, "err", err)
	}
}

// pullRequest is the body of POST pull, per SPEC_FULL.md §6.
type pullRequest struct {
	Model      string `json:"model"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Recipe     string `json:"recipe,omitempty"`
	Reasoning  bool   `json:"reasoning,omitempty"`
	Vision     bool   `json:"vision,omitempty"`
	Embedding  bool   `json:"embedding,omitempty"`
	Reranking  bool   `json:"reranking,omitempty"`
	MMProj     string `json:"mmproj,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
}

func (s *server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	entry, ok := s.resolver.Get(req.Model)
	if !ok {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("unknown model %q", req.Model))
		return
	}

	if !req.Stream {
		if _, err := s.resolver.DownloadModel(r.Context(), &entry, req.MMProj, false); err != nil {
			gwerr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "complete", "model": req.Model})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)
	writeSSE := func(event string, data any) {
		b, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
		if flusher != nil {
			flusher.Flush()
		}
	}
	// registry.Resolver.DownloadModel has no progress callback of its own
	// today (it reports done/failed, not a live byte count); emit a single
	// progress tick bracketing the actual fetch so streaming clients still
	// see the documented event shape.
	writeSSE("progress", map[string]any{
		"file":             filepath.Base(entry.Checkpoint),
		"file_index":       1,
		"total_files":      1,
		"bytes_downloaded": 0,
		"bytes_total":      0,
		"percent":          0,
	})
	if _, err := s.resolver.DownloadModel(r.Context(), &entry, req.MMProj, false); err != nil {
		writeSSE("error", map[string]any{"error": err.Error()})
		return
	}
	writeSSE("complete", map[string]any{"model": req.Model})
}

type modelNameRequest struct {
	ModelName string `json:"model_name"`
}

func (s *server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req modelNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	if err := s.rt.Load(r.Context(), req.ModelName); err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	metricLoadedModels.Set(float64(len(s.rt.LoadedNames())))
	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "model": req.ModelName})
}

func (s *server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req modelNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	if err := s.rt.Unload(r.Context(), req.ModelName); err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	metricLoadedModels.Set(float64(len(s.rt.LoadedNames())))
	writeJSON(w, http.StatusOK, map[string]any{"status": "unloaded", "model": req.ModelName})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req modelNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	_ = s.rt.Unload(r.Context(), req.ModelName)
	if err := s.resolver.DeleteModel(req.ModelName); err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "model": req.ModelName})
}

func (s *server) handleParams(w http.ResponseWriter, r *http.Request) {
	// Runtime parameter overrides (context size, thread count, etc) are
	// accepted and acknowledged but not yet threaded into the router's
	// per-load Options; the cap/context-size config is process-wide today.
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type addLocalModelRequest struct {
	Name       string           `json:"name"`
	Checkpoint string           `json:"checkpoint"`
	Recipe     registry.Recipe  `json:"recipe"`
	Labels     []registry.Label `json:"labels,omitempty"`
	MMProj     string           `json:"mmproj,omitempty"`
	Source     string           `json:"source,omitempty"`
}

func (s *server) handleAddLocalModel(w http.ResponseWriter, r *http.Request) {
	var req addLocalModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	if err := s.resolver.RegisterUserModel(req.Name, req.Checkpoint, req.Recipe, req.Labels, req.MMProj, req.Source); err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "added", "model": req.Name})
}

func (s *server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": time.Since(s.started).Seconds(),
		"loaded_models":  s.rt.LoadedNames(),
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

// handleLogsStream tails s.logFile as SSE, for use with `tail -f`-style log
// viewers — a minimal implementation (poll + resend new lines) since the
// teacher has no existing SSE log tailer to ground a fancier one on.
func (s *server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	f, err := os.Open(s.logFile)
	if err != nil {
		gwerr.WriteHTTP(w, gwerr.FileError(err, "failed to open log file %q", s.logFile))
		return
	}
	defer f.Close()
	f.Seek(0, io.SeekEnd)

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			for {
				line, err := reader.ReadString('\n')
				if line != "" {
					fmt.Fprintf(w, "data: %s\n\n", line)
					if flusher != nil {
						flusher.Flush()
					}
				}
				if err != nil {
					break
				}
			}
		}
	}
}

func (s *server) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	var req apitranslate.OllamaChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	openai := apitranslate.ChatRequestToOpenAI(req)
	s.dispatchOllama(w, r, req.Model, openai, req.Stream != nil && *req.Stream,
		apitranslate.ChatChunkConverter(req.Model), apitranslate.ChatDoneBuilder(req.Model),
		func(resp apitranslate.OpenAIChatResponse, tel backend.Telemetry) any {
			return apitranslate.ChatResponseFromOpenAI(req.Model, resp, tel)
		})
}

func (s *server) handleOllamaGenerate(w http.ResponseWriter, r *http.Request) {
	var req apitranslate.OllamaGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	openai := apitranslate.GenerateRequestToOpenAI(req)
	s.dispatchOllama(w, r, req.Model, openai, req.Stream != nil && *req.Stream,
		apitranslate.GenerateChunkConverter(req.Model), apitranslate.GenerateDoneBuilder(req.Model),
		func(resp apitranslate.OpenAIChatResponse, tel backend.Telemetry) any {
			return apitranslate.GenerateResponseFromOpenAI(req.Model, resp, tel)
		})
}

// dispatchOllama forwards an already-translated OpenAI request through the
// router and translates the response (or stream) back to Ollama's shape.
func (s *server) dispatchOllama(w http.ResponseWriter, r *http.Request, model string, openai apitranslate.OpenAIChatRequest, stream bool,
	convert apitranslate.ChunkConverter, done apitranslate.DoneBuilder,
	buildSync func(apitranslate.OpenAIChatResponse, backend.Telemetry) any) {
	openai.Stream = stream
	raw, err := json.Marshal(openai)
	if err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("failed to encode translated request: %v", err))
		return
	}
	if stream {
		resp, err := s.rt.ForwardStreaming(r.Context(), model, backend.CapChatCompletion, raw)
		if err != nil {
			gwerr.WriteHTTP(w, err)
			return
		}
		if err := apitranslate.ProxySSEToNDJSON(w, resp, convert, done); err != nil {
			s.log.Warn("ollama streaming proxy error", "model", model, "err", err)
		}
		return
	}
	out, err := s.rt.Forward(r.Context(), model, backend.CapChatCompletion, raw)
	if err != nil {
		gwerr.WriteHTTP(w, err)
		return
	}
	var oaResp apitranslate.OpenAIChatResponse
	if err := json.Unmarshal(out, &oaResp); err != nil {
		gwerr.WriteHTTP(w, gwerr.BackendError(err, "backend returned an unparseable response"))
		return
	}
	writeJSON(w, http.StatusOK, buildSync(oaResp, backend.Telemetry{}))
}

func (s *server) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	entries := s.resolver.GetDownloadedModels(nil)
	models := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		models = append(models, map[string]any{"name": e.Name, "model": e.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *server) handleOllamaShow(w http.ResponseWriter, r *http.Request) {
	var req modelNameShowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("invalid JSON body: %v", err))
		return
	}
	e, ok := s.resolver.Get(req.name())
	if !ok {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("unknown model %q", req.name()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modelfile": "", "details": map[string]any{"family": e.Recipe}})
}

// modelNameShowRequest accepts either Ollama field name ("model" in newer
// clients, "name" in older ones) for api/show and api/delete.
type modelNameShowRequest struct {
	Model string `json:"model"`
	Name  string `json:"name"`
}

func (r modelNameShowRequest) name() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Name
}

func (s *server) handleOllamaPS(w http.ResponseWriter, r *http.Request) {
	names := s.rt.LoadedNames()
	models := make([]map[string]any, 0, len(names))
	for _, n := range names {
		models = append(models, map[string]any{"name": n, "model": n})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *server) handleOllamaVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": commit()})
}

// realtimeTranscriber adapts the router to realtime.Transcriber: it loads
// model if needed then forwards a synchronous transcription request
// carrying the WAV bytes.
type realtimeTranscriber struct {
	rt *router.Router
}

func (t *realtimeTranscriber) Transcribe(ctx context.Context, model string, wav []byte) (string, error) {
	if err := t.rt.Load(ctx, model); err != nil {
		return "", err
	}
	req, err := json.Marshal(map[string]any{"file": base64.StdEncoding.EncodeToString(wav)})
	if err != nil {
		return "", err
	}
	out, err := t.rt.Forward(ctx, model, backend.CapAudioTranscriptions, req)
	if err != nil {
		return "", err
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", gwerr.BackendError(err, "transcription backend returned an unparseable response")
	}
	return resp.Text, nil
}

func (s *server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		gwerr.WriteHTTP(w, gwerr.InvalidRequest("missing required \"model\" query parameter"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("realtime: upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	metricRealtimeSessions.Inc()
	defer metricRealtimeSessions.Dec()
	realtime.Serve(r.Context(), conn, s.rtMgr, model, s.log)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
