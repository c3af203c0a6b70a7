// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package apitranslate

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lemon-gateway/lemon/backend"
)

func TestChatRequestToOpenAI(t *testing.T) {
	temp := 0.7
	predict := 128
	req := OllamaChatRequest{
		Model:    "llama3",
		Messages: []OllamaMessage{{Role: "user", Content: "hi"}},
		Options:  &OllamaOptions{Temperature: &temp, NumPredict: &predict},
	}
	got := ChatRequestToOpenAI(req)
	want := OpenAIChatRequest{
		Model:       "llama3",
		Messages:    req.Messages,
		Temperature: &temp,
		MaxTokens:   &predict,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ChatRequestToOpenAI mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateRequestToOpenAIWrapsPromptAsUserMessage(t *testing.T) {
	got := GenerateRequestToOpenAI(OllamaGenerateRequest{Model: "llama3", Prompt: "hello"})
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "hello" {
		t.Errorf("expected a single user message wrapping the prompt, got %+v", got.Messages)
	}
}

func TestChatResponseFromOpenAI(t *testing.T) {
	resp := OpenAIChatResponse{}
	resp.Choices = append(resp.Choices, struct {
		Message OllamaMessage `json:"message"`
	}{Message: OllamaMessage{Role: "assistant", Content: "hello there"}})
	got := ChatResponseFromOpenAI("llama3", resp, backend.Telemetry{InputTokens: 10, OutputTokens: 4})
	if got.Message.Content != "hello there" || !got.Done || got.PromptEvalCount != 10 || got.EvalCount != 4 {
		t.Errorf("unexpected response: %+v", got)
	}
}

func TestProxySSEToNDJSONChatStream(t *testing.T) {
	body := `data: {"choices":[{"delta":{"content":"hel"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n" +
		`data: {"usage":{"prompt_tokens":2,"completion_tokens":6}}` + "\n\n" +
		"data: [DONE]\n\n"
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(body))}
	rec := httptest.NewRecorder()

	if err := ProxySSEToNDJSON(rec, resp, ChatChunkConverter("llama3"), ChatDoneBuilder("llama3")); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 NDJSON lines (2 content + 1 done), got %d: %q", len(lines), rec.Body.String())
	}
	var first, last OllamaChatResponse
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Message.Content != "hel" || first.Done {
		t.Errorf("unexpected first line: %+v", first)
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatal(err)
	}
	if !last.Done || last.PromptEvalCount != 2 || last.EvalCount != 6 {
		t.Errorf("unexpected done line: %+v", last)
	}
}

func TestSaveAndRebuildMultipart(t *testing.T) {
	dir := t.TempDir()

	var reqBody bytes.Buffer
	w := multipart.NewWriter(&reqBody)
	part, err := w.CreateFormFile("file", "clip.wav")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("fake-wav-bytes")); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteField("model", "whisper-1"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", &reqBody)
	r.Header.Set("Content-Type", w.FormDataContentType())

	upload, err := SaveMultipartAudio(r, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer upload.Cleanup()

	if upload.Model != "whisper-1" {
		t.Errorf("expected model whisper-1, got %q", upload.Model)
	}
	if _, err := os.Stat(upload.TempPath); err != nil {
		t.Errorf("expected temp file to exist: %v", err)
	}

	body, contentType, err := RebuildMultipart(upload, "audio_file", map[string]string{"language": "en"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(contentType, "multipart/form-data") {
		t.Errorf("expected a multipart content type, got %q", contentType)
	}
	if !strings.Contains(body.String(), "fake-wav-bytes") {
		t.Errorf("expected rebuilt body to contain the original audio bytes")
	}

	upload.Cleanup()
	if _, err := os.Stat(upload.TempPath); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be removed after Cleanup, stat err=%v", err)
	}
}
