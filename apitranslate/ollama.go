// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package apitranslate converts between the Ollama and OpenAI HTTP shapes,
// and adapts OpenAI-style SSE streams to Ollama's newline-delimited JSON
// streams. There is no teacher equivalent (the teacher is an LLM client,
// not a dual-shape gateway); the OpenAI-side struct shapes are grounded on
// llm/llm.go's chat-completion request/response fields, reused field for
// field, per DESIGN.md.
package apitranslate

import (
	"encoding/json"

	"github.com/lemon-gateway/lemon/backend"
)

// OllamaMessage mirrors an OpenAI chat message; the two wire shapes agree
// field for field, so both sides reuse this type directly.
type OllamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaOptions is Ollama's generation-options bag (api/chat, api/generate).
type OllamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// OllamaChatRequest is the body of POST api/chat.
type OllamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Stream   *bool           `json:"stream,omitempty"`
	Options  *OllamaOptions  `json:"options,omitempty"`
}

// OllamaGenerateRequest is the body of POST api/generate.
type OllamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  *bool          `json:"stream,omitempty"`
	Options *OllamaOptions `json:"options,omitempty"`
}

// OpenAIChatRequest is the minimal OpenAI chat/completions request shape
// this gateway needs to translate to and from.
type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OllamaMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

// ChatRequestToOpenAI translates an Ollama api/chat request into the
// OpenAI shape per spec.md §4.I: rename model verbatim, map
// options.{temperature,top_p,num_predict}, pass messages through 1:1.
func ChatRequestToOpenAI(req OllamaChatRequest) OpenAIChatRequest {
	out := OpenAIChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}
	if req.Stream != nil {
		out.Stream = *req.Stream
	}
	if req.Options != nil {
		out.Temperature = req.Options.Temperature
		out.TopP = req.Options.TopP
		out.MaxTokens = req.Options.NumPredict
	}
	return out
}

// GenerateRequestToOpenAI translates an Ollama api/generate request into an
// OpenAI chat/completions request, wrapping the prompt as a single user
// message since generate has no chat history.
func GenerateRequestToOpenAI(req OllamaGenerateRequest) OpenAIChatRequest {
	out := OpenAIChatRequest{
		Model:    req.Model,
		Messages: []OllamaMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.Stream != nil {
		out.Stream = *req.Stream
	}
	if req.Options != nil {
		out.Temperature = req.Options.Temperature
		out.TopP = req.Options.TopP
		out.MaxTokens = req.Options.NumPredict
	}
	return out
}

// OpenAIChatResponse is the minimal non-streaming OpenAI chat/completions
// response shape this gateway parses.
type OpenAIChatResponse struct {
	Choices []struct {
		Message OllamaMessage `json:"message"`
	} `json:"choices"`
}

// OllamaChatResponse is the body of a non-streaming api/chat response.
type OllamaChatResponse struct {
	Model           string        `json:"model"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// OllamaGenerateResponse is the body of a non-streaming api/generate
// response; identical in spirit to OllamaChatResponse but uses "response"
// rather than a nested message.
type OllamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// ChatResponseFromOpenAI builds the final, done:true Ollama api/chat
// response from an OpenAI response and the request's telemetry, per
// spec.md §4.I: choices[0].message.content becomes message.content, and
// prompt_eval_count/eval_count come from telemetry.
func ChatResponseFromOpenAI(model string, resp OpenAIChatResponse, tel backend.Telemetry) OllamaChatResponse {
	out := OllamaChatResponse{
		Model:           model,
		Done:            true,
		PromptEvalCount: tel.InputTokens,
		EvalCount:       tel.OutputTokens,
	}
	if len(resp.Choices) > 0 {
		out.Message = resp.Choices[0].Message
	}
	return out
}

// GenerateResponseFromOpenAI is ChatResponseFromOpenAI's api/generate
// counterpart, taking the message content as the flat "response" field.
func GenerateResponseFromOpenAI(model string, resp OpenAIChatResponse, tel backend.Telemetry) OllamaGenerateResponse {
	out := OllamaGenerateResponse{
		Model:           model,
		Done:            true,
		PromptEvalCount: tel.InputTokens,
		EvalCount:       tel.OutputTokens,
	}
	if len(resp.Choices) > 0 {
		out.Response = resp.Choices[0].Message.Content
	}
	return out
}

// openAIChunk is the shape of one OpenAI streaming chat-completion chunk,
// the only piece of each SSE line this package needs to read.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ChatChunkConverter adapts one OpenAI SSE chat chunk into an Ollama NDJSON
// line, for use as the ChunkConverter in ProxySSEToNDJSON.
func ChatChunkConverter(model string) ChunkConverter {
	return func(raw json.RawMessage) (json.RawMessage, bool, error) {
		var chunk openAIChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, false, err
		}
		if len(chunk.Choices) == 0 {
			return nil, false, nil
		}
		line := OllamaChatResponse{
			Model:   model,
			Message: OllamaMessage{Role: "assistant", Content: chunk.Choices[0].Delta.Content},
			Done:    false,
		}
		b, err := json.Marshal(line)
		return b, true, err
	}
}

// ChatDoneBuilder builds the final done:true NDJSON line once telemetry is
// known, for use as the DoneBuilder in ProxySSEToNDJSON.
func ChatDoneBuilder(model string) DoneBuilder {
	return func(tel backend.Telemetry) (json.RawMessage, error) {
		line := OllamaChatResponse{
			Model:           model,
			Done:            true,
			PromptEvalCount: tel.InputTokens,
			EvalCount:       tel.OutputTokens,
		}
		return json.Marshal(line)
	}
}

// GenerateChunkConverter is ChatChunkConverter's api/generate counterpart,
// emitting {"response": ...} lines instead of {"message": {...}}.
func GenerateChunkConverter(model string) ChunkConverter {
	return func(raw json.RawMessage) (json.RawMessage, bool, error) {
		var chunk openAIChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, false, err
		}
		if len(chunk.Choices) == 0 {
			return nil, false, nil
		}
		line := OllamaGenerateResponse{
			Model:    model,
			Response: chunk.Choices[0].Delta.Content,
			Done:     false,
		}
		b, err := json.Marshal(line)
		return b, true, err
	}
}

// GenerateDoneBuilder is ChatDoneBuilder's api/generate counterpart.
func GenerateDoneBuilder(model string) DoneBuilder {
	return func(tel backend.Telemetry) (json.RawMessage, error) {
		line := OllamaGenerateResponse{
			Model:           model,
			Done:            true,
			PromptEvalCount: tel.InputTokens,
			EvalCount:       tel.OutputTokens,
		}
		return json.Marshal(line)
	}
}
