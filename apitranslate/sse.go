// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package apitranslate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/lemon-gateway/lemon/backend"
)

const tailBytes = 8 << 10

// ChunkConverter turns one parsed OpenAI SSE data payload into an Ollama
// NDJSON line. ok is false when the chunk carries nothing worth emitting
// (e.g. a chunk with an empty choices array), in which case the line is
// skipped.
type ChunkConverter func(raw json.RawMessage) (line json.RawMessage, ok bool, err error)

// DoneBuilder builds the final, done:true NDJSON line from the stream's
// telemetry, once the upstream SSE stream ends.
type DoneBuilder func(tel backend.Telemetry) (json.RawMessage, error)

// ProxySSEToNDJSON reads resp's body as an OpenAI-style SSE stream
// (`data: {json}\n\n` lines) and writes Ollama-style newline-delimited JSON
// to w: one line per chunk via convert, filtering the `[DONE]` sentinel,
// followed by a final line from done once telemetry is known. Grounded on
// spec.md §4.I's "generic adapter" description and on streaming.ProxySSE's
// bounded-tail telemetry extraction, reused here via backend.ParseTelemetry.
func ProxySSEToNDJSON(w http.ResponseWriter, resp *http.Response, convert ChunkConverter, done DoneBuilder) error {
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)

	var tail bytes.Buffer
	r := bufio.NewReader(resp.Body)
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			tail.Write(raw)
			if tail.Len() > tailBytes {
				trimmed := append([]byte(nil), tail.Bytes()[tail.Len()-tailBytes:]...)
				tail.Reset()
				tail.Write(trimmed)
			}
			if err := writeChunk(w, flusher, raw, convert); err != nil {
				return err
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	if done == nil {
		return nil
	}
	line, err := done(backend.ParseTelemetry(tail.String()))
	if err != nil {
		return err
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

func writeChunk(w http.ResponseWriter, flusher http.Flusher, raw []byte, convert ChunkConverter) error {
	data, ok := sseData(raw)
	if !ok || data == "[DONE]" {
		return nil
	}
	line, ok, err := convert(json.RawMessage(data))
	if err != nil || !ok {
		return err
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// sseData extracts the payload after "data: " from one SSE line, or ok=false
// if the line carries no data (blank keepalive line, comment, etc).
func sseData(line []byte) (string, bool) {
	s := strings.TrimRight(string(line), "\r\n")
	if !strings.HasPrefix(s, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, "data:")), true
}
