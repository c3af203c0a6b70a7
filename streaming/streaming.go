// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package streaming is the byte-transparent proxy between a backend's HTTP
// response and the gateway's client: an SSE mode that retains only a bounded
// tail of the stream for telemetry extraction, and a raw byte-passthrough
// mode for non-SSE payloads (TTS audio, image bytes).
//
// Grounded on llm/llm.go's openAIPromptStreaming/llamaCPPPromptStreaming
// (line-oriented SSE reads over bufio.Reader) and on
// original_source/server/streaming_proxy.cpp for the bounded tail buffer,
// dual telemetry shape, and [DONE] synthesis.
package streaming

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/lemon-gateway/lemon/backend"
)

// tailBytes bounds the rolling buffer kept for telemetry extraction. A
// terminal SSE chunk carrying usage/timings data is at most a few hundred
// bytes; a few KB gives ample room without risking buffering an entire long
// generation, per SPEC_FULL.md §9's explicit warning against that.
const tailBytes = 8 << 10

const doneLine = "data: [DONE]"

// ProxySSE forwards resp's body to w as Server-Sent Events, flushing each
// line as it arrives rather than buffering the whole response. It retains
// only the last tailBytes of the stream to extract Telemetry from the
// terminal chunk once the stream ends, and synthesizes "data: [DONE]\n\n" if
// the upstream closes without sending one. onComplete, if non-nil, is
// invoked once with the parsed Telemetry after the stream finishes.
//
// A write error to w (the client disconnecting) aborts the upstream read and
// is returned to the caller, which should treat it as request cancellation
// rather than a backend failure.
func ProxySSE(w http.ResponseWriter, resp *http.Response, onComplete func(backend.Telemetry)) error {
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	var tail bytes.Buffer
	sawDone := false
	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			appendBounded(&tail, line)
			if isDoneLine(line) {
				sawDone = true
			}
			if _, werr := w.Write(line); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	if !sawDone {
		synth := []byte(doneLine + "\n\n")
		appendBounded(&tail, synth)
		if _, err := w.Write(synth); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if onComplete != nil {
		onComplete(backend.ParseTelemetry(tail.String()))
	}
	return nil
}

// ProxyBytes forwards resp's body to w unparsed, for non-SSE streaming
// payloads such as TTS audio. It neither buffers the full response nor
// attempts telemetry extraction.
func ProxyBytes(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func appendBounded(buf *bytes.Buffer, p []byte) {
	buf.Write(p)
	if buf.Len() > tailBytes {
		trimmed := buf.Bytes()[buf.Len()-tailBytes:]
		kept := append([]byte(nil), trimmed...)
		buf.Reset()
		buf.Write(kept)
	}
}

func isDoneLine(line []byte) bool {
	return strings.TrimSpace(string(line)) == doneLine
}
