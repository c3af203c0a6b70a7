// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"sync"

	"github.com/lemon-gateway/lemon/gwerr"
)

// AudioBuffer accumulates PCM16 little-endian mono audio for one realtime
// session behind a single mutex, per SPEC_FULL.md §3's RealtimeSession
// invariant that the buffer is mutated only under a single-writer
// discipline: Append is called from the WebSocket callback, Snapshot and
// GetRecentSamples are read by both that callback and transcription workers.
type AudioBuffer struct {
	mu         sync.Mutex
	samples    []int16
	sampleRate int
}

// NewAudioBuffer returns an empty buffer at sampleRate (16000 per spec).
func NewAudioBuffer(sampleRate int) *AudioBuffer {
	return &AudioBuffer{sampleRate: sampleRate}
}

// AppendBase64 decodes b64 as PCM16LE mono samples and appends them.
func (b *AudioBuffer) AppendBase64(b64 string) error {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return gwerr.AudioFileInvalid("invalid base64 audio chunk: %v", err)
	}
	if len(raw)%2 != 0 {
		return gwerr.AudioFileInvalid("PCM16 audio chunk has an odd byte length (%d)", len(raw))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i+1 < len(raw); i += 2 {
		b.samples = append(b.samples, int16(binary.LittleEndian.Uint16(raw[i:i+2])))
	}
	return nil
}

// Len returns the number of samples currently buffered.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// DurationMS returns the buffered audio's duration in milliseconds.
func (b *AudioBuffer) DurationMS() float64 {
	b.mu.Lock()
	n := len(b.samples)
	b.mu.Unlock()
	return float64(n) * 1000 / float64(b.sampleRate)
}

// Clear drops all buffered samples.
func (b *AudioBuffer) Clear() {
	b.mu.Lock()
	b.samples = nil
	b.mu.Unlock()
}

// GetRecentSamples returns up to the last ms milliseconds of buffered audio,
// normalized to float32 in [-1, 1], for feeding the VAD.
func (b *AudioBuffer) GetRecentSamples(ms int) []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := ms * b.sampleRate / 1000
	if want > len(b.samples) {
		want = len(b.samples)
	}
	start := len(b.samples) - want
	out := make([]float32, want)
	for i, s := range b.samples[start:] {
		out[i] = float32(s) / 32768
	}
	return out
}

// Snapshot returns a copy of every sample buffered so far, so a dispatched
// transcription sees a consistent view even as Append keeps mutating the
// live buffer concurrently.
func (b *AudioBuffer) Snapshot() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int16, len(b.samples))
	copy(out, b.samples)
	return out
}

// GetWAV encodes the current buffer contents as a RIFF/WAVE blob.
func (b *AudioBuffer) GetWAV() []byte {
	return encodeWAV(b.Snapshot(), b.sampleRate)
}

// GetWAVPadded encodes the buffer as WAV, zero-padding to at least
// minDurationMS to suppress hallucinations on very short clips (spec
// defaults: 500ms for interim dispatches, 1250ms elsewhere).
func (b *AudioBuffer) GetWAVPadded(minDurationMS int) []byte {
	samples := b.Snapshot()
	minSamples := minDurationMS * b.sampleRate / 1000
	if len(samples) < minSamples {
		padded := make([]int16, minSamples)
		copy(padded, samples)
		samples = padded
	}
	return encodeWAV(samples, b.sampleRate)
}

// encodeWAV builds a minimal 16-bit mono PCM RIFF/WAVE file.
func encodeWAV(samples []int16, sampleRate int) []byte {
	const bitsPerSample = 16
	const channels = 1
	dataSize := len(samples) * 2
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // PCM fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM format tag
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
