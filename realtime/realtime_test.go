// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTranscriber returns a fixed string after an optional delay, and
// records every model it was called with.
type fakeTranscriber struct {
	mu     sync.Mutex
	text   string
	delay  time.Duration
	models []string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, model string, wav []byte) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.models = append(f.models, model)
	f.mu.Unlock()
	return f.text, nil
}

// recordingSender collects every event sent to it, safe for concurrent use.
type recordingSender struct {
	mu     sync.Mutex
	events []map[string]any
}

func (r *recordingSender) send(event any) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, m)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i], _ = e["type"].(string)
	}
	return out
}

func (r *recordingSender) has(t string) bool {
	for _, got := range r.types() {
		if got == t {
			return true
		}
	}
	return false
}

// silentFrameB64 and loudFrameB64 are 100ms (1600 samples) of PCM16LE audio
// at 16kHz: near-zero amplitude for silence, large amplitude for voice.
func silentFrameB64() string { return pcmFrameB64(0) }
func loudFrameB64() string   { return pcmFrameB64(20000) }

func pcmFrameB64(amplitude int16) string {
	const n = 1600
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -v
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func appendFrame(t *testing.T, s *Session, b64 string) {
	t.Helper()
	msg := fmt.Sprintf(`{"type":"input_audio_buffer.append","audio":%q}`, b64)
	if err := s.Handle(context.Background(), []byte(msg)); err != nil {
		t.Fatalf("Handle append: %v", err)
	}
}

// TestVADHysteresisFiresStartAndEnd drives enough loud frames to cross onset
// (OnsetFrames=2, MinSpeechMS=250 => needs 3 frames @100ms) then enough
// silent frames to exhaust HangoverFrames and MinSilenceMS, and checks both
// speech_started and speech_stopped fire exactly once each.
func TestVADHysteresisFiresStartAndEnd(t *testing.T) {
	tr := &fakeTranscriber{text: "hello"}
	mgr := NewManager(tr, 2)
	rec := &recordingSender{}
	sess, err := mgr.NewSession("whisper-1", rec.send)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	for i := 0; i < 3; i++ {
		appendFrame(t, sess, loudFrameB64())
	}
	if n := countType(rec.types(), "input_audio_buffer.speech_started"); n != 1 {
		t.Fatalf("expected exactly 1 speech_started, got %d (%v)", n, rec.types())
	}

	// HangoverFrames=6 tolerated silent frames, then MinSilenceMS=800 i.e. 8
	// more frames of silence before speech_stopped fires.
	for i := 0; i < 6+8; i++ {
		appendFrame(t, sess, silentFrameB64())
	}
	if n := countType(rec.types(), "input_audio_buffer.speech_stopped"); n != 1 {
		t.Fatalf("expected exactly 1 speech_stopped, got %d (%v)", n, rec.types())
	}
	mgr.Shutdown()
	if !rec.has("conversation.item.input_audio_transcription.completed") {
		t.Errorf("expected a completed transcription event after speech end, got %v", rec.types())
	}
}

func countType(types []string, want string) int {
	n := 0
	for _, tt := range types {
		if tt == want {
			n++
		}
	}
	return n
}

// TestIsolatedVoiceFrameDoesNotFireStart checks a single loud frame
// surrounded by silence never crosses onset and produces no speech_started,
// i.e. hysteresis suppresses spurious blips.
func TestIsolatedVoiceFrameDoesNotFireStart(t *testing.T) {
	tr := &fakeTranscriber{text: "hello"}
	mgr := NewManager(tr, 2)
	rec := &recordingSender{}
	sess, err := mgr.NewSession("whisper-1", rec.send)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	appendFrame(t, sess, silentFrameB64())
	appendFrame(t, sess, loudFrameB64())
	appendFrame(t, sess, silentFrameB64())
	appendFrame(t, sess, silentFrameB64())

	if rec.has("input_audio_buffer.speech_started") {
		t.Errorf("expected no speech_started from an isolated voice frame, got %v", rec.types())
	}
}

// TestCommitDispatchesFinalTranscription exercises the commit path directly
// (bypassing VAD) and checks a completed event carries the transcriber's
// text and the right model.
func TestCommitDispatchesFinalTranscription(t *testing.T) {
	tr := &fakeTranscriber{text: "the quick brown fox"}
	mgr := NewManager(tr, 2)
	rec := &recordingSender{}
	sess, err := mgr.NewSession("whisper-1", rec.send)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	appendFrame(t, sess, loudFrameB64())
	if err := sess.Handle(context.Background(), []byte(`{"type":"input_audio_buffer.commit"}`)); err != nil {
		t.Fatalf("Handle commit: %v", err)
	}
	mgr.Shutdown()

	var transcript string
	for _, e := range rec.events {
		if e["type"] == "conversation.item.input_audio_transcription.completed" {
			transcript, _ = e["transcript"].(string)
		}
	}
	if transcript != "the quick brown fox" {
		t.Errorf("expected transcript %q, got %q (events=%v)", "the quick brown fox", transcript, rec.types())
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.models) != 1 || tr.models[0] != "whisper-1" {
		t.Errorf("expected transcriber called once with model whisper-1, got %v", tr.models)
	}
}

// TestSessionUpdateChangesModel checks a session.update message is reflected
// in subsequent transcription dispatches.
func TestSessionUpdateChangesModel(t *testing.T) {
	tr := &fakeTranscriber{text: "hi"}
	mgr := NewManager(tr, 2)
	rec := &recordingSender{}
	sess, err := mgr.NewSession("whisper-1", rec.send)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if err := sess.Handle(context.Background(), []byte(`{"type":"session.update","session":{"model":"whisper-large"}}`)); err != nil {
		t.Fatal(err)
	}
	appendFrame(t, sess, loudFrameB64())
	if err := sess.Handle(context.Background(), []byte(`{"type":"input_audio_buffer.commit"}`)); err != nil {
		t.Fatal(err)
	}
	mgr.Shutdown()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.models) != 1 || tr.models[0] != "whisper-large" {
		t.Errorf("expected transcriber called with updated model whisper-large, got %v", tr.models)
	}
}

// TestManagerShutdownAwaitsInFlightWork starts a slow transcription, calls
// Shutdown concurrently, and checks Shutdown doesn't return until the
// transcription's completed event has been sent.
func TestManagerShutdownAwaitsInFlightWork(t *testing.T) {
	tr := &fakeTranscriber{text: "done", delay: 50 * time.Millisecond}
	mgr := NewManager(tr, 2)
	rec := &recordingSender{}
	sess, err := mgr.NewSession("whisper-1", rec.send)
	if err != nil {
		t.Fatal(err)
	}
	appendFrame(t, sess, loudFrameB64())
	if err := sess.Handle(context.Background(), []byte(`{"type":"input_audio_buffer.commit"}`)); err != nil {
		t.Fatal(err)
	}
	mgr.Shutdown()
	if !rec.has("conversation.item.input_audio_transcription.completed") {
		t.Errorf("expected Shutdown to await the in-flight transcription, got %v", rec.types())
	}
}
