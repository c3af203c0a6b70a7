// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package realtime is the VAD-driven realtime transcription session
// manager: it chunks incoming WebSocket audio, fires interim and final
// transcription requests against a bounded worker pool, and emits OpenAI
// Realtime protocol events back to the client.
//
// Grounded on original_source/server/vad.cpp (VAD state machine, ported in
// vad.go) and original_source/server/realtime_session.cpp /
// websocket_server.cpp (session lifecycle and WS event names), per
// DESIGN.md.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lemon-gateway/lemon/gwerr"
)

// interimChunkMS is how much new, un-transcribed audio must accumulate
// before another interim transcription is dispatched while speech is active.
const interimChunkMS = 1000

// interimPadMS / finalPadMS are the WAV zero-pad floors (SPEC_FULL.md §4.H)
// used to suppress hallucinations on very short clips.
const (
	interimPadMS = 500
	finalPadMS   = 1250
)

// Transcriber performs one transcription request against whatever backend is
// loaded for model, given a WAV-encoded audio blob. Defined here (rather
// than importing package router directly) so realtime stays decoupled from
// the router/backend stack; cmd/lemon-server supplies the concrete adapter.
type Transcriber interface {
	Transcribe(ctx context.Context, model string, wav []byte) (string, error)
}

// Sender delivers one server->client event. Implementations must be safe for
// concurrent use, since both the WebSocket read loop and transcription
// worker goroutines call it.
type Sender func(event any) error

// Session is one realtime WebSocket connection's state: an audio ring
// buffer, a VAD state machine, and the bookkeeping needed to dispatch
// interim/final transcriptions without racing the live buffer. Per
// SPEC_FULL.md §3, is_speech_active, interim-in-flight, and buffer length
// are mutated only under the single-writer discipline enforced here: Handle
// runs on the WebSocket callback goroutine one message at a time, while
// transcription workers only ever read a Snapshot taken by Handle.
type Session struct {
	ID   string
	send Sender
	mgr  *Manager
	buf  *AudioBuffer
	vad  *vad

	mu            sync.Mutex // guards model, lastInterimMS, interimInFlight
	model         string
	lastInterimMS float64
	interimInFlight bool

	active atomic.Bool
	wg     sync.WaitGroup // pending transcription workers spawned by this session
}

func newSession(mgr *Manager, model string, send Sender) *Session {
	s := &Session{
		ID:    uuid.NewString(),
		send:  send,
		mgr:   mgr,
		buf:   NewAudioBuffer(DefaultVADParams().SampleRate),
		vad:   newVAD(DefaultVADParams()),
		model: model,
	}
	s.active.Store(true)
	return s
}

func (s *Session) currentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Handle dispatches one decoded client message (SPEC_FULL.md §4.H).
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return s.send(errorEventFrom(gwerr.InvalidRequest("invalid realtime message: %v", err)))
	}
	switch msg.Type {
	case "session.update":
		s.applyUpdate(msg.Session)
		return s.send(simpleEvent{Type: "session.updated"})
	case "input_audio_buffer.append":
		return s.handleAppend(ctx, msg.Audio)
	case "input_audio_buffer.commit":
		s.dispatchFinal(ctx)
		return s.send(simpleEvent{Type: "input_audio_buffer.committed"})
	case "input_audio_buffer.clear":
		s.buf.Clear()
		s.vad.Reset()
		s.mu.Lock()
		s.lastInterimMS = 0
		s.mu.Unlock()
		return s.send(simpleEvent{Type: "input_audio_buffer.cleared"})
	default:
		return s.send(errorEventFrom(gwerr.InvalidRequest("unknown realtime message type %q", msg.Type)))
	}
}

func (s *Session) applyUpdate(u *sessionUpdate) {
	if u == nil {
		return
	}
	s.mu.Lock()
	if u.Model != "" {
		s.model = u.Model
	}
	s.mu.Unlock()

	p := s.vad.params
	if u.EnergyThreshold != nil {
		p.EnergyThreshold = *u.EnergyThreshold
	}
	if u.MinSpeechMS != nil {
		p.MinSpeechMS = *u.MinSpeechMS
	}
	if u.MinSilenceMS != nil {
		p.MinSilenceMS = *u.MinSilenceMS
	}
	if u.OnsetFrames != nil {
		p.OnsetFrames = *u.OnsetFrames
	}
	if u.HangoverFrames != nil {
		p.HangoverFrames = *u.HangoverFrames
	}
	if u.SampleRate != nil {
		p.SampleRate = *u.SampleRate
	}
	s.vad.SetParams(p)
}

func (s *Session) handleAppend(ctx context.Context, b64 string) error {
	if err := s.buf.AppendBase64(b64); err != nil {
		return s.send(errorEventFrom(err))
	}
	const vadFrameMS = 100
	frame := s.buf.GetRecentSamples(vadFrameMS)
	switch s.vad.Process(frame, vadFrameMS) {
	case EventSpeechStart:
		s.mu.Lock()
		s.lastInterimMS = 0
		s.mu.Unlock()
		return s.send(simpleEvent{Type: "input_audio_buffer.speech_started"})
	case EventSpeechEnd:
		if err := s.send(simpleEvent{Type: "input_audio_buffer.speech_stopped"}); err != nil {
			return err
		}
		s.dispatchFinal(ctx)
	case EventNone:
		if s.vad.Active() {
			s.maybeDispatchInterim(ctx)
		}
	}
	return nil
}

// maybeDispatchInterim fires an interim transcription if enough new audio
// has accumulated since the last one and none is currently in flight, per
// SPEC_FULL.md §4.H step 5.
func (s *Session) maybeDispatchInterim(ctx context.Context) {
	bufMS := s.buf.DurationMS()
	s.mu.Lock()
	due := bufMS-s.lastInterimMS >= interimChunkMS && !s.interimInFlight
	if due {
		s.interimInFlight = true
		s.lastInterimMS = bufMS
	}
	s.mu.Unlock()
	if !due {
		return
	}
	wav := s.buf.GetWAVPadded(interimPadMS)
	s.spawn(func(wctx context.Context) {
		defer func() {
			s.mu.Lock()
			s.interimInFlight = false
			s.mu.Unlock()
		}()
		text, err := s.mgr.transcriber.Transcribe(wctx, s.currentModel(), wav)
		if !s.active.Load() {
			return
		}
		if err != nil {
			s.send(errorEventFrom(err))
			return
		}
		s.send(transcriptionDeltaEvent{Type: "conversation.item.input_audio_transcription.delta", Delta: text})
	})
}

// dispatchFinal snapshots the padded WAV, clears the buffer and resets the
// VAD, then spawns a worker to transcribe that snapshot — matching
// SPEC_FULL.md §4.H step 4's "snapshot then clear" ordering so a final
// dispatch never races audio appended after it was triggered.
func (s *Session) dispatchFinal(ctx context.Context) {
	wav := s.buf.GetWAVPadded(finalPadMS)
	s.buf.Clear()
	s.vad.Reset()
	s.mu.Lock()
	s.lastInterimMS = 0
	s.mu.Unlock()
	s.spawn(func(wctx context.Context) {
		text, err := s.mgr.transcriber.Transcribe(wctx, s.currentModel(), wav)
		if !s.active.Load() {
			return
		}
		if err != nil {
			s.send(errorEventFrom(err))
			return
		}
		s.send(transcriptionCompletedEvent{Type: "conversation.item.input_audio_transcription.completed", Transcript: text})
	})
}

// spawn runs fn on the manager's bounded worker pool, tracked by this
// session's WaitGroup so Close can await in-flight work before returning.
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	s.mgr.dispatch(func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Second)
		defer cancel()
		fn(ctx)
	})
}

// Close marks the session inactive, removes it from its Manager, and blocks
// until any transcriptions it dispatched have completed — per SPEC_FULL.md
// §3's lifecycle invariant that pending transcriptions must complete or be
// awaited before the session is dropped.
func (s *Session) Close() {
	s.active.Store(false)
	s.mgr.remove(s.ID)
	s.wg.Wait()
}
