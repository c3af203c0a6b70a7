// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import "github.com/lemon-gateway/lemon/gwerr"

// clientMessage is the union of fields used by any of the four client->
// server message types in SPEC_FULL.md §4.H. Unused fields for a given Type
// are simply absent from the JSON.
type clientMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`

	Session *sessionUpdate `json:"session,omitempty"`
}

// sessionUpdate carries the fields a "session.update" message may merge into
// a Session: the target model and any VAD parameter overrides.
type sessionUpdate struct {
	Model           string   `json:"model,omitempty"`
	EnergyThreshold *float64 `json:"energy_threshold,omitempty"`
	MinSpeechMS     *int     `json:"min_speech_ms,omitempty"`
	MinSilenceMS    *int     `json:"min_silence_ms,omitempty"`
	OnsetFrames     *int     `json:"onset_frames,omitempty"`
	HangoverFrames  *int     `json:"hangover_frames,omitempty"`
	SampleRate      *int     `json:"sample_rate,omitempty"`
}

// simpleEvent covers every server->client event that carries no payload
// beyond its type string: speech_started, speech_stopped, committed,
// cleared, session.updated.
type simpleEvent struct {
	Type string `json:"type"`
}

type sessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

type sessionCreatedEvent struct {
	Type    string      `json:"type"`
	Session sessionInfo `json:"session"`
}

type transcriptionDeltaEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type transcriptionCompletedEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorEventFrom(err error) errorEvent {
	e := errorEvent{Type: "error"}
	if ge, ok := err.(*gwerr.Error); ok {
		e.Error.Message = ge.Message
		e.Error.Type = string(ge.Kind)
	} else {
		e.Error.Message = err.Error()
		e.Error.Type = "backend_error"
	}
	return e
}
