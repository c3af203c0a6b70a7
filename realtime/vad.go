// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import "math"

// VADParams tunes the energy-based voice-activity detector, all overridable
// per session via a "session.update" message (SPEC_FULL.md §4.H table).
type VADParams struct {
	EnergyThreshold float64 // RMS floor for a voice frame
	MinSpeechMS     int     // minimum accumulated speech to fire SpeechStart
	MinSilenceMS    int     // silence required to fire SpeechEnd
	OnsetFrames     int     // consecutive voice frames to confirm start
	HangoverFrames  int     // frames of tolerated silence after voice before counting toward end
	SampleRate      int
}

// DefaultVADParams returns the spec's documented defaults.
func DefaultVADParams() VADParams {
	return VADParams{
		EnergyThreshold: 0.01,
		MinSpeechMS:     250,
		MinSilenceMS:    800,
		OnsetFrames:     2,
		HangoverFrames:  6,
		SampleRate:      16000,
	}
}

// Event is what the VAD fires as a result of processing one frame.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

// vad is a single session's VAD state machine: {inactive, active} crossed
// with onset/hangover/speech/silence counters, ported from the original
// implementation's vad.cpp per DESIGN.md.
type vad struct {
	params VADParams

	active    bool
	onset     int
	hangover  int
	speechMS  float64
	silenceMS float64
}

func newVAD(params VADParams) *vad {
	return &vad{params: params}
}

// Active reports whether the VAD currently considers speech in progress.
func (v *vad) Active() bool { return v.active }

// Reset returns the VAD to its inactive, zeroed state — used after a final
// transcription dispatch clears the audio buffer.
func (v *vad) Reset() {
	v.active = false
	v.onset = 0
	v.hangover = 0
	v.speechMS = 0
	v.silenceMS = 0
}

// SetParams replaces the tunable parameters (from a session.update message)
// without disturbing the current state machine position.
func (v *vad) SetParams(p VADParams) { v.params = p }

// Process classifies frame (samples in [-1, 1]) as voice or silence by RMS
// energy against EnergyThreshold, advances the state machine by
// frameDurationMS, and returns the event fired, if any. Per SPEC_FULL.md
// §4.H:
//
//	inactive: a silence frame resets onset/speech; a voice frame increments
//	both, and once onset>=OnsetFrames and speechMS>=MinSpeechMS, transitions
//	to active and fires SpeechStart.
//
//	active: a voice frame resets hangover to HangoverFrames and silence to 0;
//	a silence frame first decrements hangover, and only once hangover is
//	already exhausted does it accumulate silenceMS; once silenceMS>=
//	MinSilenceMS, transitions to inactive and fires SpeechEnd.
func (v *vad) Process(frame []float32, frameDurationMS float64) Event {
	voice := rms(frame) >= v.params.EnergyThreshold
	if !v.active {
		return v.processInactive(voice, frameDurationMS)
	}
	return v.processActive(voice, frameDurationMS)
}

func (v *vad) processInactive(voice bool, frameDurationMS float64) Event {
	if !voice {
		v.onset = 0
		v.speechMS = 0
		return EventNone
	}
	v.onset++
	v.speechMS += frameDurationMS
	if v.onset >= v.params.OnsetFrames && v.speechMS >= float64(v.params.MinSpeechMS) {
		v.active = true
		v.hangover = v.params.HangoverFrames
		v.silenceMS = 0
		return EventSpeechStart
	}
	return EventNone
}

func (v *vad) processActive(voice bool, frameDurationMS float64) Event {
	if voice {
		v.hangover = v.params.HangoverFrames
		v.silenceMS = 0
		return EventNone
	}
	if v.hangover > 0 {
		v.hangover--
		return EventNone
	}
	v.silenceMS += frameDurationMS
	if v.silenceMS >= float64(v.params.MinSilenceMS) {
		v.active = false
		v.onset = 0
		v.speechMS = 0
		return EventSpeechEnd
	}
	return EventNone
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
