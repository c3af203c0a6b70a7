// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// defaultMaxWorkers bounds the number of concurrent transcription requests
// across all sessions a Manager owns, per SPEC_FULL.md §4.H's worker-pool
// note (unbounded fan-out from many simultaneous sessions would starve the
// backend process of context/VRAM).
const defaultMaxWorkers = 4

// Manager owns every live realtime Session and the bounded worker pool that
// transcription dispatches run on.
type Manager struct {
	transcriber Transcriber
	sem         *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*Session

	wg sync.WaitGroup // every in-flight worker across all sessions
}

// NewManager builds a Manager backed by transcriber, running at most
// maxWorkers transcriptions concurrently. maxWorkers<=0 uses the default.
func NewManager(transcriber Transcriber, maxWorkers int) *Manager {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	return &Manager{
		transcriber: transcriber,
		sem:         semaphore.NewWeighted(int64(maxWorkers)),
		sessions:    map[string]*Session{},
	}
}

// NewSession creates and registers a Session for model, sending it a
// session.created event before returning.
func (m *Manager) NewSession(model string, send Sender) (*Session, error) {
	s := newSession(m, model, send)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	if err := send(sessionCreatedEvent{
		Type:    "session.created",
		Session: sessionInfo{ID: s.ID, Model: model},
	}); err != nil {
		m.remove(s.ID)
		return nil, err
	}
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// dispatch acquires a worker-pool slot and runs fn in a new goroutine,
// tracked by the manager-level WaitGroup so Shutdown can await every
// in-flight transcription across every session.
func (m *Manager) dispatch(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer m.sem.Release(1)
		fn()
	}()
}

// Shutdown waits for all dispatched transcriptions to finish, so their
// results still reach their sessions, then closes every live session; for
// use during graceful server shutdown.
func (m *Manager) Shutdown() {
	m.wg.Wait()
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Len reports the number of currently live sessions, mainly for tests and
// /metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
