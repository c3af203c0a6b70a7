// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Serve runs one realtime WebSocket connection's read loop to completion: it
// creates a Session for model, decodes and hands off every incoming text
// frame to Session.Handle, and writes every server->client event back over
// conn. gorilla connections aren't safe for concurrent writers, so all
// writes — from this loop and from transcription worker goroutines calling
// back through Sender — go through the mutex-guarded closure below.
//
// Serve blocks until the client disconnects or ctx is done, then closes the
// session (awaiting any in-flight transcription dispatches) before
// returning.
func Serve(ctx context.Context, conn *websocket.Conn, mgr *Manager, model string, log *slog.Logger) {
	var writeMu sync.Mutex
	send := func(event any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(event)
	}

	sess, err := mgr.NewSession(model, send)
	if err != nil {
		log.Warn("realtime: failed to create session", "err", err)
		return
	}
	defer sess.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("realtime: unexpected close", "session", sess.ID, "err", err)
			}
			return
		}
		if err := sess.Handle(ctx, raw); err != nil {
			if isClosedConnErr(err) {
				return
			}
			log.Warn("realtime: failed to send event", "session", sess.ID, "err", err)
		}
	}
}

func isClosedConnErr(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent)
}
