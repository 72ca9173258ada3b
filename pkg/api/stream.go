// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/events"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	streamBuffer = 256
)

// streamEvents upgrades to a websocket and streams bus events as JSON.
// Repeated ?kind= parameters filter the stream.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []events.Kind
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, events.Kind(k))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade event stream",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(streamBuffer, kinds...)
	defer sub.Close()

	s.metrics.AddWebSocketClients(1)
	defer s.metrics.AddWebSocketClients(-1)
	s.logger.Debug("event stream opened", slog.String("remote", r.RemoteAddr))

	// The reader only drains control frames and notices the peer leaving.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debug("event stream closed", slog.String("remote", r.RemoteAddr))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed",
					slog.String("remote", r.RemoteAddr),
					slog.String("error", err.Error()))
				return
			}
		}
	}
}
