/*
Package handler provides the HTTP handler that streams statistics over a WebSocket.

This file contains HandleStatsStream, which upgrades the request and then pushes a
StatsView frame every second until the client goes away or the server shuts down.
*/
package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// clients only ever send control frames.
	maxMessageSize = 512

	// frequency at which a stats frame is pushed.
	statsPushPeriod = time.Second
)

// HandleStatsStream creates an HTTP HandlerFunc that serves the /ws/stats stream.
func HandleStatsStream(upgrader websocket.Upgrader, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := zerolog.Ctx(r.Context()).With().Str("stream", "stats").Logger()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		logger.Info().Msg("Stats stream opened")

		gone := make(chan struct{})
		go readPump(conn, gone, &logger)
		writePump(conn, deps, gone, &logger)

		logger.Info().Msg("Stats stream closed")
	}
}

// readPump consumes control frames so pongs and the client's close are noticed.
// gone is closed when the client stops responding or hangs up.
func readPump(conn *websocket.Conn, gone chan<- struct{}, logger *zerolog.Logger) {
	defer close(gone)

	conn.SetReadLimit(maxMessageSize)

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info().Err(err).Msg("Stats stream read failed")
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, deps *AppDeps, gone <-chan struct{}, logger *zerolog.Logger) {
	push := time.NewTicker(statsPushPeriod)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		push.Stop()
		ping.Stop()
		_ = conn.Close()
	}()

	writeStats := func() error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return conn.WriteJSON(statsView(deps, logger))
	}

	if err := writeStats(); err != nil {
		logger.Debug().Err(err).Msg("Stats frame write failed")
		return
	}

	for {
		select {
		case <-push.C:
			if err := writeStats(); err != nil {
				logger.Debug().Err(err).Msg("Stats frame write failed")
				return
			}

		case <-ping.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-gone:
			return

		case <-deps.Done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
