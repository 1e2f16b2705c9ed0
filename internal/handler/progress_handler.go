package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/leadfoundry/batch-engine/internal/progress"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// RegisterProgressRoutes mounts the live progress channel. One observer
// per batch; a new connection for the same batch replaces the old one.
func RegisterProgressRoutes(router fiber.Router, broadcaster *progress.Broadcaster, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v1 := router.Group("/v1")
	v1.Use("/batches/:id/progress", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/batches/:id/progress", websocket.New(progressConnHandler(broadcaster, logger)))
}

func progressConnHandler(broadcaster *progress.Broadcaster, logger *zap.Logger) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		batchID := strings.TrimSpace(conn.Params("id"))
		observerID := strings.TrimSpace(conn.Query("observerId"))
		if observerID == "" {
			observerID = uuid.NewString()
		}

		events, err := broadcaster.Subscribe(batchID, observerID)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
				time.Now().Add(wsWriteWait))
			_ = conn.Close()
			return
		}
		defer broadcaster.UnsubscribeObserver(batchID, observerID)
		defer conn.Close()

		// Reader only services pongs and detects disconnects; clients do
		// not send application messages on this channel.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					// Unsubscribed, replaced, or swept as stale.
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"),
						time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(event); err != nil {
					logger.Debug("progress write failed",
						zap.String("batchId", batchID),
						zap.Error(err),
					)
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-readerDone:
				return
			}
		}
	}
}
