package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Devices do not send an Origin header
		return true
	},
}

// HandleWebSocket upgrades the request and admits the device into the hub.
// Rejections are reported to the device as close codes, not HTTP errors.
func HandleWebSocket(hub *Hub, c echo.Context, deviceID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.String("deviceID", deviceID), zap.Error(err))
		return err
	}

	if _, err := hub.Connect(c.Request().Context(), deviceID, conn); err != nil {
		logger.Info("Device connection rejected", zap.String("deviceID", deviceID), zap.Error(err))
	}
	return nil
}
