package progress

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// WebSocketHandler upgrades the connection and streams hub's events for
// jobID until the client disconnects, which this treats as an
// unsubscribe per §4.8.
func WebSocketHandler(hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		jobID := c.Param("jobId")

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		subscriberID := uuid.NewString()
		events, unsubscribe := hub.Subscribe(jobID, subscriberID)
		defer unsubscribe()

		// Drain client-initiated control frames (pings/close) in the
		// background; this connection never reads application data.
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					unsubscribe()
					return
				}
			}
		}()

		for evt := range events {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				logrus.WithError(err).WithField("jobId", jobID).Debug("progress websocket write failed")
				return nil
			}
		}
		return nil
	}
}
