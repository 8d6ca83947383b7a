package pubsub

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// ServeConn pumps a subscriber's events to a websocket connection as JSON
// until the subscriber closes or the peer goes away. It owns the connection
// and closes it on return. Server-side processing is not stopped by a
// disconnecting client; the subscriber just drains.
func ServeConn(conn *websocket.Conn, sub *Subscriber, logger *zap.SugaredLogger) {
	defer conn.Close()

	// the read loop only exists to observe the peer closing
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debugw("websocket write failed", "error", err)
				return
			}
		case <-peerGone:
			return
		}
	}
}
