package stream

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 10 * time.Second

func (s *server) serveWS(c echo.Context) error {
	sub, release, status, err := s.open(c)
	if err != nil {
		return c.String(status, err.Error())
	}
	defer release()

	opts := &websocket.AcceptOptions{OriginPatterns: s.origins}
	if len(s.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		s.logger.WithError(err).Warn("ws accept")
		return nil
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(c.Request().Context())

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.WithError(err).Debug("ws ping failed")
				return nil
			}
		case ev, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription closed")
				return nil
			}
			data, err := sonic.Marshal(ev)
			if err != nil {
				s.logger.WithError(err).WithField("kind", ev.Kind).Error("encode event")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return nil
			}
			if terminal(ev) {
				conn.Close(websocket.StatusNormalClosure, "project deleted")
				return nil
			}
		}
	}
}
