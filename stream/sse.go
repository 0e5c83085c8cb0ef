package stream

import (
	"bytes"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"tasklance/domain"
)

func (s *server) serveSSE(c echo.Context) error {
	sub, release, status, err := s.open(c)
	if err != nil {
		return c.String(status, err.Error())
	}
	defer release()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.WriteHeader(http.StatusOK)
	if _, err := res.Write([]byte(":ok\n\n")); err != nil {
		return nil
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := res.Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			frame, err := encodeSSE(ev)
			if err != nil {
				s.logger.WithError(err).WithField("kind", ev.Kind).Error("encode event")
				continue
			}
			if _, err := res.Write(frame); err != nil {
				return nil
			}
			flusher.Flush()
			if terminal(ev) {
				return nil
			}
		}
	}
}

// encodeSSE frames ev as "event: <kind>\ndata: <json>\n\n".
func encodeSSE(ev domain.Event) ([]byte, error) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + len(ev.Kind) + 16)
	buf.WriteString("event: ")
	buf.WriteString(string(ev.Kind))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
