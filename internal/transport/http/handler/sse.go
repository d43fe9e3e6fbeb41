package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aichat/internal/stream"
)

// sseWriter delivers stream events to one HTTP response. Headers go out with
// the first event, not before, so pre-stream failures can still respond with
// plain JSON. Once the client disconnects (or a write fails) further events
// are dropped without error, letting generation run to completion.
type sseWriter struct {
	c            *gin.Context
	flusher      http.Flusher
	clientGone   <-chan struct{}
	started      bool
	disconnected bool
}

func newSSEWriter(c *gin.Context) *sseWriter {
	flusher, _ := c.Writer.(http.Flusher)
	return &sseWriter{
		c:          c,
		flusher:    flusher,
		clientGone: c.Request.Context().Done(),
	}
}

func (w *sseWriter) Started() bool {
	return w.started
}

func (w *sseWriter) Emit(ev stream.Event) error {
	if w.disconnected || w.flusher == nil {
		return nil
	}
	select {
	case <-w.clientGone:
		w.disconnected = true
		return nil
	default:
	}

	if !w.started {
		w.c.Header("Content-Type", "text/event-stream; charset=utf-8")
		w.c.Header("Cache-Control", "no-cache, no-transform")
		w.c.Header("Connection", "keep-alive")
		w.c.Header("X-Accel-Buffering", "no")
		w.c.Writer.WriteHeader(http.StatusOK)
		w.started = true
	}

	frame, err := ev.SSE()
	if err != nil {
		return err
	}
	if _, err := w.c.Writer.Write(frame); err != nil {
		w.disconnected = true
		return nil
	}
	w.flusher.Flush()
	return nil
}
