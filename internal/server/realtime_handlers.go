// Package server contains HTTP and SSE handlers for the application's API endpoints.
package server

import (
	"bufio"
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// StreamConversations handles GET /api/realtime/conversations. It serves the
// viewer's conversation list as SSE: a connected ack, a full snapshot, then a
// fresh snapshot whenever the list changes. Setup failures are rejected as
// plain HTTP before any frame is written; once streaming starts, failures are
// reported in-band and the stream stays open until the client disconnects.
func (s *Server) StreamConversations(c *fiber.Ctx) error {
	viewer := viewerEmail(c)

	setStreamHeaders(c)
	reqCtx := c.Context()
	reqCtx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := s.streamContext(reqCtx)
		defer cancel()
		s.publisher.StreamConversations(ctx, w, viewer)
	}))
	return nil
}

// StreamMessages handles GET /api/realtime/conversations/:id/messages.
// Membership is verified before the stream opens; non-members get a plain
// HTTP error, never a partial stream.
func (s *Server) StreamMessages(c *fiber.Ctx) error {
	id, err := s.parseID(c)
	if err != nil {
		return nil
	}
	viewer := viewerEmail(c)
	if _, err := s.requireMembership(c, id, viewer); err != nil {
		return nil
	}

	setStreamHeaders(c)
	reqCtx := c.Context()
	reqCtx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := s.streamContext(reqCtx)
		defer cancel()
		s.publisher.StreamMessages(ctx, w, id, viewer)
	}))
	return nil
}

func setStreamHeaders(c *fiber.Ctx) {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")
}

// streamContext builds the context a stream runs under. It ends when the
// client disconnects or the server shuts down.
func (s *Server) streamContext(reqCtx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	shutdown := s.shutdownCtx
	go func() {
		var shutdownDone <-chan struct{}
		if shutdown != nil {
			shutdownDone = shutdown.Done()
		}
		select {
		case <-reqCtx.Done():
		case <-shutdownDone:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, cancel
}
