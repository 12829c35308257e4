package handlers

import (
	"context"
	"errors"
	"io"
	"strconv"

	"golang.org/x/net/http2/hpack"

	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/session"
)

const echoChunkSize = 16 * 1024

// Echo streams the request body back as the response body. The request's
// content-type is reflected, and an x-echo-trailer request header comes back
// as a trailer of the same name. A request carrying content-length gets a
// response with the same declared length.
type Echo struct {
	log *logger.Logger
}

// NewEcho returns an echo handler.
func NewEcho(lg *logger.Logger) *Echo {
	return &Echo{log: lg}
}

// Serve implements session.Handler.
func (e *Echo) Serve(ctx context.Context, t *session.Task) error {
	contentType := t.Header("content-type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp := h2.NewResponse(200, hpack.HeaderField{Name: "content-type", Value: contentType})
	if cl := t.Header("content-length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			resp.ContentLength = n
		}
	}
	if v := t.Header("x-echo-trailer"); v != "" {
		resp.Trailers = []hpack.HeaderField{{Name: "x-echo-trailer", Value: v}}
	}
	if err := t.Respond(resp); err != nil {
		return err
	}

	buf := make([]byte, echoChunkSize)
	var total int64
	for {
		n, err := t.ReadContext(ctx, buf)
		if n > 0 {
			total += int64(n)
			if werr := t.Write(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	e.log.Debug("Echoed request body", logger.LogFields{"stream_id": t.ID(), "bytes": total})
	return nil
}
