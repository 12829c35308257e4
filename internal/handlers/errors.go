// Package handlers holds the stream handlers a session can route requests to.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/session"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// PrefersJSON reports whether an Accept header value ranks application/json
// above every other media type.
func PrefersJSON(accept string) bool {
	if accept == "" {
		return false
	}
	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer
	for i, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				v, err := strconv.ParseFloat(param[2:], 64)
				if err != nil || v < 0 || v > 1 {
					v = 0
				}
				q = v
				break
			}
		}
		if q > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*"),
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// WriteError sends a complete error response on t: JSON when the request
// prefers it, HTML otherwise. HEAD requests get the headers only.
func WriteError(ctx context.Context, t *session.Task, status int, detail string) error {
	text := http.StatusText(status)
	if text == "" {
		text = "Error"
	}

	var body []byte
	var contentType string
	if PrefersJSON(t.Header("accept")) {
		var err error
		body, err = json.Marshal(errorBody{Error: errorDetail{StatusCode: status, Message: text, Detail: detail}})
		if err != nil {
			return fmt.Errorf("failed to marshal error body: %w", err)
		}
		contentType = "application/json; charset=utf-8"
	} else {
		msg := text
		if detail != "" {
			msg = detail
		}
		body = []byte(fmt.Sprintf("<html><head><title>%d %s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
			status, text, text, msg))
		contentType = "text/html; charset=utf-8"
	}

	resp := h2.NewResponse(status, hpack.HeaderField{Name: "content-type", Value: contentType})
	resp.ContentLength = int64(len(body))
	if err := t.Respond(resp); err != nil {
		return err
	}
	if t.Method() == http.MethodHead {
		return nil
	}
	return t.Write(ctx, body)
}
