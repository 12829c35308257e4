// Package router dispatches streams to handlers by request path.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"example.com/h2bridge/internal/config"
	"example.com/h2bridge/internal/handlers"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/session"
)

type route struct {
	cfg     config.Route
	handler session.Handler
}

// Router holds the routing table. Exact routes win over prefix routes, and
// among prefix routes the longest pattern wins.
type Router struct {
	exact  map[string]route
	prefix []route
	log    *logger.Logger
}

// New builds a router from validated routes, creating one handler per route.
func New(routes []config.Route, lg *logger.Logger) (*Router, error) {
	r := &Router{exact: make(map[string]route), log: lg}
	for _, rc := range routes {
		h, err := newHandler(rc, lg)
		if err != nil {
			return nil, err
		}
		switch rc.MatchType {
		case config.MatchTypeExact:
			r.exact[rc.PathPattern] = route{cfg: rc, handler: h}
		case config.MatchTypePrefix:
			r.prefix = append(r.prefix, route{cfg: rc, handler: h})
		default:
			return nil, fmt.Errorf("route %q: unknown match type %q", rc.PathPattern, rc.MatchType)
		}
	}
	sort.SliceStable(r.prefix, func(i, j int) bool {
		return len(r.prefix[i].cfg.PathPattern) > len(r.prefix[j].cfg.PathPattern)
	})
	return r, nil
}

func newHandler(rc config.Route, lg *logger.Logger) (session.Handler, error) {
	hlog := lg.With(logger.LogFields{"handler": rc.HandlerType})
	switch rc.HandlerType {
	case config.HandlerTypeEcho:
		return handlers.NewEcho(hlog).Serve, nil
	case config.HandlerTypeFiles:
		return handlers.NewFileServer(rc.PathPattern, rc.DocumentRoot, rc.MimeTypes, hlog).Serve, nil
	}
	return nil, fmt.Errorf("route %q: unknown handler type %q", rc.PathPattern, rc.HandlerType)
}

// Match returns the route for path, ignoring any query string.
func (r *Router) Match(path string) (config.Route, session.Handler, bool) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if rt, ok := r.exact[path]; ok {
		return rt.cfg, rt.handler, true
	}
	for _, rt := range r.prefix {
		if strings.HasPrefix(path, rt.cfg.PathPattern) {
			return rt.cfg, rt.handler, true
		}
	}
	return config.Route{}, nil, false
}

// Serve implements session.Handler. Unmatched paths get a 404.
func (r *Router) Serve(ctx context.Context, t *session.Task) error {
	_, h, ok := r.Match(t.Path())
	if !ok {
		r.log.Info("No route matched", logger.LogFields{"stream_id": t.ID(), "path": t.Path()})
		return handlers.WriteError(ctx, t, http.StatusNotFound, "The requested resource was not found.")
	}
	return h(ctx, t)
}
