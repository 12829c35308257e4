package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/http2/hpack"

	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/session"
)

const indexFileName = "index.html"

// FileServer serves files below a document root. Bodies are handed to the
// stream as file segments so the session copies them straight from the file.
type FileServer struct {
	prefix string
	root   string
	mime   *MimeTypeResolver
	log    *logger.Logger
}

// NewFileServer serves the files of root under the path prefix the route
// matched. root must be absolute.
func NewFileServer(prefix, root string, mimeTypes map[string]string, lg *logger.Logger) *FileServer {
	return &FileServer{
		prefix: prefix,
		root:   filepath.Clean(root),
		mime:   NewMimeTypeResolver(mimeTypes),
		log:    lg,
	}
}

func etag(fi os.FileInfo) string {
	return fmt.Sprintf("\"%x-%x\"", fi.Size(), fi.ModTime().UnixNano())
}

// notModified evaluates If-None-Match against the file's entity tag.
func notModified(ifNoneMatch, tag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	if strings.TrimSpace(ifNoneMatch) == "*" {
		return true
	}
	opaque := strings.Trim(tag, "\"")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if strings.Trim(candidate, "\"") == opaque {
			return true
		}
	}
	return false
}

// resolve maps a request path to a file below the document root. It returns
// the HTTP status to send when the path cannot be served.
func (fs *FileServer) resolve(reqPath string) (string, os.FileInfo, int) {
	if i := strings.IndexByte(reqPath, '?'); i >= 0 {
		reqPath = reqPath[:i]
	}
	sub := strings.TrimPrefix(reqPath, fs.prefix)
	target := filepath.Join(fs.root, filepath.FromSlash("/"+sub))
	if target != fs.root && !strings.HasPrefix(target, fs.root+string(filepath.Separator)) {
		return "", nil, http.StatusNotFound
	}
	fi, err := os.Stat(target)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return "", nil, http.StatusNotFound
	case errors.Is(err, os.ErrPermission):
		return "", nil, http.StatusForbidden
	default:
		return "", nil, http.StatusInternalServerError
	}
	if fi.IsDir() {
		index := filepath.Join(target, indexFileName)
		ifi, err := os.Stat(index)
		if err != nil || ifi.IsDir() {
			return "", nil, http.StatusForbidden
		}
		return index, ifi, 0
	}
	return target, fi, 0
}

// Serve implements session.Handler.
func (fs *FileServer) Serve(ctx context.Context, t *session.Task) error {
	method := t.Method()
	if method != http.MethodGet && method != http.MethodHead {
		return WriteError(ctx, t, http.StatusMethodNotAllowed, "Method not allowed for this resource.")
	}

	path, fi, status := fs.resolve(t.Path())
	if status != 0 {
		fs.log.Info("File not served", logger.LogFields{"stream_id": t.ID(), "path": t.Path(), "status": status})
		return WriteError(ctx, t, status, "")
	}

	tag := etag(fi)
	lastModified := fi.ModTime().UTC().Format(http.TimeFormat)
	if notModified(t.Header("if-none-match"), tag) {
		return t.Respond(h2.NewResponse(http.StatusNotModified,
			hpack.HeaderField{Name: "etag", Value: tag},
			hpack.HeaderField{Name: "last-modified", Value: lastModified},
		))
	}

	resp := h2.NewResponse(http.StatusOK,
		hpack.HeaderField{Name: "content-type", Value: fs.mime.MimeType(path)},
		hpack.HeaderField{Name: "etag", Value: tag},
		hpack.HeaderField{Name: "last-modified", Value: lastModified},
	)
	resp.ContentLength = fi.Size()
	if method == http.MethodHead || fi.Size() == 0 {
		return t.Respond(resp)
	}

	f, err := os.Open(path)
	if err != nil {
		fs.log.Error("Failed to open file", logger.LogFields{"stream_id": t.ID(), "path": path, "error": err.Error()})
		return WriteError(ctx, t, http.StatusInternalServerError, "")
	}
	if err := t.Respond(resp); err != nil {
		_ = f.Close()
		return err
	}
	return t.WriteFile(ctx, f, 0, fi.Size())
}
