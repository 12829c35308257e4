package handlers

import (
	"mime"
	"path/filepath"
	"strings"
)

const octetStream = "application/octet-stream"

// builtinMimeTypes covers extensions the platform tables often lack or map
// without a charset.
var builtinMimeTypes = map[string]string{
	".css":   "text/css; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".gz":    "application/gzip",
	".htm":   "text/html; charset=utf-8",
	".html":  "text/html; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".txt":   "text/plain; charset=utf-8",
	".wasm":  "application/wasm",
	".webp":  "image/webp",
	".woff2": "font/woff2",
	".xml":   "application/xml; charset=utf-8",
	".zip":   "application/zip",
}

// MimeTypeResolver picks the content-type of a served file from its
// extension.
type MimeTypeResolver struct {
	custom map[string]string
}

// NewMimeTypeResolver returns a resolver that consults custom before the
// built-in and platform tables. Keys of custom are extensions with their dot.
func NewMimeTypeResolver(custom map[string]string) *MimeTypeResolver {
	r := &MimeTypeResolver{custom: make(map[string]string, len(custom))}
	for ext, ct := range custom {
		r.custom[strings.ToLower(ext)] = ct
	}
	return r
}

// MimeType returns the content-type for path, application/octet-stream when
// nothing matches.
func (r *MimeTypeResolver) MimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return octetStream
	}
	if ct, ok := r.custom[ext]; ok {
		return ct
	}
	if ct, ok := builtinMimeTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return octetStream
}
