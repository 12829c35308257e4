package http2

import (
	"fmt"
	"strconv"

	"golang.org/x/net/http2/hpack"
)

// Response describes the head of a stream's response as produced by the task.
type Response struct {
	Status  int
	Headers []hpack.HeaderField
	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64
	// Trailers are sent in a HEADERS frame after the body, if any.
	Trailers []hpack.HeaderField
	// FilterOverride names the output filter the session uses for the body
	// (session.FilterSegments or session.FilterCopy). Empty means the default.
	FilterOverride string
	// RstError, when non-zero, tells the session to reset the stream with
	// this code instead of sending the response.
	RstError ErrorCode
}

// NewResponse returns a response with the given status and headers and an
// unknown content length.
func NewResponse(status int, headers ...hpack.HeaderField) *Response {
	return &Response{Status: status, Headers: headers, ContentLength: -1}
}

// Copy returns a deep copy of r.
func (r *Response) Copy() *Response {
	if r == nil {
		return nil
	}
	c := *r
	if r.Headers != nil {
		c.Headers = append([]hpack.HeaderField(nil), r.Headers...)
	}
	if r.Trailers != nil {
		c.Trailers = append([]hpack.HeaderField(nil), r.Trailers...)
	}
	return &c
}

// HeaderFields returns the fields of the response header block, starting with
// :status. A content-length field is added when the length is known and the
// headers do not carry one already.
func (r *Response) HeaderFields() ([]hpack.HeaderField, error) {
	if r.Status < 100 || r.Status > 999 {
		return nil, fmt.Errorf("invalid response status %d", r.Status)
	}
	fields := make([]hpack.HeaderField, 0, len(r.Headers)+2)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(r.Status)})
	hasLength := false
	for _, hf := range r.Headers {
		if len(hf.Name) > 0 && hf.Name[0] == ':' {
			return nil, fmt.Errorf("response header %q: pseudo-headers other than :status are not allowed", hf.Name)
		}
		if hf.Name == "content-length" {
			hasLength = true
		}
		fields = append(fields, hf)
	}
	if r.ContentLength >= 0 && !hasLength {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(r.ContentLength, 10)})
	}
	return fields, nil
}

// HeaderBlock encodes the response header block with enc.
func (r *Response) HeaderBlock(enc *HeaderEncoder) ([]byte, error) {
	fields, err := r.HeaderFields()
	if err != nil {
		return nil, err
	}
	return enc.Encode(fields)
}

// TrailerBlock encodes the trailers with enc. It returns nil when there are
// none.
func (r *Response) TrailerBlock(enc *HeaderEncoder) ([]byte, error) {
	if len(r.Trailers) == 0 {
		return nil, nil
	}
	for _, hf := range r.Trailers {
		if len(hf.Name) > 0 && hf.Name[0] == ':' {
			return nil, fmt.Errorf("trailer %q: pseudo-headers are not allowed in trailers", hf.Name)
		}
	}
	return enc.Encode(r.Trailers)
}
