package http2

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// HeaderEncoder HPACK-encodes header blocks for one direction of a session.
// The dynamic table persists across blocks, so a session must use a single
// encoder for everything it sends and must not share it between goroutines.
type HeaderEncoder struct {
	enc *hpack.Encoder
	buf bytes.Buffer
}

// NewHeaderEncoder returns an encoder whose dynamic table is capped at
// maxTableSize, the peer's SETTINGS_HEADER_TABLE_SIZE.
func NewHeaderEncoder(maxTableSize uint32) *HeaderEncoder {
	e := &HeaderEncoder{}
	e.enc = hpack.NewEncoder(&e.buf)
	e.enc.SetMaxDynamicTableSize(maxTableSize)
	return e
}

// SetMaxDynamicTableSize applies a new table size received from the peer.
func (e *HeaderEncoder) SetMaxDynamicTableSize(size uint32) {
	e.enc.SetMaxDynamicTableSize(size)
}

// Encode encodes fields into a single header block. The returned slice is a
// copy and stays valid across calls.
func (e *HeaderEncoder) Encode(fields []hpack.HeaderField) ([]byte, error) {
	e.buf.Reset()
	for _, hf := range fields {
		if hf.Name == "" {
			return nil, fmt.Errorf("hpack: invalid header field name: name is empty (value: %q)", hf.Value)
		}
		if hf.Name != strings.ToLower(hf.Name) {
			return nil, fmt.Errorf("hpack: header field name %q must be lowercase", hf.Name)
		}
		if err := e.enc.WriteField(hf); err != nil {
			return nil, fmt.Errorf("hpack: failed to encode header field %q: %w", hf.Name, err)
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

// HeaderDecoder accumulates header fields across the fragments of a header
// block (HEADERS followed by CONTINUATION frames).
type HeaderDecoder struct {
	dec    *hpack.Decoder
	fields []hpack.HeaderField
}

// NewHeaderDecoder returns a decoder with a dynamic table of maxTableSize, the
// SETTINGS_HEADER_TABLE_SIZE this side advertises.
func NewHeaderDecoder(maxTableSize uint32) *HeaderDecoder {
	d := &HeaderDecoder{}
	d.dec = hpack.NewDecoder(maxTableSize, func(hf hpack.HeaderField) {
		d.fields = append(d.fields, hf)
	})
	return d
}

// SetMaxStringLength bounds the length of any single decoded name or value.
func (d *HeaderDecoder) SetMaxStringLength(n int) {
	d.dec.SetMaxStringLength(n)
}

// DecodeFragment feeds one fragment of the current header block.
func (d *HeaderDecoder) DecodeFragment(fragment []byte) error {
	if _, err := d.dec.Write(fragment); err != nil {
		return fmt.Errorf("hpack: failed to decode header fragment: %w", err)
	}
	return nil
}

// Finish completes the current header block and returns its fields. The
// decoder is ready for the next block afterwards, even on error.
func (d *HeaderDecoder) Finish() ([]hpack.HeaderField, error) {
	err := d.dec.Close()
	fields := d.fields
	d.fields = nil
	if err != nil {
		return fields, fmt.Errorf("hpack: header block is truncated: %w", err)
	}
	return fields, nil
}

// DecodeBlock decodes a complete header block in one call.
func (d *HeaderDecoder) DecodeBlock(block []byte) ([]hpack.HeaderField, error) {
	if err := d.DecodeFragment(block); err != nil {
		d.fields = nil
		return nil, err
	}
	return d.Finish()
}

var errMissingPseudo = errors.New("missing required pseudo-header")

// PseudoValue returns the value of the pseudo-header name (e.g. ":method").
// Pseudo-headers must precede regular fields; a misplaced one is an error.
func PseudoValue(fields []hpack.HeaderField, name string) (string, error) {
	regular := false
	for _, hf := range fields {
		if !strings.HasPrefix(hf.Name, ":") {
			regular = true
			continue
		}
		if regular {
			return "", fmt.Errorf("pseudo-header %s after regular header fields", hf.Name)
		}
		if hf.Name == name {
			return hf.Value, nil
		}
	}
	return "", fmt.Errorf("%w %s", errMissingPseudo, name)
}
