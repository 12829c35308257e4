package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/logger"
)

// ErrClientClosed is returned for requests on a client whose connection has
// ended.
var ErrClientClosed = errors.New("client connection closed")

// ClientRequest is a request sent by Client.Do.
type ClientRequest struct {
	Method  string
	Path    string
	Headers []hpack.HeaderField
	Body    []byte
}

// ClientResponse is what came back for a ClientRequest. A stream reset by the
// server has Reset set and whatever arrived before the reset.
type ClientResponse struct {
	Status    int
	Headers   []hpack.HeaderField
	Trailers  []hpack.HeaderField
	Body      []byte
	Reset     bool
	ResetCode h2.ErrorCode
}

// Header returns the first response header named name.
func (r *ClientResponse) Header(name string) string {
	for _, hf := range r.Headers {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// Trailer returns the first trailer named name.
func (r *ClientResponse) Trailer(name string) string {
	for _, hf := range r.Trailers {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

type clientStream struct {
	id   uint32
	send *h2.FlowControlWindow
	recv *h2.ReceiveWindow

	// Reader goroutine only until done is closed.
	resp        ClientResponse
	body        bytes.Buffer
	headersSeen bool

	done chan struct{}
	err  error
}

func (cs *clientStream) finish(err error) {
	select {
	case <-cs.done:
		return
	default:
	}
	cs.err = err
	cs.resp.Body = cs.body.Bytes()
	close(cs.done)
}

// Client is a minimal HTTP/2 client speaking prior-knowledge h2c over any
// net.Conn. It drives sessions in tests and in the load generator.
type Client struct {
	conn net.Conn
	fr   *http2.Framer
	log  *logger.Logger

	wmu    sync.Mutex
	enc    *h2.HeaderEncoder
	nextID uint32

	// Reader goroutine only.
	dec          *h2.HeaderDecoder
	hdrStream    uint32
	hdrEndStream bool
	connRecv     *h2.ReceiveWindow

	mu                sync.Mutex
	streams           map[uint32]*clientStream
	connSend          *h2.FlowControlWindow
	peerMaxFrame      uint32
	peerInitialWindow uint32
	windowChanged     chan struct{}
	goAwayID          uint32
	goAway            bool
	closeErr          error

	settings chan struct{}
	done     chan struct{}
}

// Dial starts a client on conn. It sends the connection preface and returns
// once the server's SETTINGS arrived.
func Dial(ctx context.Context, conn net.Conn, lg *logger.Logger) (*Client, error) {
	c := &Client{
		conn:              conn,
		fr:                http2.NewFramer(conn, conn),
		log:               lg.With(logger.LogFields{"component": "client"}),
		enc:               h2.NewHeaderEncoder(4096),
		nextID:            1,
		dec:               h2.NewHeaderDecoder(4096),
		connRecv:          h2.NewReceiveWindow(0, h2.DefaultInitialWindowSize),
		streams:           make(map[uint32]*clientStream),
		connSend:          h2.NewFlowControlWindow(h2.DefaultInitialWindowSize, 0),
		peerMaxFrame:      initialMaxFrameSize,
		peerInitialWindow: h2.DefaultInitialWindowSize,
		windowChanged:     make(chan struct{}),
		settings:          make(chan struct{}),
		done:              make(chan struct{}),
	}
	go c.readLoop()

	c.wmu.Lock()
	_, err := conn.Write([]byte(http2.ClientPreface))
	if err == nil {
		err = c.fr.WriteSettings()
	}
	c.wmu.Unlock()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to write client preface: %w", err)
	}

	select {
	case <-c.settings:
		return c, nil
	case <-c.done:
		return nil, c.closeErr
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}
}

// Close closes the connection and waits for the reader to stop.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) broadcastWindowLocked() {
	close(c.windowChanged)
	c.windowChanged = make(chan struct{})
}

// Do sends req and waits for the complete response.
func (c *Client) Do(ctx context.Context, req *ClientRequest) (*ClientResponse, error) {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "h2bridge"},
		{Name: ":path", Value: req.Path},
	}
	fields = append(fields, req.Headers...)
	if len(req.Body) > 0 {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(req.Body))})
	}

	cs, err := c.open(fields, len(req.Body) == 0)
	if err != nil {
		return nil, err
	}
	if err := c.sendBody(ctx, cs, req.Body); err != nil {
		return nil, err
	}

	select {
	case <-cs.done:
		if cs.err != nil {
			return nil, cs.err
		}
		resp := cs.resp
		return &resp, nil
	case <-ctx.Done():
		c.cancel(cs)
		return nil, ctx.Err()
	}
}

func (c *Client) open(fields []hpack.HeaderField, endStream bool) (*clientStream, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if c.closeErr != nil || c.goAway {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	id := c.nextID
	c.nextID += 2
	cs := &clientStream{
		id:   id,
		send: h2.NewFlowControlWindow(c.peerInitialWindow, id),
		recv: h2.NewReceiveWindow(id, h2.DefaultInitialWindowSize),
		done: make(chan struct{}),
	}
	c.streams[id] = cs
	maxFrame := int(c.peerMaxFrame)
	c.mu.Unlock()

	block, err := c.enc.Encode(fields)
	if err != nil {
		return nil, err
	}
	if err := writeHeaderBlock(c.fr, id, block, endStream, maxFrame); err != nil {
		return nil, err
	}
	return cs, nil
}

func (c *Client) sendBody(ctx context.Context, cs *clientStream, body []byte) error {
	for len(body) > 0 {
		c.mu.Lock()
		n := int64(len(body))
		if m := int64(c.peerMaxFrame); m < n {
			n = m
		}
		if a := c.connSend.Available(); a < n {
			n = a
		}
		if a := cs.send.Available(); a < n {
			n = a
		}
		wait := c.windowChanged
		if n > 0 {
			_, _ = c.connSend.Take(n)
			_, _ = cs.send.Take(n)
		}
		c.mu.Unlock()

		if n <= 0 {
			select {
			case <-wait:
				continue
			case <-cs.done:
				// Answered or reset before the body was through.
				return nil
			case <-ctx.Done():
				c.cancel(cs)
				return ctx.Err()
			}
		}

		c.wmu.Lock()
		err := c.fr.WriteData(cs.id, n == int64(len(body)), body[:n])
		c.wmu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to write DATA for stream %d: %w", cs.id, err)
		}
		body = body[n:]
	}
	return nil
}

func (c *Client) cancel(cs *clientStream) {
	c.wmu.Lock()
	_ = c.fr.WriteRSTStream(cs.id, http2.ErrCodeCancel)
	c.wmu.Unlock()
	c.mu.Lock()
	delete(c.streams, cs.id)
	c.mu.Unlock()
}

func (c *Client) stream(id uint32) *clientStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Client) endStream(cs *clientStream, err error) {
	c.mu.Lock()
	delete(c.streams, cs.id)
	c.mu.Unlock()
	cs.finish(err)
}

func (c *Client) write(fn func() error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return fn()
}

func (c *Client) readLoop() {
	err := c.readFrames()
	if err == nil || isClosedConn(err) {
		err = ErrClientClosed
	}
	c.mu.Lock()
	c.closeErr = err
	streams := c.streams
	c.streams = make(map[uint32]*clientStream)
	c.mu.Unlock()
	for _, cs := range streams {
		cs.finish(err)
	}
	close(c.done)
}

func (c *Client) readFrames() error {
	settingsSeen := false
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			return err
		}
		if c.hdrStream != 0 {
			cf, ok := f.(*http2.ContinuationFrame)
			if !ok || cf.StreamID != c.hdrStream {
				return errors.New("expected CONTINUATION frame")
			}
			if err := c.headerFragment(cf.StreamID, cf.HeaderBlockFragment(), cf.HeadersEnded()); err != nil {
				return err
			}
			continue
		}

		switch f := f.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			if err := c.applySettings(f); err != nil {
				return err
			}
			if !settingsSeen {
				settingsSeen = true
				close(c.settings)
			}
		case *http2.HeadersFrame:
			c.hdrStream = f.StreamID
			c.hdrEndStream = f.StreamEnded()
			if err := c.headerFragment(f.StreamID, f.HeaderBlockFragment(), f.HeadersEnded()); err != nil {
				return err
			}
		case *http2.DataFrame:
			if err := c.data(f); err != nil {
				return err
			}
		case *http2.RSTStreamFrame:
			if cs := c.stream(f.StreamID); cs != nil {
				cs.resp.Reset = true
				cs.resp.ResetCode = h2.ErrorCode(f.ErrCode)
				c.endStream(cs, nil)
			}
		case *http2.WindowUpdateFrame:
			c.mu.Lock()
			var werr error
			if f.StreamID == 0 {
				werr = c.connSend.Increase(f.Increment)
			} else if cs := c.streams[f.StreamID]; cs != nil {
				_ = cs.send.Increase(f.Increment)
			}
			c.broadcastWindowLocked()
			c.mu.Unlock()
			if werr != nil {
				return werr
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				data := f.Data
				if err := c.write(func() error { return c.fr.WritePing(true, data) }); err != nil {
					return err
				}
			}
		case *http2.GoAwayFrame:
			c.log.Debug("Server sent GOAWAY", logger.LogFields{"last_stream_id": f.LastStreamID, "code": f.ErrCode.String()})
			c.mu.Lock()
			c.goAway = true
			c.goAwayID = f.LastStreamID
			var refused []*clientStream
			for id, cs := range c.streams {
				if id > f.LastStreamID {
					refused = append(refused, cs)
					delete(c.streams, id)
				}
			}
			c.mu.Unlock()
			for _, cs := range refused {
				cs.finish(fmt.Errorf("stream %d not processed: %w", cs.id, ErrClientClosed))
			}
		}
	}
}

func (c *Client) applySettings(f *http2.SettingsFrame) error {
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxFrameSize:
			c.mu.Lock()
			c.peerMaxFrame = s.Val
			c.mu.Unlock()
		case http2.SettingInitialWindowSize:
			c.mu.Lock()
			c.peerInitialWindow = s.Val
			for _, cs := range c.streams {
				_ = cs.send.UpdateInitialWindowSize(s.Val)
			}
			c.broadcastWindowLocked()
			c.mu.Unlock()
		case http2.SettingHeaderTableSize:
			c.wmu.Lock()
			c.enc.SetMaxDynamicTableSize(s.Val)
			c.wmu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.write(c.fr.WriteSettingsAck)
}

func (c *Client) headerFragment(id uint32, frag []byte, ended bool) error {
	if err := c.dec.DecodeFragment(frag); err != nil {
		return err
	}
	if !ended {
		return nil
	}
	c.hdrStream = 0
	fields, err := c.dec.Finish()
	if err != nil {
		return err
	}
	cs := c.stream(id)
	if cs == nil {
		return nil
	}
	if !cs.headersSeen {
		status, err := h2.PseudoValue(fields, ":status")
		if err != nil {
			return err
		}
		code, err := strconv.Atoi(status)
		if err != nil {
			return fmt.Errorf("invalid :status %q: %w", status, err)
		}
		if code >= 100 && code < 200 {
			// Informational; the final response follows.
			return nil
		}
		cs.headersSeen = true
		cs.resp.Status = code
		for _, hf := range fields {
			if len(hf.Name) > 0 && hf.Name[0] != ':' {
				cs.resp.Headers = append(cs.resp.Headers, hf)
			}
		}
	} else {
		cs.resp.Trailers = append(cs.resp.Trailers, fields...)
	}
	if c.hdrEndStream {
		c.endStream(cs, nil)
	}
	return nil
}

func (c *Client) data(f *http2.DataFrame) error {
	n := f.Header().Length
	if err := c.connRecv.Receive(n); err != nil {
		return err
	}
	if inc := c.connRecv.Consume(int64(n)); inc > 0 {
		if err := c.write(func() error { return c.fr.WriteWindowUpdate(0, inc) }); err != nil {
			return err
		}
	}
	cs := c.stream(f.StreamID)
	if cs == nil {
		return nil
	}
	if err := cs.recv.Receive(n); err != nil {
		return err
	}
	cs.body.Write(f.Data())
	if f.StreamEnded() {
		c.endStream(cs, nil)
		return nil
	}
	if inc := cs.recv.Consume(int64(n)); inc > 0 {
		return c.write(func() error { return c.fr.WriteWindowUpdate(cs.id, inc) })
	}
	return nil
}
