package h2core

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// codec is the thin wire-level wrapper the session drives; it is the
// concrete stand-in for the spec's "external codec library" contract
// (§6), built on golang.org/x/net/http2's Framer and hpack package
// instead of the hand-rolled frame parser and Huffman coder the teacher
// carried (those are a named Non-goal here; see DESIGN.md). Everything
// above the wire — stream lifecycle, suspend/resume, zombie reaping —
// lives in session.go/pump.go/callbacks.go, never here.
type codec struct {
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	framer *http2.Framer

	hpackEnc *hpack.Encoder
	encBuf   *bytes.Buffer

	maxFrameSize uint32

	initWindow       int32
	connSendWindow   int32
	streamSendWindow map[uint32]int32
	pending          []pendingData

	peerMaxConcurrentStreams uint32
	lastProcStreamID         uint32
	terminated               bool

	// drainedStreams collects the stream IDs whose final, end-of-stream
	// DATA chunk was sitting in pending (deferred for flow control) and
	// has since been flushed by flushPending without pumpStreamData ever
	// calling back to notice. The session drains this after anything
	// that can trigger a flush (WINDOW_UPDATE, an initial-window-size
	// SETTINGS change) so it can still close the stream.
	drainedStreams []uint32
}

type pendingData struct {
	streamID  uint32
	payload   []byte
	endStream bool
}

const defaultInitialWindow = 65535

func newCodec(conn net.Conn) *codec {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	framer := http2.NewFramer(bw, br)
	framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	framer.SetMaxReadFrameSize(maxFrameSize)

	buf := new(bytes.Buffer)
	enc := hpack.NewEncoder(buf)

	return &codec{
		conn:             conn,
		br:               br,
		bw:               bw,
		framer:           framer,
		hpackEnc:         enc,
		encBuf:           buf,
		maxFrameSize:     maxFrameSize,
		initWindow:       defaultInitialWindow,
		connSendWindow:   defaultInitialWindow,
		streamSendWindow: make(map[uint32]int32),
	}
}

const maxFrameSize = 16384

// readClientPreface blocks until the fixed 24-byte HTTP/2 client
// preface has been read and validated. Called once, before Start.
func (c *codec) readClientPreface() error {
	buf := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return newH2Error(errProtocol, "failed to read client preface: %s", err)
	}
	if string(buf) != http2.ClientPreface {
		return newH2Error(errProtocol, "invalid client preface")
	}
	return nil
}

// ReadFrame pulls one frame, blocking until it arrives or the deadline
// (set by the caller according to its blockMode) expires.
func (c *codec) ReadFrame() (http2.Frame, error) {
	return c.framer.ReadFrame()
}

func (c *codec) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// WantWrite reports whether bytes are buffered locally waiting to be
// flushed to the peer, or DATA is queued in pending waiting for
// send-window credit.
func (c *codec) WantWrite() bool {
	return c.bw.Buffered() > 0 || len(c.pending) > 0
}

// WantRead is true until TerminateSession has been called (by a final
// GOAWAY or an abort). Unlike nghttp2, this wrapper does not track
// whether a terminal GOAWAY was observed from the peer; Session.IsDone
// combines this flag with aborted and the active and zombie stream
// counts.
func (c *codec) WantRead() bool {
	return !c.terminated
}

// Send flushes any buffered output to the peer.
func (c *codec) Send() error {
	if err := c.bw.Flush(); err != nil {
		return newH2Error(errInternal, "flush: %s", err)
	}
	return nil
}

func (c *codec) SubmitSettings(settings ...http2.Setting) error {
	if err := c.framer.WriteSettings(settings...); err != nil {
		return newH2Error(errInternal, "write settings: %s", err)
	}
	return nil
}

func (c *codec) ackSettings() error {
	if err := c.framer.WriteSettingsAck(); err != nil {
		return newH2Error(errInternal, "write settings ack: %s", err)
	}
	return nil
}

// applyPeerSettings mirrors the teacher's writer.go changeSettings: an
// initial-window-size change shifts every tracked per-stream send
// window by the delta, and a max-frame-size change is simply recorded.
func (c *codec) applyPeerSettings(f *http2.SettingsFrame) error {
	return f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			diff := int32(s.Val) - c.initWindow
			for id := range c.streamSendWindow {
				c.streamSendWindow[id] += diff
			}
			c.initWindow = int32(s.Val)
			c.flushPending()
		case http2.SettingMaxFrameSize:
			c.maxFrameSize = s.Val
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxConcurrentStreams = s.Val
		case http2.SettingHeaderTableSize:
			c.hpackEnc.SetMaxDynamicTableSize(s.Val)
		}
		return nil
	})
}

// applyUpgradeSettings decodes the base64url HTTP2-Settings payload
// carried by an h2c upgrade request and applies it exactly like an
// inbound SETTINGS frame, except no ACK is ever sent for it (RFC 7540
// §3.2).
func (c *codec) applyUpgradeSettings(encoded string) error {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return newH2Error(errProtocol, "invalid HTTP2-Settings payload: %s", err)
	}
	if len(raw)%6 != 0 {
		return newH2Error(errProtocol, "HTTP2-Settings payload is not a multiple of 6 bytes")
	}
	for i := 0; i+6 <= len(raw); i += 6 {
		id := http2.SettingID(binary.BigEndian.Uint16(raw[i:]))
		val := binary.BigEndian.Uint32(raw[i+2:])
		switch id {
		case http2.SettingInitialWindowSize:
			c.initWindow = int32(val)
		case http2.SettingMaxFrameSize:
			c.maxFrameSize = val
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxConcurrentStreams = val
		case http2.SettingHeaderTableSize:
			c.hpackEnc.SetMaxDynamicTableSize(val)
		}
	}
	return nil
}

// encodeHeaders runs the status + header list through the shared HPACK
// encoder and returns the resulting header block.
func (c *codec) encodeHeaders(status int, fields []hpack.HeaderField) []byte {
	c.encBuf.Reset()
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	for _, f := range fields {
		c.hpackEnc.WriteField(f)
	}
	block := make([]byte, c.encBuf.Len())
	copy(block, c.encBuf.Bytes())
	return block
}

// SubmitResponse writes the HEADERS (+ CONTINUATION, if the encoded
// block exceeds one frame) for a response. The body is handled
// separately by the pump via WriteData, one pull at a time.
func (c *codec) SubmitResponse(streamID uint32, status int, fields []hpack.HeaderField, endStream bool) error {
	block := c.encodeHeaders(status, fields)
	return c.writeHeaderBlock(streamID, block, endStream)
}

func (c *codec) writeHeaderBlock(streamID uint32, block []byte, endStream bool) error {
	if len(block) <= int(c.maxFrameSize) {
		err := c.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: block,
			EndHeaders:    true,
			EndStream:     endStream,
		})
		if err != nil {
			return newH2Error(errInternal, "write headers: %s", err)
		}
		return nil
	}

	first, rest := block[:c.maxFrameSize], block[c.maxFrameSize:]
	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndHeaders:    false,
		EndStream:     endStream,
	}); err != nil {
		return newH2Error(errInternal, "write headers: %s", err)
	}

	for len(rest) > int(c.maxFrameSize) {
		chunk := rest[:c.maxFrameSize]
		rest = rest[c.maxFrameSize:]
		if err := c.framer.WriteContinuation(streamID, false, chunk); err != nil {
			return newH2Error(errInternal, "write continuation: %s", err)
		}
	}
	if err := c.framer.WriteContinuation(streamID, true, rest); err != nil {
		return newH2Error(errInternal, "write continuation: %s", err)
	}
	return nil
}

// WriteData writes up to len(p) bytes of DATA for streamID, clipped to
// both the connection- and stream-level send windows and to
// maxFrameSize. It returns the number of bytes actually written; 0
// means the stream is currently window-blocked (the payload was queued
// for a later flushPending, not dropped).
func (c *codec) WriteData(streamID uint32, p []byte, endStream bool) (int, error) {
	if _, ok := c.streamSendWindow[streamID]; !ok {
		c.streamSendWindow[streamID] = c.initWindow
	}

	limit := len(p)
	if limit > int(c.maxFrameSize) {
		limit = int(c.maxFrameSize)
	}
	if int32(limit) > c.connSendWindow {
		limit = int(c.connSendWindow)
	}
	if int32(limit) > c.streamSendWindow[streamID] {
		limit = int(c.streamSendWindow[streamID])
	}

	if limit <= 0 {
		if limit == 0 && len(p) == 0 && endStream {
			// A zero-length, end-of-stream DATA frame is never
			// window-gated.
		} else {
			c.pending = append(c.pending, pendingData{streamID: streamID, payload: p, endStream: endStream})
			return 0, nil
		}
	}

	chunk := p[:limit]
	wroteEnd := endStream && limit == len(p)
	if err := c.framer.WriteData(streamID, wroteEnd, chunk); err != nil {
		return 0, newH2Error(errInternal, "write data: %s", err)
	}

	c.connSendWindow -= int32(limit)
	c.streamSendWindow[streamID] -= int32(limit)

	if limit < len(p) {
		c.pending = append(c.pending, pendingData{streamID: streamID, payload: p[limit:], endStream: endStream})
	}

	return limit, nil
}

// applyWindowUpdate handles an inbound WINDOW_UPDATE, crediting either
// the connection window (stream id 0) or one stream's window, then
// retries anything queued in pending.
func (c *codec) applyWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		c.connSendWindow += int32(f.Increment)
	} else {
		if _, ok := c.streamSendWindow[f.StreamID]; !ok {
			c.streamSendWindow[f.StreamID] = c.initWindow
		}
		c.streamSendWindow[f.StreamID] += int32(f.Increment)
	}
	c.flushPending()
}

func (c *codec) flushPending() {
	retry := c.pending
	c.pending = nil
	for _, pd := range retry {
		// WriteData re-queues any leftover on its own if it is still
		// partially window-blocked.
		n, err := c.WriteData(pd.streamID, pd.payload, pd.endStream)
		if err != nil {
			break
		}
		if pd.endStream && n == len(pd.payload) {
			c.drainedStreams = append(c.drainedStreams, pd.streamID)
		}
	}
}

// TakeDrainedStreams returns, and clears, the stream IDs flushPending
// has since carried across the finish line (see drainedStreams).
func (c *codec) TakeDrainedStreams() []uint32 {
	drained := c.drainedStreams
	c.drainedStreams = nil
	return drained
}

// Consume credits n bytes of input back to the peer for streamID, both
// at the stream and connection level — the manual equivalent of
// nghttp2_session_consume when automatic window updates are disabled.
func (c *codec) Consume(streamID uint32, n int) error {
	if n <= 0 {
		return nil
	}
	if err := c.framer.WriteWindowUpdate(streamID, uint32(n)); err != nil {
		return newH2Error(errInternal, "write window update: %s", err)
	}
	if err := c.framer.WriteWindowUpdate(0, uint32(n)); err != nil {
		return newH2Error(errInternal, "write window update: %s", err)
	}
	return nil
}

func (c *codec) SubmitRstStream(streamID uint32, code errorCode) error {
	if streamID > c.lastProcStreamID {
		c.lastProcStreamID = streamID
	}
	if err := c.framer.WriteRSTStream(streamID, http2.ErrCode(code)); err != nil {
		return newH2Error(errInternal, "write rst_stream: %s", err)
	}
	return nil
}

// SubmitGoAway sends a terminal GOAWAY advertising lastProcStreamID.
func (c *codec) SubmitGoAway(code errorCode, debug []byte) error {
	if err := c.framer.WriteGoAway(c.lastProcStreamID, http2.ErrCode(code), debug); err != nil {
		return newH2Error(errInternal, "write goaway: %s", err)
	}
	return nil
}

// SubmitAbortGoAway sends a terminal GOAWAY advertising last_stream_id=0,
// RFC 7540 §6.8's "nothing on this connection was processed" signal for
// an immediate abort, as distinct from SubmitGoAway's orderly shutdown
// (which advertises the last stream actually reached).
func (c *codec) SubmitAbortGoAway(code errorCode, debug []byte) error {
	if err := c.framer.WriteGoAway(0, http2.ErrCode(code), debug); err != nil {
		return newH2Error(errInternal, "write goaway: %s", err)
	}
	return nil
}

// SubmitShutdownNotice sends a non-terminal GOAWAY advertising the
// maximum stream id with NO_ERROR — RFC 7540 §6.8's "warn the peer a
// real GOAWAY is coming later" notice, allowing in-flight streams to
// complete.
func (c *codec) SubmitShutdownNotice() error {
	if err := c.framer.WriteGoAway(1<<31-1, http2.ErrCodeNo, nil); err != nil {
		return newH2Error(errInternal, "write shutdown notice: %s", err)
	}
	return nil
}

// ResumeData does nothing in this codec: unlike nghttp2, which keeps
// its own deferred-data queue internally and must be told to retry it,
// this codec has no such queue — the pump itself retries stream.Read
// right after clearing the suspend flag. The call still exists so the
// pump's control flow matches the spec's contract shape; resume events
// are counted by the session (Stats().ResumeCount), not traced here.
func (c *codec) ResumeData(streamID uint32) {}

func (c *codec) TerminateSession() {
	c.terminated = true
}

func (c *codec) GetLastProcStreamID() uint32 { return c.lastProcStreamID }

func (c *codec) noteStreamClosed(streamID uint32) {
	if streamID > c.lastProcStreamID {
		c.lastProcStreamID = streamID
	}
}

