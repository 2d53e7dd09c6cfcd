package h2core

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestStreamHeaderAndBodyLifecycle(t *testing.T) {
	s := newStream(1)
	require.Equal(t, streamIdle, s.State())

	require.NoError(t, s.WriteHeader(hpack.HeaderField{Name: ":method", Value: "GET"}))
	require.NoError(t, s.WriteEndOfHeaders())
	require.Equal(t, streamOpen, s.State())

	require.NoError(t, s.WriteData([]byte("hello")))
	require.NoError(t, s.WriteEndOfStream())
	require.Equal(t, streamHalfClosedRemote, s.State())

	// Idempotent.
	require.NoError(t, s.WriteEndOfStream())
	require.Equal(t, streamHalfClosedRemote, s.State())
}

func TestStreamRejectsDataAfterHalfClose(t *testing.T) {
	s := newStream(3)
	require.NoError(t, s.WriteEndOfHeaders())
	require.NoError(t, s.WriteEndOfStream())

	err := s.WriteData([]byte("late"))
	require.Error(t, err)
}

func TestStreamRejectsHeaderAfterEndHeaders(t *testing.T) {
	s := newStream(5)
	require.NoError(t, s.WriteHeader(hpack.HeaderField{Name: ":method", Value: "GET"}))
	require.NoError(t, s.WriteEndOfHeaders())

	err := s.WriteHeader(hpack.HeaderField{Name: "x-late", Value: "1"})
	require.Error(t, err)
}

func TestStreamReadWithoutResponseIsEOF(t *testing.T) {
	s := newStream(7)
	buf := make([]byte, 16)
	n, eos, err := s.Read(buf)
	require.Equal(t, 0, n)
	require.True(t, eos)
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamReadDrainsResponseBody(t *testing.T) {
	s := newStream(9)
	body := &BodySource{}
	body.Write([]byte("abc"))
	body.CloseWithError(nil)
	s.SetResponse(&Response{StreamID: 9, Status: 200, Body: body})

	buf := make([]byte, 16)
	n, eos, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf[:n]))
	require.True(t, eos)
}

func TestStreamReadWouldBlock(t *testing.T) {
	s := newStream(11)
	body := NewBodySource(nil)
	s.SetResponse(&Response{StreamID: 11, Status: 200, Body: body})

	buf := make([]byte, 16)
	n, eos, err := s.Read(buf)
	require.Equal(t, 0, n)
	require.False(t, eos)
	require.ErrorIs(t, err, errWouldBlock)
	require.True(t, isWouldBlock(err))
}

func TestStreamSuspendFlag(t *testing.T) {
	s := newStream(13)
	require.False(t, s.IsSuspended())
	s.SetSuspended(true)
	require.True(t, s.IsSuspended())
	s.close()
	require.False(t, s.IsSuspended())
	require.Equal(t, streamClosed, s.State())
}

func TestStreamRewriteFromHTTPRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://example.com/upgrade", bytes.NewBufferString("payload"))
	require.NoError(t, err)
	req.Header.Set("X-Custom", "yes")

	s := newStream(1)
	require.NoError(t, s.Rewrite(req))

	names := map[string]string{}
	for _, f := range s.headers {
		names[f.Name] = f.Value
	}
	require.Equal(t, "POST", names[":method"])
	require.Equal(t, "example.com", names[":authority"])
	require.Equal(t, "yes", names["X-Custom"])
	require.Equal(t, "payload", string(s.body))
}

func TestStreamTaskHandle(t *testing.T) {
	s := newStream(1)
	require.Nil(t, s.TaskHandle())
	tk := &workerTask{done: make(chan struct{})}
	close(tk.done)
	s.SetTask(tk)
	require.Same(t, Task(tk), s.TaskHandle())
}
