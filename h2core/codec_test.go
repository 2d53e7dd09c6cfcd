package h2core

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// pipeCodec returns a codec wired to one end of an in-memory net.Pipe,
// plus a raw *http2.Framer over the other end standing in for the peer
// — the same net.Pipe + Framer combination the session itself uses,
// just driven directly so a test can assert on exact frames.
func pipeCodec(t *testing.T) (*codec, *http2.Framer, func()) {
	server, client := net.Pipe()
	c := newCodec(server)
	peer := http2.NewFramer(client, client)
	return c, peer, func() { server.Close(); client.Close() }
}

func TestCodecWriteDataRespectsStreamWindow(t *testing.T) {
	c, peer, cleanup := pipeCodec(t)
	defer cleanup()

	c.streamSendWindow[1] = 4 // force a tiny window

	go func() {
		n, err := c.WriteData(1, []byte("hello world"), true)
		require.NoError(t, err)
		require.Equal(t, 4, n)
		require.NoError(t, c.Send())
	}()

	f, err := peer.ReadFrame()
	require.NoError(t, err)
	df, ok := f.(*http2.DataFrame)
	require.True(t, ok)
	require.Equal(t, "hell", string(df.Data()))
	require.False(t, df.StreamEnded())

	// The remaining 7 bytes were queued in c.pending, not dropped.
	require.Len(t, c.pending, 1)
	require.Equal(t, "o world", string(c.pending[0].payload))
}

func TestCodecWindowUpdateFlushesPending(t *testing.T) {
	c, peer, cleanup := pipeCodec(t)
	defer cleanup()

	c.streamSendWindow[1] = 0
	c.pending = append(c.pending, pendingData{streamID: 1, payload: []byte("abc"), endStream: true})

	done := make(chan struct{})
	go func() {
		c.applyWindowUpdate(&http2.WindowUpdateFrame{
			FrameHeader: http2.FrameHeader{StreamID: 1},
			Increment:   10,
		})
		require.NoError(t, c.Send())
		close(done)
	}()

	f, err := peer.ReadFrame()
	require.NoError(t, err)
	<-done

	df, ok := f.(*http2.DataFrame)
	require.True(t, ok)
	require.Equal(t, "abc", string(df.Data()))
	require.True(t, df.StreamEnded())
	require.Empty(t, c.pending)
}

func TestCodecSubmitResponseSplitsContinuation(t *testing.T) {
	c, peer, cleanup := pipeCodec(t)
	defer cleanup()

	c.maxFrameSize = 16 // force a split well below a real header block

	fields := []hpack.HeaderField{
		{Name: "content-type", Value: "text/plain; charset=utf-8"},
		{Name: "x-extra", Value: "some-fairly-long-header-value-to-force-a-split"},
	}

	go func() {
		require.NoError(t, c.SubmitResponse(1, 200, fields, false))
		require.NoError(t, c.Send())
	}()

	first, err := peer.ReadFrame()
	require.NoError(t, err)
	hf, ok := first.(*http2.HeadersFrame)
	require.True(t, ok)
	require.False(t, hf.HeadersEnded())

	// Drain every CONTINUATION frame the split produced; the last one
	// carries END_HEADERS.
	sawContinuation := false
	for {
		f, err := peer.ReadFrame()
		require.NoError(t, err)
		cont, ok := f.(*http2.ContinuationFrame)
		require.True(t, ok)
		sawContinuation = true
		if cont.HeadersEnded() {
			break
		}
	}
	require.True(t, sawContinuation)
}

func TestCodecApplyEmptySettingsLeavesStreamWindows(t *testing.T) {
	c, _, cleanup := pipeCodec(t)
	defer cleanup()

	c.streamSendWindow[1] = defaultInitialWindow

	err := c.applyPeerSettings(&http2.SettingsFrame{})
	_ = err // ForeachSetting over a zero-value frame visits nothing; just exercise the no-op path
	require.Equal(t, int32(defaultInitialWindow), c.streamSendWindow[1])
}

func TestCodecConsumeWritesWindowUpdates(t *testing.T) {
	c, peer, cleanup := pipeCodec(t)
	defer cleanup()

	go func() {
		require.NoError(t, c.Consume(3, 100))
		require.NoError(t, c.Send())
	}()

	f1, err := peer.ReadFrame()
	require.NoError(t, err)
	w1, ok := f1.(*http2.WindowUpdateFrame)
	require.True(t, ok)
	require.Equal(t, uint32(100), w1.Increment)

	f2, err := peer.ReadFrame()
	require.NoError(t, err)
	w2, ok := f2.(*http2.WindowUpdateFrame)
	require.True(t, ok)
	require.Equal(t, uint32(100), w2.Increment)

	// One of the two updates targets the stream, the other the connection.
	ids := map[uint32]bool{w1.StreamID: true, w2.StreamID: true}
	require.True(t, ids[3])
	require.True(t, ids[0])
}
