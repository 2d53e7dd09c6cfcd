package h2core

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBodySourceWouldBlockThenData(t *testing.T) {
	var notified int
	b := NewBodySource(func() { notified++ })

	buf := make([]byte, 8)
	n, err := b.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, errWouldBlock)
	require.False(t, b.hasData())

	_, err = b.Write([]byte("hi"))
	require.NoError(t, err)
	require.True(t, notified > 0)
	require.True(t, b.hasData())

	n, err = b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
	require.False(t, b.hasData())
}

func TestBodySourceCloseSignalsEOF(t *testing.T) {
	b := NewBodySource(nil)
	b.CloseWithError(nil)
	require.True(t, b.hasData())

	buf := make([]byte, 4)
	n, err := b.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestBodySourceWriteAfterCloseFails(t *testing.T) {
	b := NewBodySource(nil)
	b.CloseWithError(nil)
	_, err := b.Write([]byte("late"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestBodySourceCloseIsSticky(t *testing.T) {
	b := NewBodySource(nil)
	b.CloseWithError(io.EOF)
	b.CloseWithError(nil) // second call is a no-op

	buf := make([]byte, 4)
	_, err := b.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}
