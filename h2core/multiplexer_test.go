package h2core

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/require"
)

func testLogger() logger {
	base := log15.New()
	base.SetHandler(log15.DiscardHandler())
	return newLogger(base, 1)
}

func TestDefaultMultiplexerDispatchSimpleResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	})

	mp := newDefaultMultiplexer(testLogger(), handler, 4)
	mp.OpenIO(1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	task := mp.Dispatch(1, req)
	require.NotNil(t, task)

	deadline := time.Now().Add(time.Second)
	for !task.Finished() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.True(t, task.Finished())

	resp, ok := mp.PopResponse()
	require.True(t, ok)
	require.Equal(t, uint32(1), resp.StreamID)
	require.Equal(t, http.StatusOK, resp.Status)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestDefaultMultiplexerSilentHandlerStillFlushesResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	mp := newDefaultMultiplexer(testLogger(), handler, 1)
	mp.OpenIO(1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	task := mp.Dispatch(1, req)

	deadline := time.Now().Add(time.Second)
	for !task.Finished() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	resp, ok := mp.PopResponse()
	require.True(t, ok)
	require.Equal(t, http.StatusOK, resp.Status)
}

func TestDefaultMultiplexerAbortUnblocksDispatch(t *testing.T) {
	block := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	})

	mp := newDefaultMultiplexer(testLogger(), handler, 1)
	mp.OpenIO(1)

	// Occupy the only worker slot.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	mp.Dispatch(1, req)

	// A second dispatch blocks on the semaphore; Abort must unblock it
	// with an immediate empty response rather than hanging forever.
	done := make(chan Task, 1)
	go func() {
		done <- mp.Dispatch(2, req)
	}()

	time.Sleep(10 * time.Millisecond)
	mp.Abort()
	close(block)

	select {
	case task := <-done:
		require.True(t, task.Finished())
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not unblock after Abort")
	}
}

func TestDefaultMultiplexerInUpdateWindowsDrainsAndClears(t *testing.T) {
	mp := newDefaultMultiplexer(testLogger(), http.NotFoundHandler(), 1)
	mp.CreditInput(5, 10)
	mp.CreditInput(5, 5)
	mp.CreditInput(7, 3)

	seen := map[uint32]int{}
	mp.InUpdateWindows(func(id uint32, n int) { seen[id] = n })
	require.Equal(t, 15, seen[5])
	require.Equal(t, 3, seen[7])

	seen2 := map[uint32]int{}
	mp.InUpdateWindows(func(id uint32, n int) { seen2[id] = n })
	require.Empty(t, seen2)
}
