package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyquiz/internal/realtime"
)

func TestHub(t *testing.T) {
	hub := realtime.NewHub()
	hooks := &recordHooks{established: make(chan string, 1), lost: make(chan string, 1)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, hooks)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	var id string
	select {
	case id = <-hooks.established:
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}
	assert.Equal(t, 1, hub.Len())

	assert.True(t, hub.Deliver(id, []byte(`{"event":"newConnection","args":[]}`)))
	assert.False(t, hub.Deliver("unknown", []byte("{}")))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"newConnection","args":[]}`, string(msg))

	require.NoError(t, conn.Close())

	select {
	case lost := <-hooks.lost:
		assert.Equal(t, id, lost)
	case <-time.After(time.Second):
		t.Fatal("connection loss was not observed")
	}
	assert.Equal(t, 0, hub.Len())
}

func TestHub_Close(t *testing.T) {
	hub := realtime.NewHub()
	hooks := &recordHooks{established: make(chan string, 1), lost: make(chan string, 1)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, hooks)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	<-hooks.established
	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), "got %v", err)
}

type recordHooks struct {
	mu          sync.Mutex
	established chan string
	lost        chan string
}

func (h *recordHooks) OnConnectionEstablished(_ context.Context, connectionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.established <- connectionID
	return nil
}

func (h *recordHooks) OnConnectionLost(_ context.Context, connectionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lost <- connectionID
	return nil
}
