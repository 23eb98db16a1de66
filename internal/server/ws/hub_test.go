package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

type chanBus struct {
	subs map[string]chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.subs[channel], nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_RelaysBusChannels(t *testing.T) {
	bus := &chanBus{subs: map[string]chan []byte{
		"positions": make(chan []byte, 1),
		"decisions": make(chan []byte, 1),
	}}
	hub := NewHub(bus, []string{"positions", "decisions"},
		func() any { return map[string]string{"mode": "paper"} },
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dial(t, srv)

	status := read(t, conn)
	assert.Equal(t, StatusChannel, status.Channel)
	assert.JSONEq(t, `{"mode":"paper"}`, string(status.Data))

	bus.subs["positions"] <- []byte(`{"event":"position.opened","position_id":"p1"}`)
	env := read(t, conn)
	assert.Equal(t, "positions", env.Channel)
	assert.JSONEq(t, `{"event":"position.opened","position_id":"p1"}`, string(env.Data))

	close(bus.subs["positions"])
	close(bus.subs["decisions"])
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(&chanBus{}, []string{"positions", "decisions"}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dial(t, srv)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{"positions"}}))

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.subscribed("positions")
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast("positions", []byte(`{"skip":true}`))
	hub.Broadcast("decisions", []byte(`{"decisions":[]}`))
	env := read(t, conn)
	assert.Equal(t, "decisions", env.Channel)
}

func TestHub_DropsInvalidPayload(t *testing.T) {
	hub := NewHub(&chanBus{}, []string{"positions"}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast("positions", []byte("not json"))
	hub.Broadcast("positions", []byte(`{"ok":true}`))
	env := read(t, conn)
	assert.JSONEq(t, `{"ok":true}`, string(env.Data))
}
