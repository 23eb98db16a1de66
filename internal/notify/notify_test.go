package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	name   string
	fail   bool
	titles []string
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	if c.fail {
		return errors.New("boom")
	}
	c.titles = append(c.titles, title)
	return nil
}

func (c *captureSender) Name() string { return c.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersButCriticalAlwaysPasses(t *testing.T) {
	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, []string{EventPositionClosed}, 8, discard())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, Alert{Event: EventPositionOpened, Title: "opened"}))
	require.NoError(t, n.Notify(ctx, Alert{Event: EventPositionClosed, Title: "closed"}))
	require.NoError(t, n.Notify(ctx, Alert{Event: EventDegraded, Severity: SeverityCritical, Title: "db"}))

	assert.Equal(t, []string{"closed", "[CRITICAL] db"}, s.titles)
}

func TestNotifier_OneFailingSenderDoesNotBlockOthers(t *testing.T) {
	bad := &captureSender{name: "bad", fail: true}
	good := &captureSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, 8, discard())

	err := n.Notify(context.Background(), Alert{Event: "x", Title: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, []string{"hello"}, good.titles)
}

func TestNotifier_EnqueueDropsWhenFull(t *testing.T) {
	n := NewNotifier([]Sender{&captureSender{name: "cap"}}, nil, 1, discard())

	assert.True(t, n.Enqueue(Alert{Title: "a"}))
	assert.False(t, n.Enqueue(Alert{Title: "b"}))
}

func TestHealthAlerter_Cooldown(t *testing.T) {
	n := NewNotifier([]Sender{&captureSender{name: "cap"}}, nil, 8, discard())
	h := NewHealthAlerter(n, time.Minute, discard())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.ReportDegraded(context.Background(), "open", "pos-1", errors.New("db down"))
	h.ReportDegraded(context.Background(), "open", "pos-1", errors.New("db down"))
	h.ReportDegraded(context.Background(), "close", "pos-1", errors.New("db down"))
	assert.Len(t, n.queue, 2)

	now = now.Add(2 * time.Minute)
	h.ReportDegraded(context.Background(), "open", "pos-1", errors.New("db down"))
	assert.Len(t, n.queue, 3)
}

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
