package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

func TestPriceCache_GetPrice(t *testing.T) {
	db, mock := redismock.NewClientMock()
	pc := NewPriceCache(Wrap(db, "capbot:"))

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectHGetAll("capbot:price:BTCUSD").SetVal(map[string]string{
		"price": "50123.5",
		"ts":    "1772366400000000000",
	})
	price, got, err := pc.GetPrice(context.Background(), "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, 50123.5, price)
	assert.True(t, ts.Equal(got))

	mock.ExpectHGetAll("capbot:price:ETHUSD").SetVal(map[string]string{})
	_, _, err = pc.GetPrice(context.Background(), "ETHUSD")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	mock.ExpectHGetAll("capbot:price:SOLUSD").SetErr(errors.New("conn reset"))
	_, _, err = pc.GetPrice(context.Background(), "SOLUSD")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_Held(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lm := NewLockManager(Wrap(db, "capbot:"))
	mock.Regexp().ExpectSetNX("capbot:lock:cycle", `.+`, time.Minute).SetVal(false)

	_, err := lm.Acquire(context.Background(), "cycle", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalBus_PublishNamespaced(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewSignalBus(Wrap(db, "capbot:"))
	mock.ExpectPublish("capbot:positions", []byte(`{"event":"position_opened"}`)).SetVal(1)

	require.NoError(t, bus.Publish(context.Background(), "positions", []byte(`{"event":"position_opened"}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalBus_StreamRead(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewSignalBus(Wrap(db, "capbot:"))

	mock.ExpectXRead(&redis.XReadArgs{
		Streams: []string{"capbot:opportunities", "0"},
		Count:   10,
		Block:   -1,
	}).SetVal([]redis.XStream{{
		Stream: "capbot:opportunities",
		Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]any{"payload": `{"symbol":"BTCUSD"}`}},
			{ID: "2-0", Values: map[string]any{"other": "x"}},
		},
	}})

	msgs, err := bus.StreamRead(context.Background(), "opportunities", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.JSONEq(t, `{"symbol":"BTCUSD"}`, string(msgs[0].Payload))

	mock.ExpectXRead(&redis.XReadArgs{
		Streams: []string{"capbot:opportunities", "1-0"},
		Count:   10,
		Block:   -1,
	}).RedisNil()
	msgs, err = bus.StreamRead(context.Background(), "opportunities", "1-0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.NoError(t, mock.ExpectationsWereMet())
}
