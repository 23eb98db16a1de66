package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type closedStore struct {
	domain.LedgerStore
	closed []domain.Position
	trades map[string][]domain.Trade
	lists  int
}

func (s *closedStore) ListClosed(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.lists++
	if opts.Offset >= len(s.closed) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(s.closed) {
		end = len(s.closed)
	}
	return s.closed[opts.Offset:end], nil
}

func (s *closedStore) ListTrades(_ context.Context, id string) ([]domain.Trade, error) {
	return s.trades[id], nil
}

func TestArchiver_WritesJSONLOnce(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)
	store := &closedStore{
		closed: []domain.Position{
			{ID: "p1", Symbol: "BTCUSDT", Status: domain.PositionStatusClosed},
			{ID: "p2", Symbol: "ETHUSDT", Status: domain.PositionStatusClosed},
		},
		trades: map[string][]domain.Trade{
			"p1": {{ID: "t1", PositionID: "p1", IsEntry: true}, {ID: "t2", PositionID: "p1"}},
		},
	}
	blobs := newMemBlobs()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewArchiver(store, blobs, nil, logger)

	n, err := a.ArchiveClosedPositions(context.Background(), since, until)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	path := ArchivePath(since, until)
	assert.Equal(t, "archive/positions/20260301T000000Z_20260302T000000Z.jsonl", path)
	require.Contains(t, blobs.objects, path)
	assert.Equal(t, "application/x-ndjson", blobs.types[path])

	var lines []ArchivedPosition
	sc := bufio.NewScanner(bytes.NewReader(blobs.objects[path]))
	for sc.Scan() {
		var rec ArchivedPosition
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "p1", lines[0].Position.ID)
	assert.Len(t, lines[0].Trades, 2)

	n, err = a.ArchiveClosedPositions(context.Background(), since, until)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.lists)
}

func TestArchiver_EmptyWindowUploadsNothing(t *testing.T) {
	blobs := newMemBlobs()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewArchiver(&closedStore{}, blobs, nil, logger)

	now := time.Now()
	n, err := a.ArchiveClosedPositions(context.Background(), now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
}
