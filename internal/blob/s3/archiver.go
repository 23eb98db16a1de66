package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// multipartThreshold switches uploads to the multipart path.
const multipartThreshold = 16 * 1024 * 1024

// archivePageSize bounds each ListClosed query.
const archivePageSize = 500

// ArchivedPosition is one JSONL line: a closed position with its trades.
type ArchivedPosition struct {
	Position domain.Position `json:"position"`
	Trades   []domain.Trade  `json:"trades"`
}

// BlobStore is the object access the archiver needs.
type BlobStore interface {
	domain.BlobWriter
	domain.BlobReader
}

// Archiver implements domain.Archiver. It copies closed positions and their
// trades for a window to archive/positions/<since>_<until>.jsonl. Source rows
// stay in the ledger store; a window already uploaded is skipped.
type Archiver struct {
	store  domain.LedgerStore
	blobs  BlobStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(store domain.LedgerStore, blobs BlobStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		blobs:  blobs,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveClosedPositions uploads positions closed in [since, until) and
// returns how many were written.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context, since, until time.Time) (int64, error) {
	path := ArchivePath(since, until)
	exists, err := a.blobs.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive check %s: %w", path, err)
	}
	if exists {
		a.logger.DebugContext(ctx, "s3blob: archive window already uploaded", slog.String("path", path))
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	var count int64
	for offset := 0; ; offset += archivePageSize {
		page, err := a.store.ListClosed(ctx, domain.ListOpts{
			Limit:  archivePageSize,
			Offset: offset,
			Since:  &since,
			Until:  &until,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive list closed: %w", err)
		}
		for _, pos := range page {
			trades, err := a.store.ListTrades(ctx, pos.ID)
			if err != nil {
				return 0, fmt.Errorf("s3blob: archive trades %s: %w", pos.ID, err)
			}
			if err := enc.Encode(ArchivedPosition{Position: pos, Trades: trades}); err != nil {
				return 0, fmt.Errorf("s3blob: archive encode %s: %w", pos.ID, err)
			}
			count++
		}
		if len(page) < archivePageSize {
			break
		}
	}
	if count == 0 {
		return 0, nil
	}

	if buf.Len() >= multipartThreshold {
		err = a.blobs.PutMultipart(ctx, path, &buf, minPartSize)
	} else {
		err = a.blobs.Put(ctx, path, &buf, "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	a.logger.InfoContext(ctx, "s3blob: closed positions archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":  path,
			"count": count,
			"since": since.Format(time.RFC3339),
			"until": until.Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "s3blob: archive audit failed", slog.String("error", err.Error()))
		}
	}
	return count, nil
}

// ArchivePath names the object for a window.
//
//	archive/positions/20260301T000000Z_20260302T000000Z.jsonl
func ArchivePath(since, until time.Time) string {
	const layout = "20060102T150405Z"
	return fmt.Sprintf("archive/positions/%s_%s.jsonl", since.UTC().Format(layout), until.UTC().Format(layout))
}

var _ domain.Archiver = (*Archiver)(nil)
