package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// LedgerStore implements domain.LedgerStore. Each transition writes the
// position row and its trade row in one transaction.
type LedgerStore struct {
	db DB
}

// NewLedgerStore creates a LedgerStore.
func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const positionCols = `id, strategy, symbol, side, entry_price, quantity,
	entry_trade_id, entry_time, status, exit_price, exit_trade_id, exit_time,
	realized_pnl, unrealized_pnl, stop_loss, take_profit, close_reason, metadata`

const tradeCols = `id, position_id, side, symbol, quantity, price, value,
	strategy, executed_at, pnl, is_entry`

const upsertPosition = `
	INSERT INTO positions (` + positionCols + `, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
	ON CONFLICT (id) DO UPDATE SET
		status         = EXCLUDED.status,
		exit_price     = EXCLUDED.exit_price,
		exit_trade_id  = EXCLUDED.exit_trade_id,
		exit_time      = EXCLUDED.exit_time,
		realized_pnl   = EXCLUDED.realized_pnl,
		unrealized_pnl = EXCLUDED.unrealized_pnl,
		close_reason   = EXCLUDED.close_reason,
		updated_at     = NOW()
	WHERE positions.status = 'open'`

const insertTrade = `
	INSERT INTO trades (` + tradeCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func positionArgs(p domain.Position) ([]any, error) {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return []any{
		p.ID, p.Strategy, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity,
		p.EntryTradeID, p.EntryTime, string(p.Status), p.ExitPrice, p.ExitTradeID, p.ExitTime,
		p.RealizedPnL, p.UnrealizedPnL, p.StopLoss, p.TakeProfit, p.CloseReason, meta,
	}, nil
}

func tradeArgs(t domain.Trade) []any {
	return []any{
		t.ID, t.PositionID, string(t.Side), t.Symbol, t.Quantity, t.Price, t.Value,
		t.Strategy, t.ExecutedAt, t.PnL, t.IsEntry,
	}
}

// SaveOpen inserts the position and its entry trade atomically.
func (s *LedgerStore) SaveOpen(ctx context.Context, pos domain.Position, entry domain.Trade) error {
	args, err := positionArgs(pos)
	if err != nil {
		return fmt.Errorf("postgres: save open %s: %w", pos.ID, err)
	}
	err = inTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertPosition, args...); err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		if _, err := tx.Exec(ctx, insertTrade, tradeArgs(entry)...); err != nil {
			return fmt.Errorf("insert entry trade: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: save open %s: %w", pos.ID, err)
	}
	return nil
}

// SaveClose writes the closed position and its exit trade atomically. The
// position row is upserted so a close can land even if the open never did.
// A row that is already closed yields domain.ErrPositionNotFoundOrAlreadyClosed.
func (s *LedgerStore) SaveClose(ctx context.Context, pos domain.Position, exit domain.Trade) error {
	args, err := positionArgs(pos)
	if err != nil {
		return fmt.Errorf("postgres: save close %s: %w", pos.ID, err)
	}
	err = inTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, upsertPosition, args...)
		if err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrPositionNotFoundOrAlreadyClosed
		}
		if _, err := tx.Exec(ctx, insertTrade, tradeArgs(exit)...); err != nil {
			return fmt.Errorf("insert exit trade: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: save close %s: %w", pos.ID, err)
	}
	return nil
}

// LoadOpen returns every open position, oldest first.
func (s *LedgerStore) LoadOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status = 'open' ORDER BY entry_time`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// GetByID returns one position or domain.ErrNotFound.
func (s *LedgerStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListClosed returns closed positions filtered by exit time, newest first.
func (s *LedgerStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	q := newFilter(`SELECT ` + positionCols + ` FROM positions WHERE status = 'closed'`)
	q.timeRange("exit_time", opts)
	q.order("exit_time DESC")
	q.page(opts)

	rows, err := s.db.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// ListTrades returns the trades of a position, entry first.
func (s *LedgerStore) ListTrades(ctx context.Context, positionID string) ([]domain.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE position_id = $1 ORDER BY is_entry DESC, executed_at`,
		positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", positionID, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side string
		if err := rows.Scan(
			&t.ID, &t.PositionID, &side, &t.Symbol, &t.Quantity, &t.Price, &t.Value,
			&t.Strategy, &t.ExecutedAt, &t.PnL, &t.IsEntry,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Side = domain.TradeSide(side)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return trades, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var meta []byte
	if err := row.Scan(
		&p.ID, &p.Strategy, &p.Symbol, &side, &p.EntryPrice, &p.Quantity,
		&p.EntryTradeID, &p.EntryTime, &status, &p.ExitPrice, &p.ExitTradeID, &p.ExitTime,
		&p.RealizedPnL, &p.UnrealizedPnL, &p.StopLoss, &p.TakeProfit, &p.CloseReason, &meta,
	); err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
