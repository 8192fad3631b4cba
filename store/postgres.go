package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderTableSQL = `
CREATE TABLE IF NOT EXISTS order_log (
	trade_id        TEXT PRIMARY KEY,
	instrument      TEXT NOT NULL,
	direction       SMALLINT NOT NULL,
	units           INTEGER NOT NULL,
	env             TEXT NOT NULL,
	strategy        TEXT NOT NULL DEFAULT '',
	client_req_id   TEXT NOT NULL DEFAULT '',
	requested_price DOUBLE PRECISION NOT NULL,
	entry_price     DOUBLE PRECISION NOT NULL,
	slippage_pips   DOUBLE PRECISION NOT NULL,
	fill_latency_ms BIGINT NOT NULL,
	quality_score   DOUBLE PRECISION NOT NULL,
	hurst           DOUBLE PRECISION NOT NULL DEFAULT 0,
	z_ofi           DOUBLE PRECISION NOT NULL DEFAULT 0,
	efficiency      DOUBLE PRECISION NOT NULL DEFAULT 0,
	vpin            DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	exit_reason     TEXT,
	exit_price      DOUBLE PRECISION,
	opened_at       TIMESTAMPTZ NOT NULL,
	closed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_order_log_instrument_closed
	ON order_log (instrument, closed_at DESC);
`

const snapshotTableSQL = `
CREATE TABLE IF NOT EXISTS session_snapshot (
	session_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	taken_at   TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL,
	PRIMARY KEY (session_id, instrument)
);
`

// PGStore implements OrderLog and SnapshotStore on a pgx pool.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore connects to the given DSN and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, ddl := range []string{orderTableSQL, snapshotTableSQL} {
		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PGStore) Close() { s.db.Close() }

func (s *PGStore) RecordFill(ctx context.Context, row OrderRow) error {
	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	const insertSQL = `
		INSERT INTO order_log (
			trade_id, instrument, direction, units, env, strategy, client_req_id,
			requested_price, entry_price, slippage_pips,
			fill_latency_ms, quality_score,
			hurst, z_ofi, efficiency, vpin,
			status, opened_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,'OPEN',$17)
		ON CONFLICT (trade_id) DO NOTHING;
	`
	_, err := s.db.Exec(ctx, insertSQL,
		row.TradeID, row.Instrument, row.Direction, row.Units, row.Env, row.Strategy, row.ClientRequestID,
		row.RequestedPrice, row.EntryPrice, row.SlippagePips,
		row.FillLatencyMs, row.QualityScore,
		row.Hurst, row.ZOfi, row.Efficiency, row.Vpin,
		row.OpenedAt,
	)
	return err
}

func (s *PGStore) RecordClose(ctx context.Context, tradeID, exitReason string, exitPrice *float64, closedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	const updateSQL = `
		UPDATE order_log SET
			status      = 'CLOSED',
			exit_reason = $2,
			exit_price  = $3,
			closed_at   = $4
		WHERE trade_id = $1;
	`
	_, err := s.db.Exec(ctx, updateSQL, tradeID, exitReason, exitPrice, closedAt)
	return err
}

func (s *PGStore) LastCloseTime(ctx context.Context, instrument, env string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var t time.Time
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(closed_at), '0001-01-01T00:00:00Z')
		FROM order_log
		WHERE instrument = $1 AND env = $2 AND status = 'CLOSED'
	`, instrument, env).Scan(&t)
	if err != nil && err != pgx.ErrNoRows {
		return time.Time{}, err
	}
	return t, nil
}

// ListOrders returns rows opened at or after since, oldest first.
func (s *PGStore) ListOrders(ctx context.Context, since time.Time) ([]OrderRow, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := s.db.Query(ctx, `
		SELECT trade_id, instrument, direction, units, env, strategy, client_req_id,
			requested_price, entry_price, slippage_pips,
			fill_latency_ms, quality_score,
			hurst, z_ofi, efficiency, vpin,
			status, exit_reason, exit_price, opened_at, closed_at
		FROM order_log
		WHERE opened_at >= $1
		ORDER BY opened_at
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]OrderRow, 0)
	for rows.Next() {
		var row OrderRow
		var exitReason *string
		err := rows.Scan(
			&row.TradeID, &row.Instrument, &row.Direction, &row.Units, &row.Env, &row.Strategy, &row.ClientRequestID,
			&row.RequestedPrice, &row.EntryPrice, &row.SlippagePips,
			&row.FillLatencyMs, &row.QualityScore,
			&row.Hurst, &row.ZOfi, &row.Efficiency, &row.Vpin,
			&row.Status, &exitReason, &row.ExitPrice, &row.OpenedAt, &row.ClosedAt,
		)
		if err != nil {
			return nil, err
		}
		if exitReason != nil {
			row.ExitReason = *exitReason
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) UpsertSnapshot(ctx context.Context, snap SessionSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	const upsertSQL = `
		INSERT INTO session_snapshot (session_id, instrument, taken_at, doc)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (session_id, instrument) DO UPDATE SET
			taken_at = EXCLUDED.taken_at,
			doc      = EXCLUDED.doc;
	`
	_, err := s.db.Exec(ctx, upsertSQL, snap.SessionID, snap.Instrument, snap.TakenAt, snap.Doc)
	return err
}
