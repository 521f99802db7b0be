package projection

import (
	"context"
	"database/sql"

	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates projection tables from the emitter sink it is
// given. The sink drops on overflow; a lagging projection is rebuilt from
// the event log with Rebuild.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan *event.Envelope
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan *event.Envelope, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run loads the watermark and applies envelopes until ctx is cancelled or
// the sink is closed. Envelopes at or below the watermark are skipped, so
// a restart never double-counts a transfer.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := Watermark(ctx, pw.db)
	if err != nil {
		return err
	}
	pw.lastSeq = seq
	pw.logger.Info().Int64("watermark", seq).Msg("projection worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if env.Sequence <= pw.lastSeq {
				continue
			}
			if err := pw.processEnvelope(ctx, env); err != nil {
				// Eventually consistent; rebuild repairs any gap.
				pw.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.EventDrops.WithLabelValues("projection").Inc()
				}
				continue
			}
			pw.lastSeq = env.Sequence
		}
	}
}

func (pw *ProjectionWorker) processEnvelope(ctx context.Context, env *event.Envelope) error {
	u, err := UpdateFrom(env)
	if err != nil {
		return err
	}
	if u.Empty() {
		return nil
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range u.Balances {
		if err := applyBalance(ctx, tx, d, u.Sequence); err != nil {
			return errors.Wrap(err, "balance projection")
		}
	}
	if u.Trade != nil {
		if err := insertTrade(ctx, tx, u.Trade); err != nil {
			return errors.Wrap(err, "trade history projection")
		}
	}
	if err := setWatermark(ctx, tx, u.Sequence); err != nil {
		return errors.Wrap(err, "watermark update")
	}
	return tx.Commit()
}

func applyBalance(ctx context.Context, tx *sql.Tx, d BalanceDelta, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, d.AccountPath, d.Asset, d.Amount, seq)
	return err
}

func insertTrade(ctx context.Context, tx *sql.Tx, e *TradeHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.trade_history
			(sequence, event_type, position_key, account, market, is_long,
			 size_delta_usd, execution_price, fees_usd, price_impact_usd, realized_pnl_usd, closed, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (sequence) DO NOTHING
	`, e.Sequence, e.EventType, e.PositionKey, e.Account, e.Market, e.IsLong,
		e.SizeDeltaUsd, e.ExecutionPrice, e.FeesUsd, e.PriceImpactUsd, e.RealizedPnlUsd, e.Closed, e.Timestamp)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq)
	return err
}

// Watermark returns the last sequence applied to the projections.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, errors.Wrap(err, "projection: load watermark")
}

// Rebuild recomputes every projection table from the event log.
func Rebuild(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.trade_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "truncate: %s", stmt)
		}
	}

	// Amount arrives at the debit account and leaves the credit account.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(amount), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`); err != nil {
		return errors.Wrap(err, "rebuild balances")
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, event_type, COALESCE(market_id, ''), ref, payload, timestamp
		FROM event_log.events
		WHERE event_type IN ('PositionIncreased', 'PositionDecreased', 'PositionLiquidated')
		ORDER BY sequence
	`)
	if err != nil {
		return errors.Wrap(err, "load position events")
	}
	var trades []*TradeHistoryEntry
	for rows.Next() {
		var (
			env     event.Envelope
			typ     string
			payload []byte
		)
		if err := rows.Scan(&env.Sequence, &typ, &env.MarketID, &env.Ref, &payload, &env.Timestamp); err != nil {
			rows.Close()
			return err
		}
		if err := env.Type.UnmarshalText([]byte(typ)); err != nil {
			rows.Close()
			return err
		}
		env.Payload = payload
		u, err := UpdateFrom(&env)
		if err != nil {
			rows.Close()
			return err
		}
		if u.Trade != nil {
			trades = append(trades, u.Trade)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, tr := range trades {
		if err := insertTrade(ctx, tx, tr); err != nil {
			return errors.Wrap(err, "rebuild trade history")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT $1, COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
	`, workerID); err != nil {
		return errors.Wrap(err, "rebuild watermark")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	logger := observability.NewLogger("projection")
	logger.Info().Int("trades", len(trades)).Msg("projection rebuild complete")
	return nil
}

// AccountBalance is one row of projections.balances.
type AccountBalance struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// Reader serves the projection tables.
type Reader struct {
	db *sql.DB
}

func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Balances returns the projected balances of every account owned by owner
// (an order key, position key, market id or lower-case address).
func (r *Reader) Balances(ctx context.Context, owner string) ([]AccountBalance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_path, asset, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path, asset
	`, "%:"+owner+":%")
	if err != nil {
		return nil, errors.Wrap(err, "projection: balances")
	}
	defer rows.Close()

	var out []AccountBalance
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Trades returns an account's trade history newest first. beforeSequence
// of 0 starts at the newest trade.
func (r *Reader) Trades(ctx context.Context, account string, limit int, beforeSequence int64) ([]TradeHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_type, position_key, account, market, is_long,
		       size_delta_usd, execution_price, fees_usd, price_impact_usd, realized_pnl_usd, closed, timestamp
		FROM projections.trade_history
		WHERE account = $1 AND ($2 = 0 OR sequence < $2)
		ORDER BY sequence DESC
		LIMIT $3
	`, account, beforeSequence, limit)
	if err != nil {
		return nil, errors.Wrap(err, "projection: trades")
	}
	defer rows.Close()

	var out []TradeHistoryEntry
	for rows.Next() {
		var e TradeHistoryEntry
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.PositionKey, &e.Account, &e.Market, &e.IsLong,
			&e.SizeDeltaUsd, &e.ExecutionPrice, &e.FeesUsd, &e.PriceImpactUsd, &e.RealizedPnlUsd, &e.Closed, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
