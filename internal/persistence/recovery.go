package persistence

import (
	"context"
	"database/sql"

	"PerpSettle/internal/event"
	"github.com/pkg/errors"
)

// LogReader reads the persisted event log back for recovery and catch-up.
type LogReader struct {
	db *sql.DB
}

func NewLogReader(db *sql.DB) *LogReader {
	return &LogReader{db: db}
}

// Tip returns the last persisted sequence and state hash, or zero values
// on an empty log. The engine resumes its hash chain from here.
func (r *LogReader) Tip(ctx context.Context) (int64, event.Hash, error) {
	var (
		seq int64
		raw []byte
		h   event.Hash
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &raw)
	if err == sql.ErrNoRows {
		return 0, h, nil
	}
	if err != nil {
		return 0, h, errors.Wrap(err, "persistence: load tip")
	}
	if len(raw) != len(h) {
		return 0, h, errors.Errorf("persistence: state hash at %d is %d bytes", seq, len(raw))
	}
	copy(h[:], raw)
	return seq, h, nil
}

// EnvelopesAfter loads up to limit envelopes with sequence > after, in
// order. Websocket clients use it to catch up before streaming live.
func (r *LogReader) EnvelopesAfter(ctx context.Context, after int64, limit int) ([]*event.Envelope, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, COALESCE(market_id, ''), ref,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, errors.Wrap(err, "persistence: load events")
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		var (
			env                 event.Envelope
			eventID, typ        string
			payload             []byte
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&env.Sequence, &eventID, &typ, &env.MarketID, &env.Ref,
			&payload, &stateHash, &prevHash, &env.Timestamp,
		); err != nil {
			return nil, err
		}
		if err := env.EventID.UnmarshalText([]byte(eventID)); err != nil {
			return nil, errors.Wrapf(err, "persistence: event id at %d", env.Sequence)
		}
		if err := env.Type.UnmarshalText([]byte(typ)); err != nil {
			return nil, errors.Wrapf(err, "persistence: event type at %d", env.Sequence)
		}
		env.Payload = payload
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		out = append(out, &env)
	}
	return out, rows.Err()
}
