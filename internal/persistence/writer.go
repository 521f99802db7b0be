package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"github.com/pkg/errors"
)

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERTs. Writes are idempotent on sequence and journal id.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	EventID   string
	EventType string
	MarketID  *string
	Ref       string
	Payload   []byte
	StateHash []byte
	PrevHash  []byte
	Timestamp int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	Ref           string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// Rows converts one engine output into log rows. Each journal is stored
// under the sequence of the Transfer envelope that announced it; the
// engine appends those envelopes in journal order.
func Rows(out core.Output) ([]EventRow, []JournalRow, error) {
	events := make([]EventRow, 0, len(out.Envelopes))
	var journals []JournalRow
	next := 0
	for _, env := range out.Envelopes {
		events = append(events, EventRowFrom(env))
		if env.Type != event.EventTypeTransfer {
			continue
		}
		if out.Batch == nil || next >= len(out.Batch.Journals) {
			return nil, nil, errors.Errorf("persistence: transfer at sequence %d has no journal", env.Sequence)
		}
		j := out.Batch.Journals[next]
		next++
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			Ref:           j.Ref,
			Sequence:      env.Sequence,
			DebitAccount:  j.Debit.Path(),
			CreditAccount: j.Credit.Path(),
			Asset:         j.Asset,
			Amount:        j.Amount,
			JournalType:   j.Type.String(),
			Timestamp:     j.Timestamp,
		})
	}
	if out.Batch != nil && next != len(out.Batch.Journals) {
		return nil, nil, errors.Errorf("persistence: %d journals but %d transfers", len(out.Batch.Journals), next)
	}
	return events, journals, nil
}

// EventRowFrom converts an envelope to its row form.
func EventRowFrom(env *event.Envelope) EventRow {
	var marketID *string
	if env.MarketID != "" {
		s := env.MarketID
		marketID = &s
	}
	stateHash, prevHash := env.StateHash, env.PrevHash
	return EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID.String(),
		EventType: env.Type.String(),
		MarketID:  marketID,
		Ref:       env.Ref,
		Payload:   env.Payload,
		StateHash: stateHash[:],
		PrevHash:  prevHash[:],
		Timestamp: env.Timestamp,
	}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, event_type, market_id, ref, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)
	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.MarketID, e.Ref,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)
	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.Ref, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// Write stores events and journals in one transaction.
func (w *EventLogWriter) Write(ctx context.Context, events []EventRow, journals []JournalRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return errors.Wrap(err, "write events")
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return errors.Wrap(err, "write journals")
	}
	return errors.Wrap(tx.Commit(), "commit")
}
