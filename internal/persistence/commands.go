package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// CommandLog records processed executor commands so redeliveries after a
// restart are recognised once the in-memory LRU is cold.
type CommandLog struct {
	db *sql.DB
}

func NewCommandLog(db *sql.DB) *CommandLog {
	return &CommandLog{db: db}
}

// IsDuplicate reports whether commandID was already processed.
func (c *CommandLog) IsDuplicate(ctx context.Context, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_log.commands WHERE command_id = $1`, commandID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "persistence: command lookup")
	}
	return true, nil
}

// Record stores a command's outcome. A second record for the same id is
// ignored.
func (c *CommandLog) Record(ctx context.Context, commandID, subject, outcome string, cmdErr error) error {
	var msg sql.NullString
	if cmdErr != nil {
		msg = sql.NullString{String: cmdErr.Error(), Valid: true}
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO event_log.commands (command_id, subject, outcome, error)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (command_id) DO NOTHING
	`, commandID, subject, outcome, msg)
	return errors.Wrap(err, "persistence: record command")
}
