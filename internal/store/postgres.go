package store

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresBackend keeps the ledger in a single ledger.kv table. Keys use the
// "C" collation so ORDER BY matches byte order.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend wraps an existing pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// ConnectPostgres opens a pool and verifies connectivity.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "store: ping")
	}
	return NewPostgresBackend(pool), nil
}

func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM ledger.kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "store: get %s", key)
	}
	return value, true, nil
}

func (p *PostgresBackend) Scan(ctx context.Context, prefix, after string, limit int) ([]KV, error) {
	if limit <= 0 {
		limit = 1 << 20
	}
	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM ledger.kv
		 WHERE key LIKE $1 ESCAPE '\' AND key > $2
		 ORDER BY key
		 LIMIT $3`,
		escapeLike(prefix)+"%", after, limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "store: scan %s", prefix)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, errors.Wrap(err, "store: scan row")
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// Apply writes all mutations in one transaction using a pipelined batch.
func (p *PostgresBackend) Apply(ctx context.Context, mutations []Mutation) error {
	if len(mutations) == 0 {
		return nil
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errors.Wrap(err, "store: begin")
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, m := range mutations {
		if m.Delete {
			batch.Queue(`DELETE FROM ledger.kv WHERE key = $1`, m.Key)
			continue
		}
		batch.Queue(
			`INSERT INTO ledger.kv (key, value, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			m.Key, m.Value,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "store: apply batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "store: commit")
	}
	return nil
}

// ledgerLockID keys the session advisory lock that stands for the
// settlement flag.
const ledgerLockID int64 = 0x5045_5250

// TryAcquire takes the advisory lock on a connection reserved until
// release, so every process settling against this database shares one flag.
func (p *PostgresBackend) TryAcquire(ctx context.Context) (func(), bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "store: acquire lock conn")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, ledgerLockID).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "store: try advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, ledgerLockID); err != nil {
			// never hand a session that may still hold the lock back to the pool
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, true, nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
