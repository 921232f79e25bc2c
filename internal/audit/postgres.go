package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Schema creates the audit_log table. Applied by the migrate command.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    seq          BIGINT PRIMARY KEY,
    ts           TIMESTAMPTZ NOT NULL,
    mono         BIGINT NOT NULL,
    event_type   TEXT NOT NULL,
    actor        TEXT NOT NULL,
    payload      JSONB NOT NULL,
    prev_hash    TEXT NOT NULL,
    hash         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_actor_idx ON audit_log (actor);
CREATE INDEX IF NOT EXISTS audit_log_type_idx ON audit_log (event_type);
`

// advisoryLockKey serialises concurrent appends from multiple daemon
// instances sharing one database. The value is arbitrary but must be
// consistent across instances.
const advisoryLockKey = int64(7_420_118_201)

// PostgresStorage persists the audit chain to PostgreSQL.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStorage creates a PostgresStorage backed by the given pool.
func NewPostgresStorage(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStorage{pool: pool, logger: logger}
}

// Append implements Storage. The insert runs under a transaction-scoped
// advisory lock so two instances cannot interleave appends.
func (s *PostgresStorage) Append(ctx context.Context, e *Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_log (seq, ts, mono, event_type, actor, payload, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Seq, e.Time, e.Mono, string(e.Type), e.Actor,
		[]byte(e.Payload), e.PrevHash, e.Hash,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}

	s.logger.Debug("audit entry appended",
		zap.Uint64("seq", e.Seq),
		zap.String("type", string(e.Type)),
		zap.String("actor", e.Actor),
	)
	return nil
}

// Get implements Storage.
func (s *PostgresStorage) Get(ctx context.Context, seq uint64) (*Entry, error) {
	e := &Entry{}
	var typ string
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT seq, ts, mono, event_type, actor, payload, prev_hash, hash
		 FROM audit_log WHERE seq = $1`, seq,
	).Scan(&e.Seq, &e.Time, &e.Mono, &typ, &e.Actor, &payload, &e.PrevHash, &e.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: seq %d", ErrSeqNotFound, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", seq, err)
	}
	e.Type = EventType(typ)
	e.Payload = payload
	return e, nil
}

// Len implements Storage.
func (s *PostgresStorage) Len(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Scan implements Storage. Rows stream in seq order.
func (s *PostgresStorage) Scan(ctx context.Context, from uint64, fn func(*Entry) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, ts, mono, event_type, actor, payload, prev_hash, hash
		 FROM audit_log WHERE seq >= $1 ORDER BY seq ASC`, from,
	)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &Entry{}
		var typ string
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.Time, &e.Mono, &typ, &e.Actor, &payload, &e.PrevHash, &e.Hash); err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		e.Type = EventType(typ)
		e.Payload = payload
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close implements Storage. The pool is owned by the caller and left open.
func (s *PostgresStorage) Close() error { return nil }
