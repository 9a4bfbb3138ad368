package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed fixed-window limiter, used when no Redis is configured.
type PG struct {
	pool   pgxQuerier
	limit  int
	window time.Duration
	now    func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool pgxQuerier, limit int, window time.Duration) *PG {
	return &PG{pool: pool, limit: limit, window: window, now: time.Now}
}

// Allow counts one event in the window containing now.
func (l *PG) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	start := now.Truncate(l.window)

	const q = `
INSERT INTO send_windows (key, window_start, hits)
VALUES ($1, $2, 1)
ON CONFLICT (key) DO UPDATE
SET
  hits = CASE WHEN send_windows.window_start = EXCLUDED.window_start THEN send_windows.hits + 1 ELSE 1 END,
  window_start = EXCLUDED.window_start
RETURNING hits`
	var hits int
	if err := l.pool.QueryRow(ctx, q, key, start).Scan(&hits); err != nil {
		return false, 0, err
	}
	if hits <= l.limit {
		return true, 0, nil
	}
	return false, start.Add(l.window).Sub(now), nil
}

// Prune removes windows that ended before cutoff.
func (l *PG) Prune(ctx context.Context, cutoff time.Time) error {
	const q = `DELETE FROM send_windows WHERE window_start < $1`
	_, err := l.pool.Exec(ctx, q, cutoff)
	return err
}
