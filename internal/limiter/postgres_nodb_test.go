package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

/************ fake pgx ************/
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	qrErr   error
	hits    int
	lastKey string
	lastWin time.Time

	lastExecSQL string
	execErr     error
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL = sql
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if !strings.Contains(sql, "RETURNING hits") {
		return fakeRow{scan: func(dest ...any) error { return errors.New("unexpected query") }}
	}
	f.lastKey = args[0].(string)
	f.lastWin = args[1].(time.Time)
	return fakeRow{scan: func(dest ...any) error {
		if f.qrErr != nil {
			return f.qrErr
		}
		*(dest[0].(*int)) = f.hits
		return nil
	}}
}

func fixedPG(fp *fakePool, limit int) *PG {
	l := NewPG(fp, limit, time.Minute)
	l.now = func() time.Time { return time.Date(2025, 5, 1, 10, 0, 45, 0, time.UTC) }
	return l
}

func TestPG_Allow_UnderLimit(t *testing.T) {
	fp := &fakePool{hits: 3}
	l := fixedPG(fp, 3)

	ok, dur, err := l.Allow(context.Background(), "email")
	if err != nil || !ok || dur != 0 {
		t.Fatalf("Allow under limit: ok=%v dur=%v err=%v", ok, dur, err)
	}
	if fp.lastKey != "email" || !fp.lastWin.Equal(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected args key=%q win=%v", fp.lastKey, fp.lastWin)
	}
}

func TestPG_Allow_OverLimit_RetryAfterWindowEnd(t *testing.T) {
	fp := &fakePool{hits: 4}
	l := fixedPG(fp, 3)

	ok, dur, err := l.Allow(context.Background(), "push")
	if err != nil || ok {
		t.Fatalf("Allow over limit: ok=%v err=%v", ok, err)
	}
	if dur != 15*time.Second {
		t.Fatalf("retry-after want 15s, got %v", dur)
	}
}

func TestPG_Allow_DBError_Propagates(t *testing.T) {
	fp := &fakePool{qrErr: errors.New("db boom")}
	l := fixedPG(fp, 3)

	ok, _, err := l.Allow(context.Background(), "email")
	if err == nil || ok {
		t.Fatalf("want error propagate, got ok=%v err=%v", ok, err)
	}
}

func TestPG_Prune(t *testing.T) {
	fp := &fakePool{}
	l := fixedPG(fp, 3)

	if err := l.Prune(context.Background(), time.Now()); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "DELETE FROM send_windows") {
		t.Fatalf("unexpected SQL: %s", fp.lastExecSQL)
	}

	fp.execErr = errors.New("exec fail")
	if err := l.Prune(context.Background(), time.Now()); err == nil {
		t.Fatalf("want exec error")
	}
}
