package pubsub

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the database primitive contract §6 requires: enough of a
// connection to run LISTEN/UNLISTEN/NOTIFY and the lock protocol's DDL/DML,
// and to drain the asynchronous notification stream. *pgx.Conn satisfies it
// as-is; tests substitute a fake.
//
// A Conn is not safe for concurrent use by multiple goroutines (neither is
// *pgx.Conn) — the Session serializes access with connMu.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// connectFunc dials a fresh Conn. The production default wraps
// pgx.Connect; tests inject a fake.
type connectFunc func(ctx context.Context, connString string) (Conn, error)

func pgxConnect(ctx context.Context, connString string) (Conn, error) {
	return pgx.Connect(ctx, connString)
}
