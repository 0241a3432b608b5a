package pubsub

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeConn is an in-process stand-in for *pgx.Conn: it records executed
// statements, answers queries from a scripted table, and lets a test push
// notifications for WaitForNotification to return. Grounded in the
// teacher's in-memory Broker, which plays the same role for Publisher.
type fakeConn struct {
	mu          sync.Mutex
	execs       []string
	overrides   map[string]func(args []any) fakeRow
	claims      map[string]string // channel -> holder, emulating pgpubsub_locks
	alive       map[string]bool   // holder -> liveness, for the steal path
	notify      chan *pgconn.Notification
	closed      bool
	closeSignal chan struct{}
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func newFakeConn() *fakeConn {
	return &fakeConn{
		overrides:   make(map[string]func(args []any) fakeRow),
		claims:      make(map[string]string),
		alive:       make(map[string]bool),
		notify:      make(chan *pgconn.Notification, 16),
		closeSignal: make(chan struct{}),
	}
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	c.execs = append(c.execs, sql)
	c.mu.Unlock()
	return pgconn.CommandTag{}, nil
}

// onQuery overrides the response for every QueryRow whose sql contains
// match, taking precedence over the built-in lock-protocol emulation below.
func (c *fakeConn) onQuery(match string, fn func(args []any) fakeRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[match] = fn
}

// QueryRow emulates the four-statement ChannelLock.acquire protocol (claim
// INSERT, holder SELECT, liveness check, steal UPDATE) against an in-memory
// claims table, so Session-level tests can exercise
// single-listener arbitration without a real database. Any other query
// (e.g. pack/unpack round trips never touch QueryRow) falls through to
// pgx.ErrNoRows unless a test registers an override via onQuery.
func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	c.mu.Lock()
	defer c.mu.Unlock()

	for match, fn := range c.overrides {
		if containsSubstr(sql, match) {
			return fn(args)
		}
	}

	switch {
	case containsSubstr(sql, "INSERT INTO"):
		channel, holder := args[0].(string), args[1].(string)
		if _, taken := c.claims[channel]; taken {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		}
		c.claims[channel] = holder
		return fakeRow{scan: func(dest ...any) error { *dest[0].(*string) = channel; return nil }}
	case containsSubstr(sql, "SELECT holder FROM"):
		channel := args[0].(string)
		holder, ok := c.claims[channel]
		if !ok {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		}
		return fakeRow{scan: func(dest ...any) error { *dest[0].(*string) = holder; return nil }}
	case containsSubstr(sql, "pg_stat_activity"):
		holder := args[0].(string)
		isAlive := c.alive[holder]
		return fakeRow{scan: func(dest ...any) error { *dest[0].(*bool) = isAlive; return nil }}
	case containsSubstr(sql, "UPDATE"):
		channel, newHolder, oldHolder := args[0].(string), args[1].(string), args[2].(string)
		if c.claims[channel] != oldHolder {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		}
		c.claims[channel] = newHolder
		return fakeRow{scan: func(dest ...any) error { *dest[0].(*string) = channel; return nil }}
	default:
		return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	}
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n, ok := <-c.notify:
		if !ok {
			return nil, context.Canceled
		}
		return n, nil
	case <-c.closeSignal:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeSignal)
	return nil
}

func (c *fakeConn) push(channel, payload string) {
	c.notify <- &pgconn.Notification{Channel: channel, Payload: payload}
}

func (c *fakeConn) execCount(substrMatch func(string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.execs {
		if substrMatch(e) {
			n++
		}
	}
	return n
}
