package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// lockTable is the database-resident state backing every ChannelLock. One
// row per channel; the holder column carries the holder Session's
// application_name, which doubles as the liveness key checked against
// pg_stat_activity (§3, "Lock record").
const lockTable = `pgpubsub_locks`

// lockExecutor is the narrow slice of Session a ChannelLock needs: run SQL
// on the shared connection and publish a release notification. A ChannelLock
// sees its Session only through this interface; the onRelease ->
// Session.Listen re-entry is a closure the Session registers. Both the
// interface value and that closure refer to the *Session, so the lock and
// its Session reference each other.
type lockExecutor interface {
	lockExec(ctx context.Context, sql string, args ...any) error
	// lockQueryRow runs sql and scans the single result row into dest,
	// holding the connection's serialization lock for the full round trip
	// (the connection is not safe for concurrent in-flight commands).
	// Returns pgx.ErrNoRows, unwrapped, when the query matches no row.
	lockQueryRow(ctx context.Context, sql string, args []any, dest ...any) error
	lockNotify(ctx context.Context, channel, payload string) error
	currentHolderID() string
}

func deriveLockChannel(channel string) string {
	return "__" + channel + "__lock__"
}

// ChannelLock is a distributed mutex keyed by channel name, backed by the
// shared database (§4.1). At most one ChannelLock anywhere reports
// isAcquired()==true for a given channel at any instant; a crashed holder
// is detected through the database's own session bookkeeping rather than
// cooperative release.
type ChannelLock struct {
	channel  string
	lockChan string // derived "__<channel>__lock__" notification channel
	exec     lockExecutor
	interval time.Duration
	metrics  *metrics
	logger   logger

	acquired atomic.Bool

	mu        sync.Mutex
	destroyed bool
	onRelease []func(channel string)
	onAcquire func() // invoked by the Session to issue LISTEN + emit("listen")
	stopProbe context.CancelFunc
	probeDone chan struct{}
}

// newChannelLock builds a lock that claims rows under the holder tag
// exec.currentHolderID() reports at call time. The tag is read fresh on
// every claim rather than captured once, since a Session mints a new one
// on each successful (re)connect (§4.3).
func newChannelLock(channel string, exec lockExecutor, interval time.Duration, m *metrics, lg logger) *ChannelLock {
	l := &ChannelLock{
		channel:  channel,
		lockChan: deriveLockChannel(channel),
		exec:     exec,
		interval: interval,
		metrics:  m,
		logger:   lg,
	}
	registerLock(l)
	return l
}

// init ensures the shared lock table exists. Idempotent; safe to call from
// every process that shares the database.
func (l *ChannelLock) init(ctx context.Context) error {
	err := l.exec.lockExec(ctx, `
		CREATE TABLE IF NOT EXISTS `+lockTable+` (
			channel    text PRIMARY KEY,
			holder     text NOT NULL,
			acquired_at timestamptz NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return &LockSetupError{Channel: l.channel, Err: err}
	}
	return nil
}

// acquire attempts to become the current holder for the channel (§4.1).
// Idempotent: if already acquired, returns true immediately without a
// round trip. On success it fires onAcquire.
func (l *ChannelLock) acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	if destroyed {
		return false, ErrLockDestroyed
	}
	if l.acquired.Load() {
		return true, nil
	}

	holder := l.exec.currentHolderID()

	// Fast path: claim an unheld row.
	var claimed string
	err := l.exec.lockQueryRow(ctx, `
		INSERT INTO `+lockTable+` (channel, holder, acquired_at)
		VALUES ($1, $2, now())
		ON CONFLICT (channel) DO NOTHING
		RETURNING channel
	`, []any{l.channel, holder}, &claimed)

	switch {
	case err == nil:
		l.onAcquired()
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Someone else holds the row; fall through to liveness check.
	default:
		return false, &QueryError{Op: "acquire channel lock", Err: err}
	}

	var currentHolder string
	err = l.exec.lockQueryRow(ctx, `SELECT holder FROM `+lockTable+` WHERE channel = $1`, []any{l.channel}, &currentHolder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between the insert and this read; try once more.
			return l.acquire(ctx)
		}
		return false, &QueryError{Op: "read channel lock holder", Err: err}
	}

	var alive bool
	err = l.exec.lockQueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM pg_stat_activity WHERE application_name = $1)
	`, []any{currentHolder}, &alive)
	if err != nil {
		return false, &QueryError{Op: "check holder liveness", Err: err}
	}
	if alive {
		return false, nil
	}

	// Holder's session is gone: steal the lock. The WHERE clause re-checks
	// the holder so a concurrent stealer only lets one winner through.
	var stolen string
	err = l.exec.lockQueryRow(ctx, `
		UPDATE `+lockTable+`
		SET holder = $2, acquired_at = now()
		WHERE channel = $1 AND holder = $3
		RETURNING channel
	`, []any{l.channel, holder, currentHolder}, &stolen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil // lost the race to another stealer
		}
		return false, &QueryError{Op: "steal channel lock", Err: err}
	}

	l.onAcquired()
	return true, nil
}

func (l *ChannelLock) onAcquired() {
	l.acquired.Store(true)
	if l.metrics != nil {
		l.metrics.locksAcquired.Inc()
		l.metrics.activeListens.Inc()
	}
	l.mu.Lock()
	cb := l.onAcquire
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// release relinquishes the lock if held and publishes a release
// notification on the derived sub-channel so waiters can race for
// acquisition (§4.1). No-op when not held.
func (l *ChannelLock) release(ctx context.Context) error {
	if !l.acquired.Load() {
		return nil
	}

	holder := l.exec.currentHolderID()
	err := l.exec.lockExec(ctx, `DELETE FROM `+lockTable+` WHERE channel = $1 AND holder = $2`, l.channel, holder)
	l.acquired.Store(false)
	if l.metrics != nil {
		l.metrics.locksLost.Inc()
		l.metrics.activeListens.Dec()
	}
	if err != nil {
		return &QueryError{Op: "release channel lock", Err: err}
	}

	if notifyErr := l.exec.lockNotify(ctx, l.lockChan, holder); notifyErr != nil {
		l.logger.Warn("failed to publish lock release notification", "channel", l.channel, "error", notifyErr)
	}
	return nil
}

// isAcquired returns the cached acquisition state (§4.1).
func (l *ChannelLock) isAcquired() bool { return l.acquired.Load() }

// trackedChannelMarker makes *ChannelLock satisfy trackedChannel.
func (l *ChannelLock) trackedChannelMarker() {}

// onReleaseCallback registers a callback fired once per peer release event
// observed for this channel.
func (l *ChannelLock) onReleaseCallback(cb func(channel string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRelease = append(l.onRelease, cb)
}

// handleReleaseNotification is called by the router when a notification
// lands on this lock's derived sub-channel.
func (l *ChannelLock) handleReleaseNotification(payload string) {
	if payload == l.exec.currentHolderID() {
		return // our own release notification, not a peer's
	}
	l.mu.Lock()
	callbacks := append([]func(string){}, l.onRelease...)
	l.mu.Unlock()
	for _, cb := range callbacks {
		cb(l.channel)
	}
}

// startProbe begins the periodic re-acquisition attempts described in
// §4.1: "A probe runs every acquireInterval". The probe stops itself once
// the lock is destroyed.
func (l *ChannelLock) startProbe(ctx context.Context) {
	l.mu.Lock()
	if l.stopProbe != nil || l.destroyed {
		l.mu.Unlock()
		return
	}
	probeCtx, cancel := context.WithCancel(ctx)
	l.stopProbe = cancel
	l.probeDone = make(chan struct{})
	l.mu.Unlock()

	go func() {
		defer close(l.probeDone)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				if l.acquired.Load() {
					continue
				}
				if _, err := l.acquire(probeCtx); err != nil {
					l.logger.Warn("channel lock probe failed", "channel", l.channel, "error", err)
				}
			}
		}
	}()
}

// destroy is terminal: releases if held, stops the probe timer, clears
// callbacks, and deregisters from the process-wide registry. Idempotent.
func (l *ChannelLock) destroy(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	stop := l.stopProbe
	done := l.probeDone
	l.onRelease = nil
	l.onAcquire = nil
	l.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	unregisterLock(l)
	return l.release(ctx)
}

// --- process-wide lock bookkeeping (§5, "Global lock state") ---

var globalLocks = struct {
	mu  sync.Mutex
	all map[*ChannelLock]struct{}
}{all: make(map[*ChannelLock]struct{})}

func registerLock(l *ChannelLock) {
	globalLocks.mu.Lock()
	defer globalLocks.mu.Unlock()
	globalLocks.all[l] = struct{}{}
}

func unregisterLock(l *ChannelLock) {
	globalLocks.mu.Lock()
	defer globalLocks.mu.Unlock()
	delete(globalLocks.all, l)
}

// DestroyAllLocks tears down every ChannelLock created by this process,
// regardless of which Session created it: the static ChannelLock.destroy()
// from §4.1. Idempotent; safe to call from multiple goroutines (e.g. a
// Session.Destroy racing a process-exit handler).
func DestroyAllLocks(ctx context.Context) {
	globalLocks.mu.Lock()
	locks := make([]*ChannelLock, 0, len(globalLocks.all))
	for l := range globalLocks.all {
		locks = append(locks, l)
	}
	globalLocks.mu.Unlock()

	for _, l := range locks {
		if err := l.destroy(ctx); err != nil {
			// Best-effort teardown; nothing further to do with the error
			// since there's no per-lock caller left to report it to.
			_ = fmt.Errorf("destroy lock %s: %w", l.channel, err)
		}
	}
}
