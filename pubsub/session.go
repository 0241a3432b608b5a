package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// sessionState is the connection lifecycle described in §4.3: a Session
// moves Disconnected -> Connecting -> Connected, and on connection loss
// either Reconnecting -> Connected (success) or Reconnecting -> Failed
// (retries exhausted).
type sessionState int32

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateFailed
)

// trackedChannel is the value kind held in Session.channels: either a
// *ChannelLock (single-listener mode) or multiListenerSentinel (§9 open
// question: modeled as a marker type rather than a literal bool).
type trackedChannel interface {
	trackedChannelMarker()
}

// multiListenerSentinel marks a channel tracked outside single-listener
// mode: there is no ChannelLock to consult, delivery is unconditional.
type multiListenerSentinel struct{}

func (multiListenerSentinel) trackedChannelMarker() {}

// Session is a single LISTEN/NOTIFY client: one logical connection to the
// database, the set of channels it tracks, and the reconnect/arbitration
// machinery layered on top (§4.3). The zero Session is not usable; build
// one with NewSession.
type Session struct {
	opts    Options
	events  *events
	metrics *metrics
	logger  logger

	idMu sync.RWMutex
	id   string // current application_name; reminted on every (re)connect

	connMu sync.Mutex
	conn   Conn

	state atomic.Int32
	retry atomic.Int32

	// mu serializes the rare whole-session operations: Connect, Close,
	// Destroy. It is not held during steady-state notification delivery.
	mu            sync.Mutex
	closed        atomic.Bool
	destroyed     atomic.Bool
	autoReconnect atomic.Bool

	channelsMu sync.RWMutex
	channels   map[string]trackedChannel // channel -> *ChannelLock | multiListenerSentinel

	bgCtx    context.Context
	bgCancel context.CancelFunc

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// NewSession builds a Session from opts. It does not connect; call Connect.
func NewSession(opts Options) *Session {
	opts = opts.withDefaults()
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Session{
		opts:     opts,
		events:   newEvents(),
		logger:   newLogger(opts.Logger),
		channels: make(map[string]trackedChannel),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	// The metrics label identifies the logical Session and is stable across
	// reconnects, unlike the holder application_name minted on each connect.
	s.metrics = newMetrics(opts.Registerer, uuid.NewString())
	s.state.Store(int32(stateDisconnected))
	return s
}

func (s *Session) setState(st sessionState) { s.state.Store(int32(st)) }

// State reports the current connection lifecycle state as a string, mainly
// useful for logging and tests.
func (s *Session) State() string {
	switch sessionState(s.state.Load()) {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// currentHolderID implements lockExecutor: the Session's present
// application_name, reminted on every successful (re)connect (§4.3).
func (s *Session) currentHolderID() string {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.id
}

// Connect dials (or adopts the supplied Options.Conn) and starts the
// notification pump. Calling Connect on an already-connected Session is a
// no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionState(s.state.Load()) == stateConnected {
		return nil
	}
	return s.connectLocked(ctx)
}

// connectLocked performs one connection attempt. Callers must hold s.mu.
func (s *Session) connectLocked(ctx context.Context) error {
	s.setState(stateConnecting)

	var conn Conn
	var err error
	s.connMu.Lock()
	reuse := s.opts.Conn != nil && s.conn == nil
	s.connMu.Unlock()

	if reuse {
		conn = s.opts.Conn
	} else {
		conn, err = s.opts.connect(ctx, s.opts.ConnString)
	}
	if err != nil {
		s.setState(stateDisconnected)
		return &ConnectError{Err: err}
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	newID := uuid.NewString()
	s.idMu.Lock()
	s.id = newID
	s.idMu.Unlock()

	// Best-effort: a session that can't tag its application_name still
	// functions, it just loses the liveness key other peers check (§4.1).
	if err := s.execLocked(ctx, `SELECT set_config('application_name', $1, false)`, newID); err != nil {
		s.logger.Warn("failed to set application_name", "error", err)
	}

	s.closed.Store(false)
	s.autoReconnect.Store(true)
	s.startNotificationPump()
	s.setState(stateConnected)
	s.events.emitConnect()
	return nil
}

// startNotificationPump launches the goroutine draining
// Conn.WaitForNotification in a loop and routing each one (§4.2, §4.3).
func (s *Session) startNotificationPump() {
	ctx, cancel := context.WithCancel(s.bgCtx)
	s.pumpCancel = cancel
	s.pumpDone = make(chan struct{})

	go func() {
		defer close(s.pumpDone)
		for {
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				return
			}

			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return // our own Close/Destroy tore down the pump
				}
				s.handleConnectionLost(err)
				return
			}
			s.routeNotification(n.Channel, n.Payload)
		}
	}()
}

func (s *Session) stopNotificationPump() {
	if s.pumpCancel != nil {
		s.pumpCancel()
		<-s.pumpDone
		s.pumpCancel = nil
	}
}

// handleConnectionLost reacts to the pump's "end"/"error" condition (§4.3,
// §7 failure modes): unless the session was deliberately closed out from
// under the pump, it marks every lock this session held as not acquired
// locally (the dead connection cannot delete the lock rows; peers see the
// holder's session gone through pg_stat_activity), then starts the
// reconnect loop.
func (s *Session) handleConnectionLost(err error) {
	s.events.emitEnd()
	if err != nil {
		s.events.emitError(&QueryError{Op: "wait for notification", Err: err})
	}

	if !s.autoReconnect.Load() {
		return
	}

	s.releaseHeldLocksBestEffort()
	go s.reconnectLoop()
}

func (s *Session) releaseHeldLocksBestEffort() {
	s.channelsMu.RLock()
	locks := make([]*ChannelLock, 0, len(s.channels))
	for _, tracked := range s.channels {
		if lock, ok := tracked.(*ChannelLock); ok {
			locks = append(locks, lock)
		}
	}
	s.channelsMu.RUnlock()

	for _, lock := range locks {
		if lock.isAcquired() {
			lock.acquired.Store(false)
			if s.metrics != nil {
				s.metrics.activeListens.Dec()
			}
		}
	}
}

// reconnectLoop implements the retry policy from §7: sleep RetryDelay,
// attempt to connect, and give up once RetryLimit consecutive attempts
// fail.
func (s *Session) reconnectLoop() {
	s.setState(stateReconnecting)

	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-time.After(s.opts.RetryDelay):
		}
		if !s.autoReconnect.Load() {
			return // Close ran while this loop was sleeping
		}

		attempt := s.retry.Add(1)
		if int(attempt) > s.opts.RetryLimit {
			s.events.emitError(&RetryExhaustedError{Retries: int(attempt) - 1})
			if s.metrics != nil {
				s.metrics.reconnectFailed.Inc()
			}
			s.setState(stateFailed)
			_ = s.Close()
			return
		}

		ctx, cancel := context.WithTimeout(s.bgCtx, connectAttemptTimeout)
		s.mu.Lock()
		err := s.connectLocked(ctx)
		s.mu.Unlock()
		cancel()

		if err != nil {
			s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			s.events.emitError(err)
			continue
		}

		s.redriveAfterReconnect(s.bgCtx)
		if s.metrics != nil {
			s.metrics.reconnects.Inc()
		}
		s.events.emitReconnect(int(attempt))
		s.retry.Store(0)
		return
	}
}

const connectAttemptTimeout = 30 * time.Second

// redriveAfterReconnect re-issues LISTEN for every tracked channel over the
// new connection and re-drives every ChannelLock through acquisition,
// since a fresh connection means the previous LISTEN registrations and any
// in-memory "acquired" state are no longer backed by a live backend (§4.3
// invariant: every tracked channel is re-driven through the acquisition
// path after reconnect).
func (s *Session) redriveAfterReconnect(ctx context.Context) {
	s.channelsMu.RLock()
	entries := make(map[string]trackedChannel, len(s.channels))
	for k, v := range s.channels {
		entries[k] = v
	}
	s.channelsMu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for channel, tracked := range entries {
		channel, tracked := channel, tracked
		g.Go(func() error {
			switch t := tracked.(type) {
			case *ChannelLock:
				t.acquired.Store(false)
				if err := s.execListenStmt(gctx, t.lockChan); err != nil {
					s.logger.Error("failed to re-listen lock channel after reconnect", "channel", channel, "error", err)
					return nil
				}
				if _, err := t.acquire(gctx); err != nil {
					s.logger.Warn("re-acquire after reconnect failed", "channel", channel, "error", err)
				}
			case multiListenerSentinel:
				if err := s.execListenStmt(gctx, channel); err != nil {
					s.logger.Error("failed to re-listen after reconnect", "channel", channel, "error", err)
					return nil
				}
				s.events.emitListen(channel)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Listen subscribes to channel (§4.3). In single-listener mode this
// provisions a ChannelLock on first call and attempts acquisition; a
// failed attempt is not an error; the channel stays tracked and the lock's
// probe keeps retrying until it succeeds or the channel is unlistened.
func (s *Session) Listen(ctx context.Context, channel string) error {
	if isLockChannel(channel) {
		return fmt.Errorf("pubsub: %q is a reserved lock channel name", channel)
	}

	if !s.opts.SingleListener {
		if err := s.execListenStmt(ctx, channel); err != nil {
			return &QueryError{Op: "listen", Err: err}
		}
		s.channelsMu.Lock()
		s.channels[channel] = multiListenerSentinel{}
		s.channelsMu.Unlock()
		s.events.emitListen(channel)
		return nil
	}

	s.channelsMu.RLock()
	tracked, exists := s.channels[channel]
	s.channelsMu.RUnlock()

	var lock *ChannelLock
	if exists {
		lock = tracked.(*ChannelLock)
	} else {
		lock = newChannelLock(channel, s, s.opts.AcquireInterval, s.metrics, s.logger)
		lock.onAcquire = func() {
			if err := s.execListenStmt(s.bgCtx, channel); err != nil {
				s.logger.Error("failed to issue LISTEN after lock acquisition", "channel", channel, "error", err)
				return
			}
			s.events.emitListen(channel)
		}
		lock.onReleaseCallback(func(ch string) {
			go func() { _ = s.Listen(s.bgCtx, ch) }()
		})

		if err := lock.init(ctx); err != nil {
			unregisterLock(lock)
			return err
		}
		if err := s.execListenStmt(ctx, lock.lockChan); err != nil {
			unregisterLock(lock)
			return &QueryError{Op: "listen lock channel", Err: err}
		}

		s.channelsMu.Lock()
		s.channels[channel] = lock
		s.channelsMu.Unlock()

		lock.startProbe(s.bgCtx)
	}

	if _, err := lock.acquire(ctx); err != nil {
		return err
	}
	return nil
}

// Unlisten stops tracking channel: issues UNLISTEN, tears down any
// ChannelLock, and emits unlisten with the single channel name.
func (s *Session) Unlisten(ctx context.Context, channel string) error {
	s.channelsMu.Lock()
	tracked, ok := s.channels[channel]
	delete(s.channels, channel)
	s.channelsMu.Unlock()
	if !ok {
		return nil
	}

	if err := s.execUnlistenStmt(ctx, channel); err != nil {
		return &QueryError{Op: "unlisten", Err: err}
	}

	if lock, isLock := tracked.(*ChannelLock); isLock {
		_ = s.execUnlistenStmt(ctx, lock.lockChan)
		_ = lock.destroy(ctx)
	}

	s.events.emitUnlisten([]string{channel})
	return nil
}

// UnlistenAll stops tracking every channel (§4.3, §9 open question
// resolution: the emitted list is the set that was tracked immediately
// before the call, not whatever remains after).
func (s *Session) UnlistenAll(ctx context.Context) error {
	s.channelsMu.Lock()
	entries := s.channels
	s.channels = make(map[string]trackedChannel)
	s.channelsMu.Unlock()

	channels := make([]string, 0, len(entries))
	for ch := range entries {
		channels = append(channels, ch)
	}

	if err := s.execLocked(ctx, `UNLISTEN *`); err != nil {
		return &QueryError{Op: "unlisten all", Err: err}
	}

	for _, tracked := range entries {
		if lock, ok := tracked.(*ChannelLock); ok {
			_ = lock.destroy(ctx)
		}
	}

	s.events.emitUnlisten(channels)
	return nil
}

// Notify publishes payload on channel, JSON-encoded via pack (§6). Encode
// failures are returned to the caller rather than swallowed (§9 open
// question resolution).
func (s *Session) Notify(ctx context.Context, channel string, payload any) error {
	if isLockChannel(channel) {
		return fmt.Errorf("pubsub: refusing to notify reserved lock channel %q", channel)
	}
	data, err := pack(payload)
	if err != nil {
		return fmt.Errorf("pubsub: encode payload for channel %q: %w", channel, err)
	}
	if err := s.execLocked(ctx, `SELECT pg_notify($1, $2)`, channel, data); err != nil {
		return &QueryError{Op: "notify", Err: err}
	}
	return nil
}

// ActiveChannels returns the channels this Session is currently the active
// listener for: every multi-listener channel, plus every single-listener
// channel whose ChannelLock is acquired.
func (s *Session) ActiveChannels() []string {
	s.channelsMu.RLock()
	defer s.channelsMu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for ch, tracked := range s.channels {
		if lock, ok := tracked.(*ChannelLock); ok {
			if lock.isAcquired() {
				out = append(out, ch)
			}
			continue
		}
		out = append(out, ch)
	}
	return out
}

// InactiveChannels returns tracked single-listener channels whose
// ChannelLock is not currently acquired.
func (s *Session) InactiveChannels() []string {
	s.channelsMu.RLock()
	defer s.channelsMu.RUnlock()
	var out []string
	for ch, tracked := range s.channels {
		if lock, ok := tracked.(*ChannelLock); ok && !lock.isAcquired() {
			out = append(out, ch)
		}
	}
	return out
}

// AllChannels returns every channel this Session currently tracks,
// regardless of acquisition state.
func (s *Session) AllChannels() []string {
	s.channelsMu.RLock()
	defer s.channelsMu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// Close disarms auto-reconnect and tears down the underlying connection.
// It does not touch locks held in the database; use Destroy to also run
// the process-wide ChannelLock teardown.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doClose()
}

// doClose performs the actual teardown. Callers must already hold s.mu (or
// be Destroy, which holds it across its whole call).
func (s *Session) doClose() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.autoReconnect.Store(false)
	s.stopNotificationPump()

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(context.Background())
	}

	s.closed.Store(true)
	s.setState(stateDisconnected)
	s.events.emitClose()
	return nil
}

// Destroy closes this Session and, concurrently, runs DestroyAllLocks to
// tear down every ChannelLock this process has created, mirroring the
// "static class-level destroy()" described in §4.1/§9.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Swap(true) {
		return ErrClosed
	}
	s.bgCancel()

	var g errgroup.Group
	g.Go(s.doClose)
	g.Go(func() error {
		DestroyAllLocks(ctx)
		return nil
	})
	err := g.Wait()

	s.channelsMu.Lock()
	s.channels = make(map[string]trackedChannel)
	s.channelsMu.Unlock()
	s.events = newEvents()

	return err
}

// --- lockExecutor implementation: Session serializes all access to its
// single Conn behind connMu, since neither *pgx.Conn nor the Conn
// interface is safe for concurrent in-flight commands.

func (s *Session) execLocked(ctx context.Context, sql string, args ...any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}
	_, err := s.conn.Exec(ctx, sql, args...)
	return err
}

func (s *Session) execListenStmt(ctx context.Context, channel string) error {
	return s.execLocked(ctx, `LISTEN `+pgx.Identifier{channel}.Sanitize())
}

func (s *Session) execUnlistenStmt(ctx context.Context, channel string) error {
	return s.execLocked(ctx, `UNLISTEN `+pgx.Identifier{channel}.Sanitize())
}

func (s *Session) lockExec(ctx context.Context, sql string, args ...any) error {
	return s.execLocked(ctx, sql, args...)
}

func (s *Session) lockQueryRow(ctx context.Context, sql string, args []any, dest ...any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}
	return s.conn.QueryRow(ctx, sql, args...).Scan(dest...)
}

func (s *Session) lockNotify(ctx context.Context, channel, payload string) error {
	return s.execLocked(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
}
