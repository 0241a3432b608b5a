package pubsub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Options configures a Session. It is the Go shape of the PubSubOptions
// data described in §3: a fixed set of recognized fields plus a
// driver-specific connection pass-through.
type Options struct {
	// SingleListener enables per-channel arbitration via ChannelLock so
	// that, across every process sharing the database, only one Session
	// acts on a given channel's notifications at a time. Default true.
	SingleListener bool

	// RetryLimit is the maximum number of consecutive reconnect attempts
	// before the Session gives up and closes itself. Must be >= 1.
	RetryLimit int

	// RetryDelay is the pause between reconnect attempts.
	RetryDelay time.Duration

	// AcquireInterval is the ChannelLock probe period.
	AcquireInterval time.Duration

	// ConnString is a standard PostgreSQL connection string (DSN or URL),
	// passed to pgx.Connect. Ignored if Conn is set.
	ConnString string

	// Conn, if set, is used in place of a freshly dialed connection. This
	// is the "external client handle" PubSubOptions.pgClient describes;
	// Connect will not attempt to dial and auto-reconnect will redial
	// using ConnString once the supplied Conn drops.
	Conn Conn

	// Logger receives structured warnings and errors for failures that are
	// not returned to a caller: a failed application_name tag, failed
	// reconnect attempts, failed re-listen/re-acquire after reconnect, lock
	// probe failures, and failed lock release notifications. Connects,
	// successful reconnects, lock acquisition/loss and decode failures are
	// not logged. A nil Logger is replaced with zap.NewNop().
	Logger *zap.Logger

	// Registerer receives the package's Prometheus metrics. A nil
	// Registerer defaults to prometheus.DefaultRegisterer; pass
	// prometheus.NewRegistry() wrapped accordingly to opt out of the
	// global registry in tests.
	Registerer prometheus.Registerer

	connect connectFunc // overridden by tests; production uses pgxConnect
}

const (
	defaultRetryLimit      = 5
	defaultRetryDelay      = 2 * time.Second
	defaultAcquireInterval = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.RetryLimit <= 0 {
		o.RetryLimit = defaultRetryLimit
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.AcquireInterval <= 0 {
		o.AcquireInterval = defaultAcquireInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.DefaultRegisterer
	}
	if o.connect == nil {
		o.connect = pgxConnect
	}
	// SingleListener defaults to true; since the zero value of bool is
	// false, options must be constructed through NewOptions to pick up the
	// default, mirroring the "default true" semantics from §3 without a
	// pointer-to-bool field.
	return o
}

// NewOptions returns Options with the §3 defaults applied, most notably
// SingleListener=true.
func NewOptions() Options {
	return Options{
		SingleListener:  true,
		RetryLimit:      defaultRetryLimit,
		RetryDelay:      defaultRetryDelay,
		AcquireInterval: defaultAcquireInterval,
	}
}
