// Package pubsub provides a reliable publish-subscribe client built on
// PostgreSQL's LISTEN/NOTIFY.
//
// A Session owns one database connection, tracks the set of channels it
// listens on, and reconnects automatically when that connection drops,
// re-establishing every tracked LISTEN once it's back. With
// Options.SingleListener (the default) a Session additionally arbitrates
// each channel against every other process sharing the database, so that
// at most one process acts on a given channel's notifications at a time -
// useful for fan-out work queues and leader-election-style consumers.
//
// Reserved channel names of the form "__<name>__lock__" are used
// internally to carry lock-release notifications and must not be used for
// application traffic; Listen and Notify reject them.
package pubsub
