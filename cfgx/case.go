package cfgx

import "github.com/DonsWayo/pg-pubsub/cfgx/internal/casing"

// toSnakeCase, toScreamingSnakeCase, and toKebabCase derive the default
// env var and flag names from a dot-separated struct path (e.g.
// "Logging.Level"), delegating to the casing package the sources in this
// package already use for the same job.
func toSnakeCase(s string) string { return casing.ToSnake(s) }

func toScreamingSnakeCase(s string) string { return casing.ToScreamingSnake(s) }

func toKebabCase(s string) string { return casing.ToKebab(s) }
