// Package logging wraps log/slog so every entry carries the service
// identity and honours the level, format, and output chosen in the
// config file. JSON is the default format; text is available for
// development.
package logging
