// Package logging builds the slog loggers used by the cryptostore binaries.
//
// The text format writes one colorized line per record:
//
//	15:04:05 INF crypto store opened component=cryptostore path=/data/crypto.db
//
// Colors follow github.com/fatih/color and are disabled automatically when
// the output is not a terminal.
package logging
