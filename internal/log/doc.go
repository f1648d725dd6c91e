// Package log provides slog loggers that never write control port
// credentials.
//
// SecureHandler wraps any slog.Handler and replaces sensitive attribute
// values with MaskValue before they are written:
//   - control passwords, HashedControlPassword values and auth cookies
//   - AUTHENTICATE command lines, whatever the attribute key
//   - SOCKS/HTTP authorization headers and onion service private keys
//
// Relay fingerprints are 40 hex characters and are not masked, so they
// remain usable when debugging path selection.
//
// # Usage
//
//	logger := log.NewSecureLogger(os.Stderr, verbose)
//	logger.Debug("sending command", "command", `AUTHENTICATE "hunter2"`)
//	// command=***REDACTED***
package log
