package log

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeys contains attribute keys whose values are never logged.
var sensitiveKeys = map[string]bool{
	// Control port credentials
	"password":                true,
	"control_password":        true,
	"hashedcontrolpassword":   true,
	"hashed_control_password": true,
	"cookie":                  true,
	"cookie_hex":              true,
	"auth_cookie":             true,
	"secret":                  true,

	// SOCKS and HTTP credentials
	"authorization":       true,
	"proxy-authorization": true,
	"socks_password":      true,
	"token":               true,
	"api_key":             true,

	// Onion service keys
	"private_key":       true,
	"privatekey":        true,
	"hs_ed25519_secret": true,
}

// sensitivePatterns match values that are secrets whatever their key.
var sensitivePatterns = []*regexp.Regexp{
	// AUTHENTICATE command with an argument (password or cookie hex)
	regexp.MustCompile(`(?i)^AUTHENTICATE\s+\S+`),

	// Raw 32 byte authentication cookie in hex
	regexp.MustCompile(`^[0-9A-Fa-f]{64}$`),

	// HashedControlPassword value ("16:" + salted S2K hash)
	regexp.MustCompile(`^16:[0-9A-Fa-f]{58,}$`),

	// SETCONF lines carrying a control password
	regexp.MustCompile(`(?i)HashedControlPassword\s*=`),

	// Bearer and Basic auth headers
	regexp.MustCompile(`(?i)^(bearer|basic)\s+.+`),

	// Private key markers
	regexp.MustCompile(`(?i)-----BEGIN.*(PRIVATE|SECRET).*KEY-----`),

	// ed25519v1 secret (onion service key file)
	regexp.MustCompile(`== ed25519v1-secret:`),
}

// MaskValue is the string used to replace sensitive values.
const MaskValue = "***REDACTED***"

// SecureHandler wraps an slog.Handler and masks credentials before records
// reach it. Relay fingerprints, addresses and circuit ids pass through
// unchanged.
type SecureHandler struct {
	handler slog.Handler
}

// NewSecureHandler creates a new SecureHandler wrapping the given handler.
// If handler is nil, slog.Default().Handler() is used.
func NewSecureHandler(handler slog.Handler) *SecureHandler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &SecureHandler{handler: handler}
}

// Enabled reports whether the handler handles records at the given level.
func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle masks the record's attributes and passes it on.
func (h *SecureHandler) Handle(ctx context.Context, r slog.Record) error {
	sanitized := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		sanitized.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.handler.Handle(ctx, sanitized)
}

// WithAttrs returns a new handler with the given attributes, masked.
func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitizedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		sanitizedAttrs[i] = sanitizeAttr(a)
	}
	return &SecureHandler{handler: h.handler.WithAttrs(sanitizedAttrs)}
}

// WithGroup returns a new handler with the given group name.
func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{handler: h.handler.WithGroup(name)}
}

// sanitizeAttr masks one attribute, descending into groups.
func sanitizeAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		sanitizedAttrs := make([]slog.Attr, len(attrs))
		for i, groupAttr := range attrs {
			sanitizedAttrs[i] = sanitizeAttr(groupAttr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(sanitizedAttrs...)}
	}

	keyLower := strings.ToLower(a.Key)
	if sensitiveKeys[keyLower] || containsSensitiveKeyword(keyLower) {
		return slog.String(a.Key, MaskValue)
	}

	if a.Value.Kind() == slog.KindString && isSensitiveValue(a.Value.String()) {
		return slog.String(a.Key, MaskValue)
	}
	return a
}

// containsSensitiveKeyword reports whether key contains a credential word.
// "cookie" alone is matched exactly so that "cookie_path" stays visible.
func containsSensitiveKeyword(key string) bool {
	for _, keyword := range []string{"password", "passwd", "secret", "token", "credential"} {
		if strings.Contains(key, keyword) {
			return true
		}
	}
	return false
}

// isSensitiveValue checks if a value matches sensitive patterns.
func isSensitiveValue(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

// level maps the verbose flag onto a level: Debug when verbose, Warn
// otherwise.
func level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// NewSecureLogger creates a text logger that masks credentials. verbose
// lowers the level from Warn to Debug.
func NewSecureLogger(w io.Writer, verbose bool) *slog.Logger {
	textHandler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level(verbose)})
	return slog.New(NewSecureHandler(textHandler))
}

// NewSecureJSONLogger is NewSecureLogger with JSON output.
func NewSecureJSONLogger(w io.Writer, verbose bool) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level(verbose)})
	return slog.New(NewSecureHandler(jsonHandler))
}
