package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

const redacted = "***"

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown values fall back
// to info and report ok=false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	default:
		return slog.LevelInfo, false
	}
}

// Redactor scrubs known secret values out of log records.
type Redactor struct {
	secrets []string
}

// NewRedactor ignores empty and very short values, which would otherwise
// mangle unrelated text.
func NewRedactor(secrets ...string) *Redactor {
	seen := make(map[string]bool)
	var out []string
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) < 4 || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		// chat tokens are configured with and without the oauth: prefix
		if bare := strings.TrimPrefix(s, "oauth:"); bare != s && len(bare) >= 4 && !seen[bare] {
			seen[bare] = true
			out = append(out, bare)
		}
	}
	// longest first so a secret containing another is replaced whole
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return &Redactor{secrets: out}
}

// Redact replaces every secret occurrence in s.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	for _, secret := range r.secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, redacted)
		}
	}
	return s
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook. It rewrites the
// message, string attributes and error attributes.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if r == nil || len(r.secrets) == 0 {
		return a
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		if s := v.String(); s != r.Redact(s) {
			return slog.String(a.Key, r.Redact(s))
		}
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return slog.String(a.Key, r.Redact(x.Error()))
		case fmt.Stringer:
			if s := x.String(); s != r.Redact(s) {
				return slog.String(a.Key, r.Redact(s))
			}
		}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LogOptions selects the handler built by NewLogger.
type LogOptions struct {
	Level  string
	Format string // text | json
	File   string // optional append-only copy of the output
}

// NewLogger builds the process logger. The returned closer releases the log
// file, if any.
func NewLogger(stdout io.Writer, opts LogOptions, r *Redactor) (*slog.Logger, io.Closer, error) {
	lvl, known := ParseLevel(opts.Level)
	var w io.Writer = stdout
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(stdout, f)
		closer = f
	}
	ho := &slog.HandlerOptions{Level: lvl, ReplaceAttr: r.ReplaceAttr}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	logger := slog.New(h)
	if !known {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", opts.Level))
	}
	return logger, closer, nil
}
