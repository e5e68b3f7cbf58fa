package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dailyWriter appends to audit.log.<date> under dir, rolling the file when
// the UTC date changes. Write failures surface to the slog handler, which
// drops the record and carries on; audit logging never blocks a request.
type dailyWriter struct {
	mu  sync.Mutex
	dir string
	day string
	f   *os.File
}

func newDailyWriter(dir string) *dailyWriter {
	return &dailyWriter{dir: dir}
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := time.Now().UTC().Format("2006-01-02")
	if w.f == nil || day != w.day {
		if w.f != nil {
			_ = w.f.Close()
		}
		path := filepath.Join(w.dir, "audit.log."+day)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		w.f = f
		w.day = day
	}
	return w.f.Write(p)
}

// fanoutHandler forwards records to every wrapped handler.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, record.Level) {
			_ = handler.Handle(ctx, record.Clone())
		}
	}
	return nil
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		next = append(next, handler.WithAttrs(attrs))
	}
	return fanoutHandler{handlers: next}
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		next = append(next, handler.WithGroup(name))
	}
	return fanoutHandler{handlers: next}
}

// InitLogging routes slog to a daily-rolling JSON audit log under auditDir,
// optionally mirroring a text handler to stderr.
func InitLogging(auditDir string, logToStderr bool) error {
	if err := os.MkdirAll(auditDir, 0o755); err != nil {
		return fmt.Errorf("create audit dir %s: %w", auditDir, err)
	}
	handlers := []slog.Handler{
		slog.NewJSONHandler(newDailyWriter(auditDir), &slog.HandlerOptions{Level: slog.LevelInfo}),
	}
	if logToStderr {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	slog.SetDefault(slog.New(fanoutHandler{handlers: handlers}))
	return nil
}
