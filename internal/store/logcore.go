package store

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/waypointlabs/geoengine/internal/models"
)

// LogCore is a zapcore.Core that mirrors every log entry it sees into the
// LogStore, asynchronously and best-effort: a slow or unavailable database
// must never block or fail the application's actual logging path, which
// continues through zap's other cores (stdout/stderr) regardless.
type LogCore struct {
	zapcore.LevelEnabler
	store  *Store
	fields []zapcore.Field
	queue  chan models.LogEntry
}

// NewLogCore constructs a LogCore over store, enabled at the given level,
// with a bounded async write queue. Entries are dropped (not blocked on)
// once the queue is full.
func NewLogCore(store *Store, enab zapcore.LevelEnabler) *LogCore {
	c := &LogCore{
		LevelEnabler: enab,
		store:        store,
		queue:        make(chan models.LogEntry, 256),
	}
	go c.drain()
	return c
}

func (c *LogCore) drain() {
	for entry := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.store.SaveLog(ctx, entry)
		cancel()
	}
}

// With returns a new core carrying additional structured fields, per
// zapcore.Core's contract.
func (c *LogCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &LogCore{LevelEnabler: c.LevelEnabler, store: c.store, fields: merged, queue: c.queue}
}

// Check adds this core to the CheckedEntry if the entry's level is enabled.
func (c *LogCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

// Write encodes entry and its fields into a models.LogEntry and enqueues it
// for asynchronous persistence, dropping it silently if the queue is full.
func (c *LogCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	tag, _ := enc.Fields["tag"].(string)

	record := models.LogEntry{
		Timestamp: entry.Time.UTC(),
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Tag:       tag,
	}
	select {
	case c.queue <- record:
	default:
	}
	return nil
}

// Sync is a no-op: the async queue has no buffered-but-unflushed OS file
// handle to flush.
func (c *LogCore) Sync() error { return nil }
