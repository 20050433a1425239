package build

import (
	"context"
	"log/slog"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// fanout is a btclog handler that copies every record to a set of sinks,
// typically the console and a rotating log file. A record is emitted when at
// least one sink accepts its level, so the file can run at trace while the
// console stays at info.
type fanout struct {
	level btclog.Level
	sinks []btclogv2.Handler
}

// newFanout wraps the given sinks. The set starts at the info level.
func newFanout(sinks ...btclogv2.Handler) *fanout {
	f := &fanout{
		sinks: sinks,
		level: btclog.LevelInfo,
	}
	f.SetLevel(f.level)

	return f
}

// Enabled reports whether any sink accepts records at the given level.
func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sink := range f.sinks {
		if sink.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

// Handle hands the record to every sink that accepts its level.
func (f *fanout) Handle(ctx context.Context, record slog.Record) error {
	for _, sink := range f.sinks {
		if !sink.Enabled(ctx, record.Level) {
			continue
		}
		if err := sink.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs returns a handler whose sinks all carry the extra attributes.
// The result is a plain slog.Handler because the sink copies are too.
func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogFanout{sinks: make([]slog.Handler, len(f.sinks))}
	for i, sink := range f.sinks {
		next.sinks[i] = sink.WithAttrs(attrs)
	}

	return next
}

// WithGroup returns a handler whose sinks all open the named group.
func (f *fanout) WithGroup(name string) slog.Handler {
	next := &slogFanout{sinks: make([]slog.Handler, len(f.sinks))}
	for i, sink := range f.sinks {
		next.sinks[i] = sink.WithGroup(name)
	}

	return next
}

// SubSystem returns a fanout whose sinks all carry the subsystem tag.
func (f *fanout) SubSystem(tag string) btclogv2.Handler {
	next := &fanout{
		level: f.level,
		sinks: make([]btclogv2.Handler, len(f.sinks)),
	}
	for i, sink := range f.sinks {
		next.sinks[i] = sink.SubSystem(tag)
	}

	return next
}

// SetLevel moves every sink to the same level.
func (f *fanout) SetLevel(level btclog.Level) {
	for _, sink := range f.sinks {
		sink.SetLevel(level)
	}
	f.level = level
}

// Level returns the level last applied by SetLevel. Individual sinks may
// have been retuned since through SetSinkLevel.
func (f *fanout) Level() btclog.Level {
	return f.level
}

// SetSinkLevel retunes one sink, leaving the others where they are. Sink
// order follows construction: the console first, the file second.
func (f *fanout) SetSinkLevel(i int, level btclog.Level) {
	if i < 0 || i >= len(f.sinks) {
		return
	}
	f.sinks[i].SetLevel(level)
}

// WithPrefix returns a fanout whose sinks all prefix their messages.
func (f *fanout) WithPrefix(prefix string) btclogv2.Handler {
	next := &fanout{
		level: f.level,
		sinks: make([]btclogv2.Handler, len(f.sinks)),
	}
	for i, sink := range f.sinks {
		next.sinks[i] = sink.WithPrefix(prefix)
	}

	return next
}

var _ btclogv2.Handler = (*fanout)(nil)

// slogFanout carries a fanout through WithAttrs and WithGroup, which narrow
// the sink type to slog.Handler.
type slogFanout struct {
	sinks []slog.Handler
}

func (s *slogFanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sink := range s.sinks {
		if sink.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (s *slogFanout) Handle(ctx context.Context, record slog.Record) error {
	for _, sink := range s.sinks {
		if !sink.Enabled(ctx, record.Level) {
			continue
		}
		if err := sink.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

func (s *slogFanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogFanout{sinks: make([]slog.Handler, len(s.sinks))}
	for i, sink := range s.sinks {
		next.sinks[i] = sink.WithAttrs(attrs)
	}

	return next
}

func (s *slogFanout) WithGroup(name string) slog.Handler {
	next := &slogFanout{sinks: make([]slog.Handler, len(s.sinks))}
	for i, sink := range s.sinks {
		next.sinks[i] = sink.WithGroup(name)
	}

	return next
}

var _ slog.Handler = (*slogFanout)(nil)
