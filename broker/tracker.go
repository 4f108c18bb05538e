package broker

import (
	"context"
	"log/slog"
	"sync"
)

// Adapter specific options travel in Options.Context. Each one is recorded
// with the name of the option function that set it, so options an adapter
// never reads can be reported instead of being silently ignored.

type trackerKey struct{}

type trackedValue struct {
	key      any
	value    any
	name     string
	consumed bool
}

type optionTracker struct {
	mu     sync.Mutex
	values []*trackedValue
}

// TrackOptions returns ctx carrying an option tracker. It is a no-op when ctx
// already has one.
func TrackOptions(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if trackerFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, trackerKey{}, &optionTracker{})
}

// WithTrackedValue stores val under key and remembers the option name.
func WithTrackedValue(ctx context.Context, key, val any, name string) context.Context {
	ctx = TrackOptions(ctx)
	t := trackerFrom(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.values {
		if v.key == key {
			v.value = val
			v.name = name
			v.consumed = false
			return ctx
		}
	}
	t.values = append(t.values, &trackedValue{key: key, value: val, name: name})
	return ctx
}

// GetTrackedValue returns the value stored under key and marks it consumed.
func GetTrackedValue(ctx context.Context, key any) any {
	t := trackerFrom(ctx)
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.values {
		if v.key == key {
			v.consumed = true
			return v.value
		}
	}
	return nil
}

// WarnUnconsumed logs every tracked option that was never read.
func WarnUnconsumed(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		return
	}
	t := trackerFrom(ctx)
	if t == nil {
		return
	}

	t.mu.Lock()
	var names []string
	for _, v := range t.values {
		if !v.consumed {
			names = append(names, v.name)
		}
	}
	t.mu.Unlock()

	for _, name := range names {
		logger.Warn("option not supported by this broker, ignored", "option", name)
	}
}

func trackerFrom(ctx context.Context) *optionTracker {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(trackerKey{}).(*optionTracker)
	return t
}
