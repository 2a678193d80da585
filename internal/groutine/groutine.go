// Package groutine starts goroutines labelled for pprof, so session workers show up by
// name in goroutine profiles.
package groutine

import (
	"context"
	"runtime/pprof"
)

// LabelKey is the pprof label holding the goroutine name.
const LabelKey = "goroutine_name"

// Run starts fn in a goroutine labelled name and returns a channel closed after fn returns.
// A nil parent is treated as context.Background().
//
//	done := groutine.Run(ctx, "ble-scan", func(ctx context.Context) { ... })
func Run(parent context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parent == nil {
		parent = context.Background()
	}
	done := make(chan struct{})
	go pprof.Do(parent, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	return done
}

// Go is Run for callers that never wait.
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	_ = Run(parent, name, fn)
}

// Name returns the label set by Go or Run, or "" outside such a goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := pprof.Label(ctx, LabelKey)
	return name
}
