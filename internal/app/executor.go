package app

import (
	"context"
	"errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	"svitlobot/internal/task/engine"
	logx "svitlobot/pkg/logx"
)

// fallbackExecutor prefers the task engine. When the engine is disabled
// through config, stopped, or restarting its pool, tasks still run, each on
// its own goroutine.
type fallbackExecutor struct {
	eng     *engine.Service
	timeout atomic.Int64 // time.Duration
	log     logx.Logger
}

func newFallbackExecutor(eng *engine.Service, timeout time.Duration, log logx.Logger) *fallbackExecutor {
	f := &fallbackExecutor{eng: eng, log: log}
	f.setTimeout(timeout)
	return f
}

func (f *fallbackExecutor) setTimeout(d time.Duration) {
	if d <= 0 {
		d = time.Minute
	}
	f.timeout.Store(int64(d))
}

func (f *fallbackExecutor) Enqueue(t engine.Task) error {
	err := f.eng.Enqueue(t)
	if err == nil || !runsInline(err) {
		return err
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = time.Duration(f.timeout.Load())
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := t.Run(ctx); err != nil {
			f.log.Warn("task failed", logx.String("task", t.Name), logx.Err(err))
		}
	}()
	return nil
}

// runsInline reports whether an engine refusal means the task should run on
// its own goroutine instead of being dropped.
func runsInline(err error) bool {
	return errors.Is(err, engine.ErrDisabled) ||
		errors.Is(err, engine.ErrStopped) ||
		errors.Is(err, engine.ErrStopping)
}
