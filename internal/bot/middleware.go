package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"svitlobot/internal/i18n"
	logx "svitlobot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// pipeline is the per-command chain. Gates reply themselves and stop the chain
// without an error.
func (b *Bot) pipeline(cmd command) HandlerFunc {
	mw := []Middleware{mwRecover(), mwRequestLog()}
	if cmd.admin {
		mw = append(mw, b.mwAdminOnly())
	} else {
		mw = append(mw, b.mwTechGate())
	}
	mw = append(mw, mwTimeout(b.config().CommandTimeout))
	return Chain(cmd.handle, mw...)
}

// mwAdminOnly makes admin commands indistinguishable from unknown ones.
func (b *Bot) mwAdminOnly() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if !req.IsAdmin {
				req.Log.Debug("admin command refused")
				b.reply(ctx, req, b.text(req, i18n.KeyUnknownCommand, nil))
				return nil
			}
			return next(ctx, req)
		}
	}
}

// mwTechGate answers non-admins with the maintenance notice while tech mode is on.
func (b *Bot) mwTechGate() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if !req.IsAdmin && b.techMode(ctx, req) {
				b.reply(ctx, req, b.text(req, i18n.KeyTechWork, nil))
				return nil
			}
			return next(ctx, req)
		}
	}
}

func mwTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func mwRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// mwRequestLog keeps INFO for slow or failed commands.
func mwRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			fields := []logx.Field{logx.Duration("dur", d), logx.Bool("admin", req.IsAdmin)}
			switch {
			case err != nil:
				req.Log.Warn("command failed", append(fields, logx.Err(err))...)
			case d >= slowCommand:
				req.Log.Info("command slow", fields...)
			default:
				req.Log.Debug("command ok", fields...)
			}
			return err
		}
	}
}

const slowCommand = 750 * time.Millisecond
