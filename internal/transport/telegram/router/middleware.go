package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "outagewatch/pkg/logx"
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

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if req != nil && !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				// slow requests stay visible at INFO
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWChatThrottle allows burst calls per chat and then one per every. A
// throttled call is answered with reply and never reaches next.
func MWChatThrottle(every time.Duration, burst int, reply string) Middleware {
	t := &chatThrottle{every: every, burst: max(burst, 1), chats: map[int64]*chatLimiter{}, now: time.Now}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if every <= 0 || t.allow(req.Chat.ChatID) {
				return next(ctx, req)
			}
			req.Logger.Debug("request throttled")
			req.Reply(ctx, reply)
			return nil
		}
	}
}

type chatLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

type chatThrottle struct {
	every time.Duration
	burst int
	now   func() time.Time

	mu    sync.Mutex
	chats map[int64]*chatLimiter
}

func (t *chatThrottle) allow(chatID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	cl, ok := t.chats[chatID]
	if !ok {
		if len(t.chats) >= 1024 {
			t.sweepLocked(now)
		}
		cl = &chatLimiter{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.chats[chatID] = cl
	}
	cl.seen = now
	return cl.lim.AllowN(now, 1)
}

// sweepLocked drops chats whose bucket has fully refilled.
func (t *chatThrottle) sweepLocked(now time.Time) {
	idle := t.every * time.Duration(t.burst)
	for id, cl := range t.chats {
		if now.Sub(cl.seen) >= idle {
			delete(t.chats, id)
		}
	}
}
