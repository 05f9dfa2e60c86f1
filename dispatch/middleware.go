package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aperturerobotics/go-gisquick-bridge/envelope"
	"github.com/aperturerobotics/go-gisquick-bridge/failure"
)

// Invoker produces the response for one decoded command.
type Invoker func(ctx context.Context, cmd *envelope.Command) *envelope.Response

// Middleware wraps an Invoker.
type Middleware func(next Invoker) Invoker

// Chain composes middlewares into one, the first one outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type requestIDKey struct{}

// RequestID returns the id Logging assigned to the command being handled.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logging logs every command with a generated request id, its status and
// duration. Failed commands are logged at warn level.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd *envelope.Command) *envelope.Response {
			id := uuid.NewString()
			ctx = context.WithValue(ctx, requestIDKey{}, id)

			start := time.Now()
			resp := next(ctx, cmd)
			attrs := []any{
				"request_id", id,
				"type", cmd.Type,
				"status", resp.Status,
				"duration", time.Since(start),
			}
			if resp.Status != failure.StatusOK {
				logger.WarnContext(ctx, "command failed", append(attrs, "error", resp.Data)...)
				return resp
			}
			logger.DebugContext(ctx, "command handled", attrs...)
			return resp
		}
	}
}

// RateLimit rejects commands beyond r per second with status 429, allowing
// bursts of up to burst commands.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd *envelope.Command) *envelope.Response {
			if !limiter.Allow() {
				resp := envelope.NewResponse(cmd)
				Fail(resp, failure.New("rate limit exceeded", 429))
				return resp
			}
			return next(ctx, cmd)
		}
	}
}

// Timeout gives every command a deadline. Handlers observe it through their
// context; an executor waiting on a handler gives up once it passes.
func Timeout(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd *envelope.Command) *envelope.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}
