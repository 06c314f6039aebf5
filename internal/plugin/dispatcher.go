package plugin

import (
	"context"

	"go.uber.org/zap"
)

// Dispatch runs every handler registered for the event's hook, highest
// priority first, and merges their results. Block and cancel stick once any
// handler sets them, keeping the first block reason; params, content, and
// message replacements are last-writer-wins. A handler error is logged and
// skipped so one failing plugin cannot silence the rest.
func (r *Registry) Dispatch(ctx context.Context, ev *Event) *Result {
	r.mu.RLock()
	regs := append([]hookRegistration(nil), r.hooks[ev.Hook]...)
	r.mu.RUnlock()

	merged := &Result{}
	for _, reg := range regs {
		res, err := r.invoke(ctx, reg.handler, ev)
		if err != nil {
			r.logger.Warn("hook handler failed",
				zap.String("hook", string(ev.Hook)),
				zap.Error(err))
			continue
		}
		if res == nil {
			continue
		}

		if res.Block && !merged.Block {
			merged.Block = true
			merged.BlockReason = res.BlockReason
		}
		if res.Cancel {
			merged.Cancel = true
		}
		if res.Params != nil {
			merged.Params = res.Params
			// replacement params feed the remaining handlers
			ev.Params = res.Params
		}
		if res.Content != nil {
			merged.Content = res.Content
			ev.Content = *res.Content
		}
		if res.Message != nil {
			merged.Message = res.Message
			ev.Message = res.Message
		}
	}
	return merged
}

// invoke isolates handler panics: a panicking handler is reported as an
// error and the dispatch continues.
func (r *Registry) invoke(ctx context.Context, handler HookHandler, ev *Event) (res *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("hook handler panicked",
				zap.String("hook", string(ev.Hook)),
				zap.Any("panic", rec))
			res = nil
			err = nil
		}
	}()
	return handler(ctx, ev)
}
