package store

import (
	"context"
	"time"

	"github.com/firecrew/telemetry/pkg/ccflog"
)

type queryCtxKey string

const beginKey queryCtxKey = "begin"

// queryHooks satisfies sqlhooks.Hooks, logging every statement at debug
// level and its elapsed time — the same instrumentation point the
// Session Registry uses on the server side.
type queryHooks struct {
	log *ccflog.Logger
}

func (h *queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	h.log.Debugf("store: query %s %q", query, args)
	return context.WithValue(ctx, beginKey, time.Now()), nil
}

func (h *queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(beginKey).(time.Time); ok {
		h.log.Debugf("store: took %s", time.Since(begin))
	}
	return ctx, nil
}
