package registry

import (
	"context"
	"time"

	"github.com/firecrew/telemetry/pkg/ccflog"
)

type queryCtxKey string

const beginKey queryCtxKey = "begin"

// queryHooks satisfies sqlhooks.Hooks, the same query-timing instrument
// the edge Local Store registers on its own driver.
type queryHooks struct {
	log *ccflog.Logger
}

func (h *queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	h.log.Debugf("registry: query %s %q", query, args)
	return context.WithValue(ctx, beginKey, time.Now()), nil
}

func (h *queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(beginKey).(time.Time); ok {
		h.log.Debugf("registry: took %s", time.Since(begin))
	}
	return ctx, nil
}
