package adslot

import (
	"context"
	"time"

	"github.com/hazyhaar/adslot/adslot/internal/store"
	"github.com/hazyhaar/adslot/kit"
)

// auditing records the calls of a mutating operation in the audit log, if
// one is attached.
func (r *Runtime) auditing(op string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if r.audit != nil {
				r.audit.Record(op, req, err, time.Since(start), store.AuditMeta{
					Transport: kit.GetTransport(ctx),
					SessionID: r.session,
					RequestID: kit.GetRequestID(ctx),
				})
			}
			return resp, err
		}
	}
}

// audited runs fn as an audited operation with params as its parameters.
func (r *Runtime) audited(ctx context.Context, op string, params any, fn func() error) error {
	ep := r.auditing(op)(func(context.Context, any) (any, error) { return nil, fn() })
	_, err := ep(ctx, params)
	return err
}
