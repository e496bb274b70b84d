// Package requestctx provides request-scoped values (e.g. the authenticated
// actor) set by middleware.
package requestctx

import "context"

type contextKey struct{}

var actorIDKey = &contextKey{}

// SetActorID stores the authenticated actor identity in the context.
func SetActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDKey, actorID)
}

// ActorID returns the actor identity from context, or "" if not set.
func ActorID(ctx context.Context) string {
	v, _ := ctx.Value(actorIDKey).(string)
	return v
}
