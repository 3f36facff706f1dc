package shared

import "context"

// Actor identifies the authenticated caller of a request: the user the
// service token acts for and the organization scope it was minted with.
type Actor struct {
	UserID         int64
	OrganizationID int64
	TokenID        string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
