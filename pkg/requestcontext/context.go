// Package requestcontext provides HTTP-independent context accessors for
// request-scoped actor values.
//
// This package defines context keys and getter/setter functions for values
// that are typically set by middleware but consumed by services. By keeping
// this package free of net/http dependencies, services can import only what
// they need without pulling in HTTP-related code.
//
// Usage in services (read values):
//
//	actor, err := requestcontext.RequireActor(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithActor(ctx, actor)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithActor(ctx, requestcontext.Actor{...})
package requestcontext

import (
	"context"

	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
)

// Role is the actor's coarse authorization role, carried for audit trails and
// service-level RBAC checks.
type Role string

const (
	RoleLabAnalyst   Role = "lab_analyst"
	RoleMicroAnalyst Role = "micro_analyst"
	RoleQCSupervisor Role = "qc_supervisor"
	RoleQAManager    Role = "qa_manager"
	RoleAdmin        Role = "admin"
	RoleSystemOwner  Role = "system_owner"
	// RoleSystem marks automated actors (auto-generated NCs, schedulers).
	RoleSystem Role = "system"
)

// Actor is the explicit request context every domain-service call runs under.
// It is never read from ambient globals; middleware builds it from the
// authenticated request and tests construct it directly.
type Actor struct {
	OrganizationID id.OrganizationID
	PlantID        id.PlantID
	UserID         id.UserID
	Role           Role
	// CorrelationID groups the audit events emitted by one logical operation.
	CorrelationID string
}

// System derives an automated-actor context from a human one, preserving the
// tenant scope and correlation id so auto-generated records stay traceable to
// the operation that caused them.
func (a Actor) System() Actor {
	a.Role = RoleSystem
	return a
}

type actorKey struct{}

// ContextKeyActor is exported for tests that need raw context.WithValue.
var ContextKeyActor = actorKey{}

// WithActor injects the actor context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ContextKeyActor, actor)
}

// ActorFrom retrieves the actor context. The second return is false when no
// middleware or test populated it.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ContextKeyActor).(Actor)
	return actor, ok
}

// RequireActor retrieves the actor context and validates tenant scope is
// present. Services call this first; an absent or unscoped actor is a
// validation failure, not a panic.
func RequireActor(ctx context.Context) (Actor, error) {
	actor, ok := ActorFrom(ctx)
	if !ok {
		return Actor{}, dErrors.New(dErrors.CodeValidation, "actor context is required")
	}
	if actor.OrganizationID.IsNil() {
		return Actor{}, dErrors.New(dErrors.CodeValidation, "actor organization scope is required")
	}
	if actor.UserID.IsNil() {
		return Actor{}, dErrors.New(dErrors.CodeValidation, "actor user id is required")
	}
	return actor, nil
}

// HasRole reports whether the actor holds one of the given roles.
// System owners pass every check.
func (a Actor) HasRole(roles ...Role) bool {
	if a.Role == RoleSystemOwner {
		return true
	}
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}
