// Package auth decides whether an authenticated principal may act on a hub.
// Identity itself comes from the bearer token; nothing here verifies credentials.
package auth

import (
	"context"
	"slices"

	"hubline/internal/domain"
)

const (
	SourceToken  = "token"
	SourceHeader = "header"
	SourceLocal  = "local"
	// AllHubs in a grant list opens every hub.
	AllHubs = "*"
)

type Principal struct {
	ActorID string
	Name    string
	Staff   bool
	Hubs    []string
	Source  string
}

func (p Principal) Actor() domain.Actor {
	return domain.Actor{ID: p.ActorID, Name: p.Name}
}

// CanAccessHub reports whether the principal may read or act on hubID. Staff see every hub.
func (p Principal) CanAccessHub(hubID string) bool {
	if p.Staff {
		return true
	}
	return slices.Contains(p.Hubs, AllHubs) || slices.Contains(p.Hubs, hubID)
}

func (p Principal) RequireHub(hubID string) error {
	if !p.CanAccessHub(hubID) {
		return domain.ForbiddenError{HubID: hubID}
	}
	return nil
}

func (p Principal) RequireStaff(action string) error {
	if !p.Staff {
		return domain.ForbiddenError{Reason: action + " requires staff access"}
	}
	return nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
