package auth

import (
	"context"
	"errors"
	"testing"

	"hubline/internal/domain"
)

func TestHubAccess(t *testing.T) {
	client := Principal{ActorID: "c1", Hubs: []string{"hub-1"}}
	if !client.CanAccessHub("hub-1") || client.CanAccessHub("hub-2") {
		t.Fatalf("client grants not honoured")
	}
	err := client.RequireHub("hub-2")
	var forbidden domain.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.HubID != "hub-2" {
		t.Fatalf("expected forbidden for hub-2, got %v", err)
	}
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("forbidden must unwrap to ErrForbidden")
	}

	staff := Principal{ActorID: "s1", Staff: true}
	if err := staff.RequireHub("anything"); err != nil {
		t.Fatalf("staff should access every hub: %v", err)
	}
	wildcard := Principal{ActorID: "c2", Hubs: []string{AllHubs}}
	if !wildcard.CanAccessHub("hub-9") {
		t.Fatalf("wildcard grant should open every hub")
	}
}

func TestRequireStaff(t *testing.T) {
	err := Principal{ActorID: "c1"}.RequireStaff("creating decisions")
	if err == nil || err.Error() != "creating decisions requires staff access" {
		t.Fatalf("unexpected error %v", err)
	}
	if err := (Principal{Staff: true}).RequireStaff("x"); err != nil {
		t.Fatalf("staff rejected: %v", err)
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{ActorID: "a", Name: "Ann"})
	p, ok := FromContext(ctx)
	if !ok || p.Actor() != (domain.Actor{ID: "a", Name: "Ann"}) {
		t.Fatalf("principal round trip failed: %+v", p)
	}
}
