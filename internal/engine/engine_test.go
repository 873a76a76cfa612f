package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hubline/internal/db"
	"hubline/internal/domain"
	"hubline/internal/engine"
	"hubline/internal/logging"
	"hubline/internal/migrate"
	"hubline/internal/portfolio"
	"hubline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var (
	t0    = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	staff = domain.Actor{ID: "staff-1", Name: "Hamza Staff"}
	cli   = domain.Actor{ID: "client-1", Name: "Sarah Client"}
)

func newSQLiteStore(t *testing.T) engine.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn)
}

func newEnv(t *testing.T, store engine.Store) testEnv {
	t.Helper()
	clock := &fakeClock{t: t0}
	eng := engine.New(store, logging.Discard())
	eng.Now = clock.Now
	return testEnv{Engine: eng, Ctx: context.Background(), clock: clock}
}

// forEachStore runs fn against the durable store and the in-memory one.
func forEachStore(t *testing.T, fn func(t *testing.T, env testEnv)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newEnv(t, newSQLiteStore(t))) })
	t.Run("memory", func(t *testing.T) { fn(t, newEnv(t, repo.NewMemory())) })
}

func mustCreate(t *testing.T, env testEnv, title string) domain.DecisionItem {
	t.Helper()
	item, err := env.Engine.Create(env.Ctx, engine.CreateInput{HubID: "hub-1", Title: title, Actor: staff})
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return item
}

func TestDecisionLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		item := mustCreate(t, env, "Approve homepage hero design")
		if item.Status != domain.DecisionOpen {
			t.Fatalf("expected open, got %s", item.Status)
		}
		if !item.CreatedAt.Equal(item.UpdatedAt) {
			t.Fatalf("created_at and updated_at differ on create")
		}

		env.clock.Set(t0.Add(time.Hour))
		res, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: item.ID, To: domain.DecisionInReview, Actor: cli})
		if err != nil {
			t.Fatalf("to in_review: %v", err)
		}
		if res.Transition.FromStatus != domain.DecisionOpen || res.Transition.ToStatus != domain.DecisionInReview {
			t.Fatalf("unexpected transition %s -> %s", res.Transition.FromStatus, res.Transition.ToStatus)
		}
		if res.Item.UpdatedBy != cli.ID || res.Transition.ChangedByName != cli.Name {
			t.Fatalf("actor not recorded: %+v", res)
		}

		env.clock.Set(t0.Add(2 * time.Hour))
		if _, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: item.ID, To: domain.DecisionApproved, Reason: "looks great", Actor: cli}); err != nil {
			t.Fatalf("to approved: %v", err)
		}

		_, err = env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: item.ID, To: domain.DecisionDeclined, Actor: cli})
		var conflict domain.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if conflict.From != domain.DecisionApproved || conflict.To != domain.DecisionDeclined {
			t.Fatalf("conflict detail = %+v", conflict)
		}

		history, err := env.Engine.History(env.Ctx, "hub-1", item.ID)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 transitions, got %d", len(history))
		}
		if history[1].ToStatus != domain.DecisionApproved || history[1].Reason != "looks great" {
			t.Fatalf("unexpected last transition %+v", history[1])
		}
	})
}

func TestRejectedTransitionDoesNotMutate(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		item := mustCreate(t, env, "Sign off budget")
		env.clock.Set(t0.Add(time.Hour))
		if _, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: item.ID, To: domain.DecisionInReview, Actor: cli}); err != nil {
			t.Fatal(err)
		}
		before, _ := env.Engine.Get(env.Ctx, "hub-1", item.ID)
		histBefore, _ := env.Engine.History(env.Ctx, "hub-1", item.ID)

		env.clock.Set(t0.Add(5 * time.Hour))
		for _, to := range []domain.DecisionStatus{domain.DecisionOpen, domain.DecisionInReview} {
			_, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: item.ID, To: to, Actor: cli})
			if !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("in_review -> %s: expected conflict, got %v", to, err)
			}
		}

		after, _ := env.Engine.Get(env.Ctx, "hub-1", item.ID)
		histAfter, _ := env.Engine.History(env.Ctx, "hub-1", item.ID)
		if after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) || after.UpdatedBy != before.UpdatedBy {
			t.Fatalf("item mutated: before %+v after %+v", before, after)
		}
		if len(histAfter) != len(histBefore) || histAfter[0].ID != histBefore[0].ID {
			t.Fatalf("history mutated")
		}
	})
}

func TestSuccessfulTransitionIsVisibleWithHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		item := mustCreate(t, env, "Choose hosting")
		res, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: item.ID, To: domain.DecisionDeclined, Comment: "too costly", Actor: cli})
		if err != nil {
			t.Fatal(err)
		}
		got, err := env.Engine.Get(env.Ctx, "hub-1", item.ID)
		if err != nil {
			t.Fatal(err)
		}
		history, err := env.Engine.History(env.Ctx, "hub-1", item.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.DecisionDeclined || len(history) != 1 || history[0].ID != res.Transition.ID {
			t.Fatalf("item and history disagree: %+v %+v", got, history)
		}
		if history[0].Comment != "too costly" || !history[0].ChangedAt.Equal(got.UpdatedAt) {
			t.Fatalf("transition fields not recorded: %+v", history[0])
		}
	})
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		item := mustCreate(t, env, "Pick launch date")
		targets := []domain.DecisionStatus{domain.DecisionApproved, domain.DecisionDeclined, domain.DecisionApproved, domain.DecisionDeclined}
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   []domain.DecisionStatus
			conflicts []domain.ConflictError
		)
		for i, to := range targets {
			wg.Add(1)
			go func(i int, to domain.DecisionStatus) {
				defer wg.Done()
				actor := domain.Actor{ID: fmt.Sprintf("client-%d", i)}
				res, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: item.ID, To: to, Actor: actor})
				mu.Lock()
				defer mu.Unlock()
				var c domain.ConflictError
				switch {
				case err == nil:
					winners = append(winners, res.Item.Status)
				case errors.As(err, &c):
					conflicts = append(conflicts, c)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i, to)
		}
		wg.Wait()
		if len(winners) != 1 {
			t.Fatalf("expected exactly one winner, got %v", winners)
		}
		for _, c := range conflicts {
			if c.From != winners[0] {
				t.Fatalf("loser saw from=%s, winner set %s", c.From, winners[0])
			}
		}
		history, _ := env.Engine.History(env.Ctx, "hub-1", item.ID)
		if len(history) != 1 {
			t.Fatalf("expected one transition, got %d", len(history))
		}
	})
}

func TestExpectedStatusMismatchConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		item := mustCreate(t, env, "Confirm copy")
		if _, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: item.ID, To: domain.DecisionInReview, Actor: cli}); err != nil {
			t.Fatal(err)
		}
		// legal edge from the stored status, but the caller read an older one
		_, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{
			HubID: "hub-1", DecisionID: item.ID, To: domain.DecisionApproved, ExpectedFrom: domain.DecisionOpen, Actor: cli,
		})
		var conflict domain.ConflictError
		if !errors.As(err, &conflict) || conflict.From != domain.DecisionInReview {
			t.Fatalf("expected conflict from in_review, got %v", err)
		}
		got, _ := env.Engine.Get(env.Ctx, "hub-1", item.ID)
		if got.Status != domain.DecisionInReview {
			t.Fatalf("status changed to %s", got.Status)
		}
	})
}

func TestUpdatedAtNeverGoesBackwards(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		item := mustCreate(t, env, "Review sitemap")
		env.clock.Set(t0.Add(-time.Hour))
		res, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: item.ID, To: domain.DecisionApproved, Actor: cli})
		if err != nil {
			t.Fatal(err)
		}
		if res.Item.UpdatedAt.Before(item.UpdatedAt) {
			t.Fatalf("updated_at went backwards: %s < %s", res.Item.UpdatedAt, item.UpdatedAt)
		}
	})
}

func TestCreateValidation(t *testing.T) {
	env := newEnv(t, repo.NewMemory())
	cases := []struct {
		name  string
		in    engine.CreateInput
		field string
	}{
		{"blank title", engine.CreateInput{HubID: "hub-1", Title: "   ", Actor: staff}, "title"},
		{"missing hub", engine.CreateInput{Title: "x", Actor: staff}, "hub_id"},
		{"missing actor", engine.CreateInput{HubID: "hub-1", Title: "x"}, "actor"},
		{"bad resource kind", engine.CreateInput{HubID: "hub-1", Title: "x", Actor: staff, RelatedResource: &domain.ResourceRef{Kind: "invoice", ID: "i1"}}, "related_resource.kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.Create(env.Ctx, tc.in)
			var verr domain.ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestGetAndUpdateUnknownDecision(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		item := mustCreate(t, env, "Hub scoped")
		if _, err := env.Engine.Get(env.Ctx, "hub-2", item.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("other hub: expected not found, got %v", err)
		}
		_, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: "missing", To: domain.DecisionApproved, Actor: cli})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if errors.Is(err, domain.ErrConflict) {
			t.Fatalf("not found must not read as conflict")
		}
		if _, err := env.Engine.History(env.Ctx, "hub-2", item.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("history other hub: expected not found, got %v", err)
		}
	})
}

func TestListPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		for i := 0; i < 5; i++ {
			env.clock.Set(t0.Add(time.Duration(i) * time.Minute))
			in := engine.CreateInput{HubID: "hub-1", Title: fmt.Sprintf("item %d", i), Actor: staff}
			if i%2 == 0 {
				in.Assignee = "client-1"
			}
			if _, err := env.Engine.Create(env.Ctx, in); err != nil {
				t.Fatal(err)
			}
		}
		page, err := env.Engine.List(env.Ctx, "hub-1", engine.ListFilter{}, 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 2 || page.Items[0].Title != "item 2" {
			t.Fatalf("unexpected page 2: %+v", page.Items)
		}
		if page.Pagination.TotalItems != 5 || page.Pagination.TotalPages != 3 || page.Pagination.Page != 2 {
			t.Fatalf("unexpected pagination %+v", page.Pagination)
		}

		assigned, err := env.Engine.List(env.Ctx, "hub-1", engine.ListFilter{Assignee: "client-1"}, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if assigned.Pagination.TotalItems != 3 || assigned.Pagination.PageSize != engine.DefaultPageSize || assigned.Pagination.Page != 1 {
			t.Fatalf("unexpected assignee filter result %+v", assigned.Pagination)
		}

		empty, err := env.Engine.List(env.Ctx, "hub-1", engine.ListFilter{Status: domain.DecisionApproved}, 1, 500)
		if err != nil {
			t.Fatal(err)
		}
		if empty.Items == nil || len(empty.Items) != 0 || empty.Pagination.PageSize != engine.MaxPageSize {
			t.Fatalf("unexpected empty result %+v", empty)
		}

		if _, err := env.Engine.List(env.Ctx, "hub-1", engine.ListFilter{Status: "pending"}, 1, 10); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestListPageBeyondIntRange(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		mustCreate(t, env, "only item")
		const far = 461168601842738792
		page, err := env.Engine.List(env.Ctx, "hub-1", engine.ListFilter{}, far, 20)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 0 {
			t.Fatalf("expected no items past the end, got %+v", page.Items)
		}
		if page.Pagination.Page != far || page.Pagination.TotalItems != 1 || page.Pagination.TotalPages != 1 {
			t.Fatalf("unexpected pagination %+v", page.Pagination)
		}
	})
}

func TestStoresRejectNegativeOffset(t *testing.T) {
	for name, store := range map[string]engine.Store{
		"sqlite": newSQLiteStore(t),
		"memory": repo.NewMemory(),
	} {
		if _, _, err := store.ListDecisions(context.Background(), "hub-1", repo.DecisionFilter{Offset: -20, Limit: 20}); err == nil {
			t.Fatalf("%s: expected error for negative offset", name)
		}
	}
}

func TestWaiting(t *testing.T) {
	forEachStore(t, func(t *testing.T, env testEnv) {
		soon := t0.Add(48 * time.Hour)
		later := t0.Add(10 * 24 * time.Hour)
		mk := func(title string, due *time.Time) domain.DecisionItem {
			item, err := env.Engine.Create(env.Ctx, engine.CreateInput{HubID: "hub-1", Title: title, DueDate: due, Actor: staff})
			if err != nil {
				t.Fatal(err)
			}
			return item
		}
		undated := mk("undated", nil)
		mk("later", &later)
		done := mk("done", &soon)
		mk("soon", &soon)
		if _, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: done.ID, To: domain.DecisionApproved, Actor: cli}); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusInput{HubID: "hub-1", DecisionID: undated.ID, To: domain.DecisionInReview, Actor: cli}); err != nil {
			t.Fatal(err)
		}

		waiting, err := env.Engine.Waiting(env.Ctx, "hub-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(waiting) != 3 {
			t.Fatalf("expected 3 waiting, got %d", len(waiting))
		}
		want := []struct {
			title string
			band  portfolio.UrgencyBand
		}{{"soon", portfolio.BandUrgent}, {"later", portfolio.BandNormal}, {"undated", portfolio.BandNormal}}
		for i, w := range want {
			if waiting[i].Title != w.title || waiting[i].Urgency != w.band {
				t.Fatalf("position %d: got %s/%s want %s/%s", i, waiting[i].Title, waiting[i].Urgency, w.title, w.band)
			}
		}
	})
}
