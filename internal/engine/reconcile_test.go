package engine

import (
	"testing"
	"time"

	"catwalk/internal/db"
	"catwalk/internal/store"
)

func TestReconcilePrecedence(t *testing.T) {
	current := "p1"
	authoritative := Authoritative{
		Game:    store.Game{Phase: db.PhaseRating, Round: 2, CurrentPlayer: &current},
		Version: 3,
	}

	next := "p2"
	fresh := Optimistic{Valid: true, Basis: 3, CurrentPlayer: &next}
	view := reconcile(fresh, authoritative)
	if view.CurrentPlayer == nil || *view.CurrentPlayer != "p2" {
		t.Fatalf("fresh optimistic guess must win, got %v", view.CurrentPlayer)
	}

	stale := Optimistic{Valid: true, Basis: 2, CurrentPlayer: &next}
	view = reconcile(stale, authoritative)
	if view.CurrentPlayer == nil || *view.CurrentPlayer != "p1" {
		t.Fatalf("stale optimistic guess must lose, got %v", view.CurrentPlayer)
	}

	view = reconcile(Optimistic{}, authoritative)
	if view.Phase != db.PhaseRating || view.Round != 2 {
		t.Fatalf("empty optimistic layer must pass authoritative through")
	}
}

func TestNextPresenter(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	players := []store.Player{
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Second)},
		{ID: "c", CreatedAt: base.Add(2 * time.Second)},
	}
	if next := nextPresenter(players, "a"); next == nil || next.ID != "b" {
		t.Fatalf("expected b after a, got %v", next)
	}
	if next := nextPresenter(players, "c"); next != nil {
		t.Fatalf("expected nil after last presenter, got %v", next)
	}
	if next := nextPresenter(players, "missing"); next != nil {
		t.Fatalf("expected nil for unknown presenter, got %v", next)
	}
}

func TestExpectedVotes(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 2: 1, 5: 4}
	for players, want := range cases {
		if got := expectedVotes(players); got != want {
			t.Fatalf("expectedVotes(%d) = %d, want %d", players, got, want)
		}
	}
}
