package engine

import (
	"sort"

	"catwalk/internal/store"
)

// Authoritative is the latest {game, players} state observed from the shared
// store. Version increments on every observed update so optimistic guesses
// can tell whether they have been superseded.
type Authoritative struct {
	Game    store.Game
	Players []store.Player
	Version int
}

// Optimistic is the client's local guess at the next turn state, made before
// the store write lands. It is only valid against the authoritative version
// it was derived from.
type Optimistic struct {
	Valid         bool
	Basis         int
	Phase         string
	CurrentPlayer *string
}

// View is the displayed state: authoritative rows overridden by a still-valid
// optimistic guess.
type View struct {
	Phase         string
	Round         int
	CurrentPlayer *string
	Players       []store.Player
}

// reconcile is the pure reducer combining both layers. An optimistic guess
// wins only while no fresher authoritative row has arrived; once one has,
// the local value is discarded entirely.
func reconcile(local Optimistic, authoritative Authoritative) View {
	view := View{
		Phase:         authoritative.Game.Phase,
		Round:         authoritative.Game.Round,
		CurrentPlayer: authoritative.Game.CurrentPlayer,
		Players:       authoritative.Players,
	}
	if local.Valid && local.Basis == authoritative.Version {
		if local.Phase != "" {
			view.Phase = local.Phase
		}
		view.CurrentPlayer = local.CurrentPlayer
	}
	return view
}

// turnOrder derives the presentation order from the player set: ascending
// join time, with the id string as tie-break so all clients agree even when
// created_at collides.
func turnOrder(players []store.Player) []store.Player {
	ordered := make([]store.Player, len(players))
	copy(ordered, players)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	return ordered
}

// nextPresenter returns the player after current in turn order, or nil when
// current is the last presenter of the round.
func nextPresenter(players []store.Player, currentID string) *store.Player {
	ordered := turnOrder(players)
	for i := range ordered {
		if ordered[i].ID == currentID {
			if i+1 < len(ordered) {
				return &ordered[i+1]
			}
			return nil
		}
	}
	return nil
}

// expectedVotes is the quorum for ending a turn early: every player except
// the presenter.
func expectedVotes(playerCount int) int {
	if playerCount <= 1 {
		return 0
	}
	return playerCount - 1
}
