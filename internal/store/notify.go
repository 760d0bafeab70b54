package store

import "sync"

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

const (
	TableGames   = "games"
	TablePlayers = "players"
	TableEntries = "entries"
	TableVotes   = "votes"
)

// Change is a row-level notification delivered to subscribers of a game.
// Exactly one of the row pointers is set, matching Table.
type Change struct {
	Table  string
	Type   ChangeType
	GameID string
	Game   *Game
	Player *Player
	Entry  *Entry
	Vote   *Vote
}

// notifier fans row changes out to per-game subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the change and is
// expected to reconcile through its poll fallback.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan Change
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[int]chan Change)}
}

func (n *notifier) Subscribe(gameID string) (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	group := n.subs[gameID]
	if group == nil {
		group = make(map[int]chan Change)
		n.subs[gameID] = group
	}
	id := n.next
	n.next++
	ch := make(chan Change, 64)
	group[id] = ch
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if group, ok := n.subs[gameID]; ok {
			if ch, ok := group[id]; ok {
				delete(group, id)
				close(ch)
			}
			if len(group) == 0 {
				delete(n.subs, gameID)
			}
		}
	}
	return ch, cancel
}

func (n *notifier) Publish(change Change) {
	n.mu.Lock()
	chans := make([]chan Change, 0, len(n.subs[change.GameID]))
	for _, ch := range n.subs[change.GameID] {
		chans = append(chans, ch)
	}
	n.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- change:
		default:
		}
	}
}
