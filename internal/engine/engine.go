package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"catwalk/internal/bus"
	"catwalk/internal/db"
	"catwalk/internal/store"

	"go.uber.org/zap"
)

// GameStore is the slice of the shared game store the engine consumes:
// point reads, last-write-wins updates, the count-only quorum query, and the
// per-game change feed.
type GameStore interface {
	GameByID(id string) (*store.Game, error)
	PlayersByGame(gameID string) ([]store.Player, error)
	CountVotes(gameID string, round int, targetID string) (int, error)
	UpdateGame(id string, updates map[string]any) (*store.Game, error)
	InsertVote(vote *store.Vote) (*store.Vote, error)
	ResetReady(gameID string) error
	Subscribe(gameID string) (<-chan store.Change, func())
}

// Scorer aggregates the round's votes into player score updates. Opaque to
// the engine; the HTTP score endpoint implements it server-side.
type Scorer interface {
	ComputeScores(ctx context.Context, gameID string, round int) ([]bus.Standing, error)
}

// Bus is the event-bus surface the engine needs: typed subscriptions and the
// presenter-to-viewers animation relay.
type Bus interface {
	Subscribe(event bus.Event, handler func(json.RawMessage)) func()
	SendAnimation(command string, parameters map[string]any) error
}

type Options struct {
	GameID            string
	UserID            string
	TurnDuration      time.Duration
	CustomizeDuration time.Duration
	VotePollInterval  time.Duration
}

// Snapshot is what the UI layer renders: the reconciled view plus the
// client-local turn state.
type Snapshot struct {
	View
	Countdown       int
	HasVoted        bool
	Standings       []bus.Standing
	Animations      []string
	ChosenAnimation string
	RemoteAnimation string
}

var (
	ErrNoPresenter  = errors.New("no presenter on stage")
	ErrOwnEntry     = errors.New("cannot vote for your own look")
	ErrAlreadyVoted = errors.New("already voted this turn")
	ErrInvalidStars = errors.New("stars must be between 1 and 5")
	ErrNotHost      = errors.New("only the host can do that")
	ErrEngineClosed = errors.New("engine closed")
)

// Engine is one client's replica of the round coordination state machine.
// Every connected client runs one; convergence happens through the shared
// store with the bus as a secondary channel. All local transitions are
// optimistic-and-reconciled.
type Engine struct {
	store  GameStore
	bus    Bus
	scorer Scorer
	log    *zap.SugaredLogger
	opts   Options

	mu            sync.Mutex
	authoritative Authoritative
	optimistic    Optimistic
	countdown     int
	advancing     bool
	finishedRound int
	hasVoted      bool
	standings     []bus.Standing

	animations      []string
	chosenAnimation string
	remoteAnimation string
	autoRelayed     bool

	onUpdate func(Snapshot)
	unsubs   []func()
	closed   bool
	done     chan struct{}
}

func New(gameStore GameStore, session Bus, scorer Scorer, log *zap.SugaredLogger, opts Options) *Engine {
	if opts.TurnDuration <= 0 {
		opts.TurnDuration = 25 * time.Second
	}
	if opts.CustomizeDuration <= 0 {
		opts.CustomizeDuration = 50 * time.Second
	}
	if opts.VotePollInterval <= 0 {
		opts.VotePollInterval = 1500 * time.Millisecond
	}
	return &Engine{
		store:  gameStore,
		bus:    session,
		scorer: scorer,
		log:    log,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

// OnUpdate registers the render callback. Called after every state change
// with the reconciled snapshot.
func (e *Engine) OnUpdate(fn func(Snapshot)) {
	e.mu.Lock()
	e.onUpdate = fn
	e.mu.Unlock()
}

// Start loads the initial authoritative state, wires the store change feed
// and bus subscriptions, and begins the countdown/poll loop.
func (e *Engine) Start(ctx context.Context) error {
	game, err := e.store.GameByID(e.opts.GameID)
	if err != nil {
		return fmt.Errorf("load game: %w", err)
	}
	players, err := e.store.PlayersByGame(e.opts.GameID)
	if err != nil {
		return fmt.Errorf("load players: %w", err)
	}
	e.mu.Lock()
	e.authoritative = Authoritative{Game: *game, Players: players, Version: 1}
	e.countdown = int(e.opts.TurnDuration / time.Second)
	seedNeeded := e.seedNeededLocked()
	e.mu.Unlock()

	if seedNeeded {
		e.seedFirstPresenter()
	}

	changes, cancel := e.store.Subscribe(e.opts.GameID)
	unsubs := []func(){
		cancel,
		e.bus.Subscribe(bus.EventGameSync, e.handleGameSync),
		e.bus.Subscribe(bus.EventScoreboard, e.handleScoreboard),
		e.bus.Subscribe(bus.EventAnimation, e.handleAnimation),
	}
	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubs...)
	e.mu.Unlock()

	go e.run(ctx, changes)
	return nil
}

// Close stops timers and subscriptions and releases the change feed.
// Idempotent; safe to call from any goroutine.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()
	close(e.done)
	for _, unsub := range unsubs {
		unsub()
	}
}

func (e *Engine) run(ctx context.Context, changes <-chan store.Change) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	poll := time.NewTicker(e.opts.VotePollInterval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Close()
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.tick(time.Now().UTC())
		case <-poll.C:
			e.pollVotes()
		case change, ok := <-changes:
			if !ok {
				return
			}
			e.handleChange(change)
		}
	}
}

// Snapshot returns the current displayed state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		View:            reconcile(e.optimistic, e.authoritative),
		Countdown:       e.countdown,
		HasVoted:        e.hasVoted,
		Standings:       e.standings,
		Animations:      e.animations,
		ChosenAnimation: e.chosenAnimation,
		RemoteAnimation: e.remoteAnimation,
	}
}

func (e *Engine) notifyLocked() {
	if e.onUpdate == nil {
		return
	}
	snapshot := e.snapshotLocked()
	fn := e.onUpdate
	go fn(snapshot)
}

func (e *Engine) isHostLocked() bool {
	return e.authoritative.Game.HostID == e.opts.UserID
}

// localPlayerLocked resolves the local user's Player row, if joined.
func (e *Engine) localPlayerLocked() *store.Player {
	for i := range e.authoritative.Players {
		if e.authoritative.Players[i].UserID == e.opts.UserID {
			return &e.authoritative.Players[i]
		}
	}
	return nil
}

// --- inbound state ---

func (e *Engine) handleChange(change store.Change) {
	switch change.Table {
	case store.TableGames:
		if change.Game != nil {
			e.applyGame(*change.Game)
		}
	case store.TablePlayers:
		e.refreshPlayers()
	case store.TableVotes:
		if change.Vote != nil {
			e.voteObserved(change.Vote)
		}
	case store.TableEntries:
		// Ready flags arrive as player updates; nothing to do here.
	}
}

func (e *Engine) handleGameSync(payload json.RawMessage) {
	var state bus.GameState
	if err := json.Unmarshal(payload, &state); err != nil {
		e.log.Warnw("game sync unparseable", "error", err)
		return
	}
	e.mu.Lock()
	e.authoritative.Players = state.Players
	e.mu.Unlock()
	e.applyGame(state.Game)
}

// applyGame installs a fresh authoritative game row. Any optimistic guess is
// invalidated: the store row always wins once observed.
func (e *Engine) applyGame(game store.Game) {
	e.mu.Lock()
	previous := e.authoritative.Game
	e.authoritative.Game = game
	e.authoritative.Version++
	e.optimistic = Optimistic{}

	if !samePlayer(previous.CurrentPlayer, game.CurrentPlayer) {
		e.resetTurnLocked()
	}
	if previous.Round != game.Round {
		e.hasVoted = false
		e.chosenAnimation = ""
		e.autoRelayed = false
		if game.Round > e.finishedRound {
			e.standings = nil
		}
	}
	seedNeeded := e.seedNeededLocked()
	e.notifyLocked()
	e.mu.Unlock()

	if seedNeeded {
		e.seedFirstPresenter()
	}
}

// seedNeededLocked reports whether the host must put the first presenter on
// an empty stage: rating phase, no current player, no advance in flight and
// the round not yet finished. Checked on every fresh row, at startup and
// from the ticker, so a stage left empty by a restart still recovers.
func (e *Engine) seedNeededLocked() bool {
	game := e.authoritative.Game
	return e.isHostLocked() &&
		game.Phase == db.PhaseRating &&
		game.CurrentPlayer == nil &&
		len(e.authoritative.Players) > 0 &&
		!e.advancing &&
		e.finishedRound < game.Round
}

func (e *Engine) refreshPlayers() {
	players, err := e.store.PlayersByGame(e.opts.GameID)
	if err != nil {
		e.log.Warnw("player refresh failed", "game_id", e.opts.GameID, "error", err)
		return
	}
	e.mu.Lock()
	e.authoritative.Players = players
	e.authoritative.Version++
	allReady := e.allReadyLocked()
	e.notifyLocked()
	e.mu.Unlock()

	if allReady {
		e.maybeBeginRating()
	}
}

func (e *Engine) voteObserved(vote *store.Vote) {
	e.mu.Lock()
	view := reconcile(e.optimistic, e.authoritative)
	relevant := view.Phase == db.PhaseRating &&
		view.CurrentPlayer != nil &&
		vote.Round == view.Round &&
		vote.TargetID == *view.CurrentPlayer
	e.mu.Unlock()
	if relevant {
		e.pollVotes()
	}
}

func (e *Engine) resetTurnLocked() {
	e.countdown = int(e.opts.TurnDuration / time.Second)
	e.hasVoted = false
	e.advancing = false
	e.chosenAnimation = ""
	e.remoteAnimation = ""
	e.autoRelayed = false
}

// --- triggers ---

// tick runs once per second: the customize deadline for the host and the
// presentation countdown for everyone.
func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	view := reconcile(e.optimistic, e.authoritative)
	switch view.Phase {
	case db.PhaseCustomize:
		deadline := e.authoritative.Game.CustomizeEndsAt
		expired := deadline != nil && now.After(*deadline)
		e.mu.Unlock()
		if expired {
			e.maybeBeginRating()
		}
	case db.PhaseRating:
		if view.CurrentPlayer == nil {
			seedNeeded := e.seedNeededLocked()
			e.mu.Unlock()
			if seedNeeded {
				e.seedFirstPresenter()
			}
			return
		}
		if e.countdown > 0 {
			e.countdown--
			e.notifyLocked()
		}
		expired := e.countdown <= 0
		e.mu.Unlock()
		if expired {
			e.maybeAdvance("timer")
		}
	default:
		e.mu.Unlock()
	}
}

// pollVotes is the scheduled reconciliation fallback: even if every push
// notification was dropped, the count query still detects quorum.
func (e *Engine) pollVotes() {
	e.mu.Lock()
	view := reconcile(e.optimistic, e.authoritative)
	if view.Phase != db.PhaseRating || view.CurrentPlayer == nil {
		e.mu.Unlock()
		return
	}
	gameID := e.authoritative.Game.ID
	round := view.Round
	target := *view.CurrentPlayer
	quorum := expectedVotes(len(view.Players))
	e.mu.Unlock()

	count, err := e.store.CountVotes(gameID, round, target)
	if err != nil {
		e.log.Debugw("vote poll failed", "game_id", gameID, "error", err)
		return
	}
	if count >= quorum {
		e.maybeAdvance("quorum")
	}
}

func (e *Engine) allReadyLocked() bool {
	if e.authoritative.Game.Phase != db.PhaseCustomize || len(e.authoritative.Players) == 0 {
		return false
	}
	for i := range e.authoritative.Players {
		if !e.authoritative.Players[i].Ready {
			return false
		}
	}
	return true
}

// maybeBeginRating flips customize → rating with the first presenter on
// stage. Host writes the store; everyone else waits for the row.
func (e *Engine) maybeBeginRating() {
	e.mu.Lock()
	if e.closed || e.advancing || !e.isHostLocked() || e.authoritative.Game.Phase != db.PhaseCustomize {
		e.mu.Unlock()
		return
	}
	ordered := turnOrder(e.authoritative.Players)
	if len(ordered) == 0 {
		e.mu.Unlock()
		return
	}
	e.advancing = true
	first := ordered[0].ID
	gameID := e.authoritative.Game.ID
	e.mu.Unlock()

	_, err := e.store.UpdateGame(gameID, map[string]any{
		"phase":          db.PhaseRating,
		"current_player": first,
	})
	e.mu.Lock()
	e.advancing = false
	if err != nil {
		e.log.Warnw("begin rating failed", "game_id", gameID, "error", err)
	}
	e.mu.Unlock()
}

func (e *Engine) seedFirstPresenter() {
	e.mu.Lock()
	if e.closed || e.advancing || !e.isHostLocked() {
		e.mu.Unlock()
		return
	}
	ordered := turnOrder(e.authoritative.Players)
	if len(ordered) == 0 {
		e.mu.Unlock()
		return
	}
	e.advancing = true
	first := ordered[0].ID
	gameID := e.authoritative.Game.ID
	e.mu.Unlock()

	_, err := e.store.UpdateGame(gameID, map[string]any{"current_player": first})
	e.mu.Lock()
	e.advancing = false
	if err != nil {
		e.log.Warnw("seed presenter failed", "game_id", gameID, "error", err)
	}
	e.mu.Unlock()
}

// maybeAdvance performs one turn transition. The advancing flag is set
// synchronously before any asynchronous work so the redundant triggers
// (timer, poll, push) collapse into a single transition per client; cross-
// client races converge through last-write-wins on the store row.
func (e *Engine) maybeAdvance(reason string) {
	e.mu.Lock()
	view := reconcile(e.optimistic, e.authoritative)
	if e.closed || e.advancing ||
		view.Phase != db.PhaseRating || view.CurrentPlayer == nil ||
		e.finishedRound >= view.Round {
		e.mu.Unlock()
		return
	}
	e.advancing = true
	current := *view.CurrentPlayer
	next := nextPresenter(e.authoritative.Players, current)
	gameID := e.authoritative.Game.ID
	round := view.Round
	isHost := e.isHostLocked()

	if next == nil {
		e.mu.Unlock()
		e.finishRound(gameID, round, isHost)
		return
	}

	// Optimistic local transition; the next authoritative row overrides it.
	nextID := next.ID
	e.optimistic = Optimistic{
		Valid:         true,
		Basis:         e.authoritative.Version,
		Phase:         db.PhaseRating,
		CurrentPlayer: &nextID,
	}
	e.countdown = int(e.opts.TurnDuration / time.Second)
	e.hasVoted = false
	e.log.Infow("advancing turn", "game_id", gameID, "from", current, "to", nextID, "reason", reason)
	e.notifyLocked()
	e.mu.Unlock()

	if isHost {
		if _, err := e.store.UpdateGame(gameID, map[string]any{"current_player": nextID}); err != nil {
			e.log.Warnw("advance write failed", "game_id", gameID, "error", err)
			// Drop the optimistic guess: the next trigger re-derives the
			// same transition from the authoritative row and retries the
			// write instead of advancing past it.
			e.mu.Lock()
			e.optimistic = Optimistic{}
			e.countdown = 0
			e.advancing = false
			e.notifyLocked()
			e.mu.Unlock()
			return
		}
	}
	e.mu.Lock()
	e.advancing = false
	e.mu.Unlock()
}

// finishRound ends the round exactly once per client: scoring, phase flip,
// standings. Scoring failure does not block the flip to scoreboard.
func (e *Engine) finishRound(gameID string, round int, isHost bool) {
	e.mu.Lock()
	if e.finishedRound >= round {
		e.advancing = false
		e.mu.Unlock()
		return
	}
	e.finishedRound = round
	e.optimistic = Optimistic{
		Valid: true,
		Basis: e.authoritative.Version,
		Phase: db.PhaseScoreboard,
	}
	e.notifyLocked()
	e.mu.Unlock()

	if isHost {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		standings, err := e.scorer.ComputeScores(ctx, gameID, round)
		cancel()
		if err != nil {
			e.log.Warnw("score compute failed", "game_id", gameID, "round", round, "error", err)
			// Best effort: the round still ends even without standings.
			if _, err := e.store.UpdateGame(gameID, map[string]any{
				"phase":          db.PhaseScoreboard,
				"current_player": nil,
			}); err != nil {
				e.log.Warnw("scoreboard flip failed", "game_id", gameID, "error", err)
			}
		} else {
			e.mu.Lock()
			e.standings = standings
			e.notifyLocked()
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	e.advancing = false
	e.mu.Unlock()
}

func (e *Engine) handleScoreboard(payload json.RawMessage) {
	var board bus.Scoreboard
	if err := json.Unmarshal(payload, &board); err != nil {
		e.log.Warnw("scoreboard unparseable", "error", err)
		return
	}
	e.mu.Lock()
	if board.GameID != e.opts.GameID {
		e.mu.Unlock()
		return
	}
	if board.Round > e.finishedRound {
		e.finishedRound = board.Round
	}
	e.standings = board.Standings
	if e.authoritative.Game.Phase != db.PhaseScoreboard {
		e.optimistic = Optimistic{
			Valid: true,
			Basis: e.authoritative.Version,
			Phase: db.PhaseScoreboard,
		}
	}
	e.notifyLocked()
	e.mu.Unlock()
}

// --- user actions ---

// SubmitVote rates the current presenter. Business-rule checks run before
// any network call; hasVoted is optimistic and rolled back on failure.
func (e *Engine) SubmitVote(ctx context.Context, stars int) error {
	if stars < 1 || stars > 5 {
		return ErrInvalidStars
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	view := reconcile(e.optimistic, e.authoritative)
	if view.Phase != db.PhaseRating || view.CurrentPlayer == nil {
		e.mu.Unlock()
		return ErrNoPresenter
	}
	if local := e.localPlayerLocked(); local != nil && local.ID == *view.CurrentPlayer {
		e.mu.Unlock()
		return ErrOwnEntry
	}
	if e.hasVoted {
		e.mu.Unlock()
		return ErrAlreadyVoted
	}
	e.hasVoted = true
	target := *view.CurrentPlayer
	round := view.Round
	e.notifyLocked()
	e.mu.Unlock()

	_, err := e.store.InsertVote(&store.Vote{
		GameID:   e.opts.GameID,
		Round:    round,
		TargetID: target,
		VoterID:  e.opts.UserID,
		Stars:    stars,
	})
	if err != nil {
		e.mu.Lock()
		e.hasVoted = false
		e.notifyLocked()
		e.mu.Unlock()
		return fmt.Errorf("submit vote: %w", err)
	}
	return nil
}

// StartNextRound begins the next customize phase. Host only.
func (e *Engine) StartNextRound(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if !e.isHostLocked() {
		e.mu.Unlock()
		return ErrNotHost
	}
	gameID := e.authoritative.Game.ID
	round := e.authoritative.Game.Round
	e.mu.Unlock()

	endsAt := time.Now().UTC().Add(e.opts.CustomizeDuration)
	if _, err := e.store.UpdateGame(gameID, map[string]any{
		"round":             round + 1,
		"phase":             db.PhaseCustomize,
		"customize_ends_at": &endsAt,
		"current_player":    nil,
	}); err != nil {
		return fmt.Errorf("start next round: %w", err)
	}
	if err := e.store.ResetReady(gameID); err != nil {
		e.log.Warnw("ready reset failed", "game_id", gameID, "error", err)
	}
	return nil
}

// --- animation relay ---

// SetAnimations records the animation names the model renderer resolved. If
// the local user is presenting and has not chosen yet, the first name is
// relayed automatically so viewers are never stuck on a T-pose.
func (e *Engine) SetAnimations(names []string) {
	e.mu.Lock()
	e.animations = names
	view := reconcile(e.optimistic, e.authoritative)
	local := e.localPlayerLocked()
	presenting := view.Phase == db.PhaseRating &&
		view.CurrentPlayer != nil && local != nil && local.ID == *view.CurrentPlayer
	relay := presenting && !e.autoRelayed && e.chosenAnimation == "" && len(names) > 0
	if relay {
		e.autoRelayed = true
	}
	first := ""
	if len(names) > 0 {
		first = names[0]
	}
	e.notifyLocked()
	e.mu.Unlock()

	if relay {
		if err := e.bus.SendAnimation(first, nil); err != nil {
			e.log.Debugw("animation relay failed", "error", err)
		}
	}
}

// ChooseAnimation is the presenter's explicit pick; relayed to all viewers.
func (e *Engine) ChooseAnimation(name string) {
	e.mu.Lock()
	e.chosenAnimation = name
	view := reconcile(e.optimistic, e.authoritative)
	local := e.localPlayerLocked()
	presenting := view.Phase == db.PhaseRating &&
		view.CurrentPlayer != nil && local != nil && local.ID == *view.CurrentPlayer
	e.notifyLocked()
	e.mu.Unlock()

	if presenting {
		if err := e.bus.SendAnimation(name, nil); err != nil {
			e.log.Debugw("animation relay failed", "error", err)
		}
	}
}

func (e *Engine) handleAnimation(payload json.RawMessage) {
	var command bus.AnimationCommand
	if err := json.Unmarshal(payload, &command); err != nil {
		e.log.Warnw("animation command unparseable", "error", err)
		return
	}
	if command.UserID == e.opts.UserID || command.Command == "" {
		return
	}
	e.mu.Lock()
	e.remoteAnimation = command.Command
	e.notifyLocked()
	e.mu.Unlock()
}

func samePlayer(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
