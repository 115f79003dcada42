package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// createAttempts bounds code regeneration when a generated room code is
// already taken.
const createAttempts = 5

// RoomOptions tunes a new room. Zero values fall back to defaults.
type RoomOptions struct {
	DurationSec int
	TeamOneName string
	TeamTwoName string
}

func (o RoomOptions) withDefaults() RoomOptions {
	if o.DurationSec <= 0 {
		o.DurationSec = defaultClueSeconds
	}

	if o.TeamOneName == "" {
		o.TeamOneName = "Team 1"
	}

	if o.TeamTwoName == "" {
		o.TeamTwoName = "Team 2"
	}

	return o
}

// session is the part a host seat and a player seat share: one store
// handle, one watched room, and a feed of decoded snapshots. It is an
// explicit object handed to whoever drives the seat rather than a
// process global, so several sessions can coexist in one process.
type session struct {
	store Store
	code  string
	path  string
	sub   *Subscription
	snaps chan RoomSnapshot

	// ownStore marks seats that dialed their own connection, so Close
	// hangs it up too.
	ownStore bool

	mu   sync.Mutex
	last RoomSnapshot
	seen bool
}

func newSession(ctx context.Context, st Store, code string) (*session, error) {
	path := roomPath(code)

	sub, err := st.Watch(ctx, path)
	if err != nil {
		return nil, err
	}

	s := &session{
		store: st,
		code:  code,
		path:  path,
		sub:   sub,
		snaps: make(chan RoomSnapshot, 1),
	}

	go s.pump()

	return s, nil
}

// pump decodes raw snapshots into typed ones, remembers the newest, and
// forwards with the same conflation the store applies: a slow consumer
// skips straight to the latest room state.
func (s *session) pump() {
	defer close(s.snaps)

	for snap := range s.sub.C {
		decoded, err := decodeRoom(snap)
		if err != nil {
			log.Warn().Err(err).Str("room", s.code).Msg("dropping undecodable room snapshot")

			continue
		}

		s.mu.Lock()
		s.last = decoded
		s.seen = true
		s.mu.Unlock()

		select {
		case s.snaps <- decoded:
			continue
		default:
		}

		select {
		case <-s.snaps:
		default:
		}

		select {
		case s.snaps <- decoded:
		default:
		}
	}
}

// Snapshots delivers typed room snapshots: the current state on attach,
// then a fresh one after every change. Closed when the session closes or
// the store goes away.
func (s *session) Snapshots() <-chan RoomSnapshot {
	return s.snaps
}

// Latest returns the most recently observed snapshot without touching the
// store. ok is false before the first delivery lands.
func (s *session) Latest() (RoomSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last, s.seen
}

// Room reads the room fresh from the store.
func (s *session) Room(ctx context.Context) (RoomSnapshot, error) {
	snap, err := s.store.Get(ctx, s.path)
	if err != nil {
		return RoomSnapshot{}, err
	}

	return decodeRoom(snap)
}

func (s *session) Code() string {
	return s.code
}

// NowMs is the synced clock all deadlines and countdowns are measured
// against.
func (s *session) NowMs() int64 {
	return s.store.NowMs()
}

// Close tears down the watch, and for seats that dialed their own
// connection, the connection too. It never touches the room document.
func (s *session) Close() {
	s.sub.Close()

	if s.ownStore {
		_ = s.store.Close()
	}
}

// HostSession is the host's seat at a room: the only role that drives the
// phase machine, adjusts scores, resets the timer, and tears the room
// down. Methods are written for UI callbacks: a stale click (wrong
// phase, tile already used) is a silent no-op, not an error.
type HostSession struct {
	*session
	bank *Bank
}

// CreateRoom validates the bank, claims a fresh code, and writes the
// initial room document in a single Put, so no subscriber ever observes a
// partial room. Validation failures happen before anything is written.
func CreateRoom(ctx context.Context, st Store, bank *Bank, opts RoomOptions) (*HostSession, error) {
	if bank == nil {
		return nil, fmt.Errorf("%w: no bank given", ErrInvalidBank)
	}

	if err := bank.Validate(); err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	initial := initialRoomValue(bank, opts)

	var code string

	for attempt := 1; ; attempt++ {
		candidate, err := generateRoomCode()
		if err != nil {
			return nil, err
		}

		claimed, err := claimRoom(ctx, st, candidate, initial)
		if err != nil {
			return nil, err
		}

		if claimed {
			code = candidate

			break
		}

		if attempt >= createAttempts {
			return nil, ErrRoomExists
		}

		log.Debug().Str("room", candidate).Msg("room code taken, regenerating")
	}

	s, err := newSession(ctx, st, code)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("room", code).
		Int("duration_sec", opts.DurationSec).
		Msg("room created")

	return &HostSession{session: s, bank: bank}, nil
}

// AttachHost reattaches a host seat to an existing room, e.g. after the
// hosting process restarted. The bank must be the same board the room was
// created from.
func AttachHost(ctx context.Context, st Store, code string, bank *Bank) (*HostSession, error) {
	if bank == nil {
		return nil, fmt.Errorf("%w: no bank given", ErrInvalidBank)
	}

	if err := bank.Validate(); err != nil {
		return nil, err
	}

	code = normalizeRoomCode(code)

	snap, err := st.Get(ctx, roomPath(code))
	if err != nil {
		return nil, err
	}

	if !snap.Exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}

	s, err := newSession(ctx, st, code)
	if err != nil {
		return nil, err
	}

	return &HostSession{session: s, bank: bank}, nil
}

// claimRoom atomically takes ownership of a code. The transaction aborts
// when a document is already there, so two concurrent creates can never
// both win the same code.
func claimRoom(ctx context.Context, st Store, code string, initial map[string]any) (bool, error) {
	_, committed, err := st.Txn(ctx, roomPath(code), func(current any) (any, bool) {
		if current != nil {
			return nil, false
		}

		return initial, true
	})
	if err != nil {
		return false, err
	}

	return committed, nil
}

func initialRoomValue(bank *Bank, opts RoomOptions) map[string]any {
	used := make(map[string]any, bankCategories*bankCluesPerCategory)

	for _, key := range bank.ClueKeys() {
		used[key] = false
	}

	return map[string]any{
		"createdAt": ServerTimestamp,
		"phase":     string(PhaseBoard),
		"teams": map[string]any{
			TeamOne: map[string]any{"name": opts.TeamOneName, "score": 0},
			TeamTwo: map[string]any{"name": opts.TeamTwoName, "score": 0},
		},
		"buzz":      map[string]any{},
		"timer":     map[string]any{"durationSec": opts.DurationSec},
		"boardUsed": used,
		"players":   map[string]any{},
	}
}

func (h *HostSession) Bank() *Bank {
	return h.bank
}

// View derives a display frame from a snapshot against the synced clock.
func (h *HostSession) View(snap RoomSnapshot) RoomView {
	return BuildView(&snap.Room, h.bank, h.store.NowMs())
}

// OpenClue moves board → question for an unused tile. The countdown
// deadline is derived exactly once, here, from the synced clock; every
// client only ever reads it back. A key that is not on this board at all
// is a caller bug and errors; a tile that is merely unavailable right now
// is a stale click and falls through silently.
func (h *HostSession) OpenClue(ctx context.Context, key string) error {
	if _, ok := h.bank.Clue(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClue, key)
	}

	snap, err := h.Room(ctx)
	if err != nil {
		return err
	}

	if !snap.Exists || snap.Room.Phase != PhaseBoard || snap.Room.Used(key) {
		log.Debug().
			Str("room", h.code).
			Str("clue", key).
			Str("phase", string(snap.Room.Phase)).
			Msg("open ignored: clue unavailable")

		return nil
	}

	endAt := h.store.NowMs() + int64(snap.Room.DurationSec())*1000

	return h.store.Update(ctx, h.path, map[string]any{
		"phase":              string(PhaseQuestion),
		"activeClueKey":      key,
		"buzz/firstBuzzTeam": nil,
		"buzz/firstBuzzAt":   nil,
		"timer/endAtMs":      endAt,
	})
}

// RevealAnswer moves question → answer. Timer and buzz state are left as
// they are; they are informational once the answer is up.
func (h *HostSession) RevealAnswer(ctx context.Context) error {
	snap, err := h.Room(ctx)
	if err != nil {
		return err
	}

	if !snap.Exists || snap.Room.Phase != PhaseQuestion {
		log.Debug().Str("room", h.code).Msg("reveal ignored: no open question")

		return nil
	}

	return h.store.Update(ctx, h.path, map[string]any{
		"phase": string(PhaseAnswer),
	})
}

// ReturnToBoard resolves the open clue from question or answer alike:
// marks the tile used, clears buzz and deadline, and lands back on the
// board. This is the only place boardUsed is ever written. Calling it
// with nothing open changes nothing.
func (h *HostSession) ReturnToBoard(ctx context.Context) error {
	snap, err := h.Room(ctx)
	if err != nil {
		return err
	}

	if !snap.Exists {
		log.Debug().Str("room", h.code).Msg("return ignored: room gone")

		return nil
	}

	key := snap.Room.ActiveClueKey

	if key == "" && snap.Room.Phase == PhaseBoard {
		return nil
	}

	fields := map[string]any{
		"phase":              string(PhaseBoard),
		"activeClueKey":      nil,
		"timer/endAtMs":      nil,
		"buzz/firstBuzzTeam": nil,
		"buzz/firstBuzzAt":   nil,
	}

	if key != "" {
		fields["boardUsed/"+key] = true
	}

	return h.store.Update(ctx, h.path, fields)
}

// ResetTimer re-arms a fresh deadline while a question is open; in any
// other phase it clears the deadline instead.
func (h *HostSession) ResetTimer(ctx context.Context) error {
	snap, err := h.Room(ctx)
	if err != nil {
		return err
	}

	if !snap.Exists {
		log.Debug().Str("room", h.code).Msg("timer reset ignored: room gone")

		return nil
	}

	if snap.Room.Phase != PhaseQuestion {
		return h.store.Update(ctx, h.path, map[string]any{
			"timer/endAtMs": nil,
		})
	}

	endAt := h.store.NowMs() + int64(snap.Room.DurationSec())*1000

	return h.store.Update(ctx, h.path, map[string]any{
		"timer/endAtMs": endAt,
	})
}

// Award credits a team with the active clue's value.
func (h *HostSession) Award(ctx context.Context, teamID string) error {
	return h.scoreActiveClue(ctx, teamID, 1)
}

// Penalize docks a team by the active clue's value.
func (h *HostSession) Penalize(ctx context.Context, teamID string) error {
	return h.scoreActiveClue(ctx, teamID, -1)
}

func (h *HostSession) scoreActiveClue(ctx context.Context, teamID string, sign int64) error {
	snap, err := h.Room(ctx)
	if err != nil {
		return err
	}

	if !snap.Exists || snap.Room.ActiveClueKey == "" {
		log.Debug().Str("room", h.code).Msg("scoring ignored: no active clue")

		return nil
	}

	clue, ok := h.bank.Clue(snap.Room.ActiveClueKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClue, snap.Room.ActiveClueKey)
	}

	return h.AdjustScore(ctx, teamID, sign*int64(clue.Value))
}

// AdjustScore applies a signed delta to one team's score as a single
// atomic increment. Concurrent adjustments interleave in any order and
// still sum: each transaction reads the current score (absent counts as
// zero) and writes current+delta, with the store resolving contention.
// Scores have no bounds and may go negative.
func (h *HostSession) AdjustScore(ctx context.Context, teamID string, delta int64) error {
	if teamID != TeamOne && teamID != TeamTwo {
		return fmt.Errorf("%w: %s", ErrUnknownTeam, teamID)
	}

	_, committed, err := h.store.Txn(ctx, joinPath(h.path, "teams", teamID), func(current any) (any, bool) {
		team, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		next := copyValue(team).(map[string]any)
		next["score"] = asInt64(team["score"]) + delta

		return next, true
	})
	if err != nil {
		return err
	}

	if !committed {
		log.Debug().
			Str("room", h.code).
			Str("team", teamID).
			Msg("score adjustment skipped: team record missing")
	}

	return nil
}

// SetTeamName renames a team without touching its score.
func (h *HostSession) SetTeamName(ctx context.Context, teamID, name string) error {
	if teamID != TeamOne && teamID != TeamTwo {
		return fmt.Errorf("%w: %s", ErrUnknownTeam, teamID)
	}

	return h.store.Update(ctx, h.path, map[string]any{
		joinPath("teams", teamID, "name"): name,
	})
}

// DeleteRoom tears the whole session down for everyone. Watchers receive
// one final snapshot with Exists false. Rooms are never reaped on a
// timer; this is the only way one ends.
func (h *HostSession) DeleteRoom(ctx context.Context) error {
	err := h.store.Delete(ctx, h.path)
	if err != nil {
		return err
	}

	log.Info().Str("room", h.code).Msg("room deleted")

	return nil
}
