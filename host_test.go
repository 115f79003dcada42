package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// newGame boots a room on an in-memory store pinned to a fake clock, so
// deadlines and server timestamps are exact.
func newGame(t *testing.T, opts RoomOptions) (*HostSession, *MemStore, *clockwork.FakeClock) {
	t.Helper()

	fake := clockwork.NewFakeClockAt(time.Date(2026, time.January, 10, 19, 30, 0, 0, time.UTC))
	st := NewMemStoreWithClock(fake)

	host, err := CreateRoom(context.Background(), st, SampleBank(), opts)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		host.Close()
		_ = st.Close()
	})

	return host, st, fake
}

func currentRoom(t *testing.T, s interface {
	Room(context.Context) (RoomSnapshot, error)
}) Room {
	t.Helper()

	snap, err := s.Room(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !snap.Exists {
		t.Fatal("room does not exist")
	}

	return snap.Room
}

func TestRoomOptions_Defaults(t *testing.T) {
	opts := RoomOptions{}.withDefaults()

	if opts.DurationSec != defaultClueSeconds {
		t.Errorf("DurationSec = %d, want %d", opts.DurationSec, defaultClueSeconds)
	}

	if opts.TeamOneName != "Team 1" || opts.TeamTwoName != "Team 2" {
		t.Errorf("team names = %q, %q", opts.TeamOneName, opts.TeamTwoName)
	}

	opts = RoomOptions{DurationSec: 45, TeamOneName: "A", TeamTwoName: "B"}.withDefaults()

	if opts.DurationSec != 45 || opts.TeamOneName != "A" || opts.TeamTwoName != "B" {
		t.Errorf("explicit options overridden: %+v", opts)
	}
}

func TestCreateRoom_InitialDocument(t *testing.T) {
	host, _, fake := newGame(t, RoomOptions{TeamOneName: "Brontës", TeamTwoName: "Woolfs"})

	if !validRoomCode(host.Code()) {
		t.Errorf("room code %q is not valid", host.Code())
	}

	room := currentRoom(t, host)

	if room.Phase != PhaseBoard {
		t.Errorf("phase = %q, want board", room.Phase)
	}

	if room.CreatedAt != fake.Now().UnixMilli() {
		t.Errorf("createdAt = %d, want the server clock %d", room.CreatedAt, fake.Now().UnixMilli())
	}

	if room.TeamName(TeamOne) != "Brontës" || room.TeamName(TeamTwo) != "Woolfs" {
		t.Errorf("team names = %q, %q", room.TeamName(TeamOne), room.TeamName(TeamTwo))
	}

	if room.Score(TeamOne) != 0 || room.Score(TeamTwo) != 0 {
		t.Error("scores should start at zero")
	}

	if room.Timer.DurationSec != defaultClueSeconds || room.Timer.EndAtMs != 0 {
		t.Errorf("timer = %+v", room.Timer)
	}

	if room.Winner() != "" || room.ActiveClueKey != "" {
		t.Error("fresh room has buzz or clue state")
	}

	if len(room.BoardUsed) != bankCategories*bankCluesPerCategory {
		t.Fatalf("boardUsed has %d entries, want %d", len(room.BoardUsed), bankCategories*bankCluesPerCategory)
	}

	for key, used := range room.BoardUsed {
		if used {
			t.Errorf("tile %s used before play", key)
		}
	}

	if len(room.Players) != 0 {
		t.Error("fresh room has roster entries")
	}
}

func TestCreateRoom_InvalidBank(t *testing.T) {
	st := NewMemStore()
	defer st.Close()

	ctx := context.Background()

	if _, err := CreateRoom(ctx, st, nil, RoomOptions{}); !errors.Is(err, ErrInvalidBank) {
		t.Errorf("nil bank error = %v, want ErrInvalidBank", err)
	}

	broken := validTestBank()
	broken.Categories = broken.Categories[:2]

	if _, err := CreateRoom(ctx, st, broken, RoomOptions{}); !errors.Is(err, ErrInvalidBank) {
		t.Errorf("broken bank error = %v, want ErrInvalidBank", err)
	}

	// Validation failures must abort before anything is written.
	if snap, err := st.Get(ctx, roomsRoot); err != nil || snap.Exists {
		t.Errorf("store written despite validation failure: %v, %v", snap.Exists, err)
	}
}

func TestClaimRoom(t *testing.T) {
	st := NewMemStore()
	defer st.Close()

	ctx := context.Background()
	initial := initialRoomValue(SampleBank(), RoomOptions{}.withDefaults())

	claimed, err := claimRoom(ctx, st, "QJ4M", initial)
	if err != nil {
		t.Fatal(err)
	}

	if !claimed {
		t.Fatal("first claim on a free code failed")
	}

	claimed, err = claimRoom(ctx, st, "QJ4M", initial)
	if err != nil {
		t.Fatal(err)
	}

	if claimed {
		t.Error("second claim on a taken code succeeded")
	}
}

func TestAttachHost(t *testing.T) {
	host, st, _ := newGame(t, RoomOptions{DurationSec: 45})
	ctx := context.Background()

	second, err := AttachHost(ctx, st, host.Code(), host.Bank())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if room := currentRoom(t, second); room.Timer.DurationSec != 45 {
		t.Errorf("reattached seat sees duration %d, want 45", room.Timer.DurationSec)
	}

	if _, err := AttachHost(ctx, st, "ZZZZ", host.Bank()); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("unknown room error = %v, want ErrRoomNotFound", err)
	}

	if _, err := AttachHost(ctx, st, host.Code(), nil); !errors.Is(err, ErrInvalidBank) {
		t.Errorf("nil bank error = %v, want ErrInvalidBank", err)
	}
}

func TestHostSession_OpenClue(t *testing.T) {
	host, _, fake := newGame(t, RoomOptions{})
	ctx := context.Background()

	if err := host.OpenClue(ctx, "c2_v300"); err != nil {
		t.Fatal(err)
	}

	room := currentRoom(t, host)

	if room.Phase != PhaseQuestion || room.ActiveClueKey != "c2_v300" {
		t.Fatalf("after open: phase %q, key %q", room.Phase, room.ActiveClueKey)
	}

	wantEnd := fake.Now().UnixMilli() + int64(defaultClueSeconds)*1000

	if room.Timer.EndAtMs != wantEnd {
		t.Errorf("endAtMs = %d, want %d", room.Timer.EndAtMs, wantEnd)
	}

	if room.Winner() != "" {
		t.Error("opening a clue should clear the buzzer")
	}

	// Opening another tile while a question is up is a stale click.
	if err := host.OpenClue(ctx, "c1_v100"); err != nil {
		t.Fatal(err)
	}

	if room = currentRoom(t, host); room.ActiveClueKey != "c2_v300" {
		t.Errorf("stale open replaced the active clue with %q", room.ActiveClueKey)
	}

	// A key that is not on the board at all is a caller bug.
	if err := host.OpenClue(ctx, "c9_v100"); !errors.Is(err, ErrUnknownClue) {
		t.Errorf("off-board key error = %v, want ErrUnknownClue", err)
	}
}

func TestHostSession_OpenClue_UsedTile(t *testing.T) {
	host, _, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	if err := host.OpenClue(ctx, "c1_v100"); err != nil {
		t.Fatal(err)
	}

	if err := host.ReturnToBoard(ctx); err != nil {
		t.Fatal(err)
	}

	if err := host.OpenClue(ctx, "c1_v100"); err != nil {
		t.Fatal(err)
	}

	room := currentRoom(t, host)

	if room.Phase != PhaseBoard || room.ActiveClueKey != "" {
		t.Errorf("used tile reopened: phase %q, key %q", room.Phase, room.ActiveClueKey)
	}
}

func TestHostSession_RevealAnswer(t *testing.T) {
	host, _, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	// Nothing open yet: a stale click, not an error.
	if err := host.RevealAnswer(ctx); err != nil {
		t.Fatal(err)
	}

	if room := currentRoom(t, host); room.Phase != PhaseBoard {
		t.Errorf("stale reveal moved phase to %q", room.Phase)
	}

	if err := host.OpenClue(ctx, "c4_v200"); err != nil {
		t.Fatal(err)
	}

	if err := host.RevealAnswer(ctx); err != nil {
		t.Fatal(err)
	}

	room := currentRoom(t, host)

	if room.Phase != PhaseAnswer {
		t.Fatalf("phase = %q, want answer", room.Phase)
	}

	// The deadline and clue stay put for the answer screen.
	if room.ActiveClueKey != "c4_v200" || room.Timer.EndAtMs == 0 {
		t.Errorf("answer phase lost clue state: %+v", room)
	}
}

func TestHostSession_ReturnToBoard(t *testing.T) {
	host, _, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	if err := host.OpenClue(ctx, "c3_v300"); err != nil {
		t.Fatal(err)
	}

	if err := host.RevealAnswer(ctx); err != nil {
		t.Fatal(err)
	}

	if err := host.ReturnToBoard(ctx); err != nil {
		t.Fatal(err)
	}

	room := currentRoom(t, host)

	if room.Phase != PhaseBoard {
		t.Fatalf("phase = %q, want board", room.Phase)
	}

	if !room.Used("c3_v300") {
		t.Error("played tile not marked used")
	}

	if room.ActiveClueKey != "" || room.Timer.EndAtMs != 0 || room.Winner() != "" {
		t.Errorf("clue state not cleared: %+v", room)
	}

	// Calling it again with nothing open changes nothing.
	if err := host.ReturnToBoard(ctx); err != nil {
		t.Fatal(err)
	}

	again := currentRoom(t, host)

	if len(again.BoardUsed) != len(room.BoardUsed) || again.Phase != PhaseBoard {
		t.Error("idempotent return mutated the room")
	}
}

func TestHostSession_ReturnToBoard_SkipsAnswer(t *testing.T) {
	host, _, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	if err := host.OpenClue(ctx, "c5_v500"); err != nil {
		t.Fatal(err)
	}

	// Straight from question back to the board, e.g. nobody buzzed.
	if err := host.ReturnToBoard(ctx); err != nil {
		t.Fatal(err)
	}

	room := currentRoom(t, host)

	if room.Phase != PhaseBoard || !room.Used("c5_v500") {
		t.Errorf("question → board: phase %q, used %v", room.Phase, room.Used("c5_v500"))
	}
}

func TestHostSession_ResetTimer(t *testing.T) {
	host, _, fake := newGame(t, RoomOptions{})
	ctx := context.Background()

	if err := host.OpenClue(ctx, "c1_v200"); err != nil {
		t.Fatal(err)
	}

	fake.Advance(5 * time.Second)

	if err := host.ResetTimer(ctx); err != nil {
		t.Fatal(err)
	}

	room := currentRoom(t, host)
	wantEnd := fake.Now().UnixMilli() + int64(defaultClueSeconds)*1000

	if room.Timer.EndAtMs != wantEnd {
		t.Errorf("re-armed endAtMs = %d, want %d", room.Timer.EndAtMs, wantEnd)
	}

	// Outside a question the reset clears the deadline instead.
	if err := host.RevealAnswer(ctx); err != nil {
		t.Fatal(err)
	}

	if err := host.ResetTimer(ctx); err != nil {
		t.Fatal(err)
	}

	if room = currentRoom(t, host); room.Timer.EndAtMs != 0 {
		t.Errorf("answer-phase reset left endAtMs = %d", room.Timer.EndAtMs)
	}
}

func TestHostSession_AwardAndPenalize(t *testing.T) {
	host, _, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	// No active clue: scoring is a stale click.
	if err := host.Award(ctx, TeamOne); err != nil {
		t.Fatal(err)
	}

	if room := currentRoom(t, host); room.Score(TeamOne) != 0 {
		t.Error("scored without an active clue")
	}

	if err := host.OpenClue(ctx, "c2_v300"); err != nil {
		t.Fatal(err)
	}

	if err := host.Award(ctx, TeamOne); err != nil {
		t.Fatal(err)
	}

	if err := host.Penalize(ctx, TeamTwo); err != nil {
		t.Fatal(err)
	}

	room := currentRoom(t, host)

	if room.Score(TeamOne) != 300 {
		t.Errorf("award: score = %d, want 300", room.Score(TeamOne))
	}

	if room.Score(TeamTwo) != -300 {
		t.Errorf("penalize: score = %d, want -300", room.Score(TeamTwo))
	}

	if err := host.Award(ctx, "team9"); !errors.Is(err, ErrUnknownTeam) {
		t.Errorf("unknown team error = %v, want ErrUnknownTeam", err)
	}
}

func TestHostSession_AdjustScore(t *testing.T) {
	host, _, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	if err := host.AdjustScore(ctx, TeamOne, -150); err != nil {
		t.Fatal(err)
	}

	if room := currentRoom(t, host); room.Score(TeamOne) != -150 {
		t.Errorf("score = %d, want -150", room.Score(TeamOne))
	}

	if err := host.AdjustScore(ctx, "nobody", 10); !errors.Is(err, ErrUnknownTeam) {
		t.Errorf("unknown team error = %v, want ErrUnknownTeam", err)
	}
}

func TestHostSession_AdjustScore_Commutes(t *testing.T) {
	host, _, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup

	for range 60 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := host.AdjustScore(ctx, TeamOne, 10); err != nil {
				t.Error(err)
			}
		}()
	}

	for range 40 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := host.AdjustScore(ctx, TeamOne, -5); err != nil {
				t.Error(err)
			}
		}()
	}

	wg.Wait()

	// 60×10 − 40×5, in whatever order the increments landed.
	if room := currentRoom(t, host); room.Score(TeamOne) != 400 {
		t.Errorf("score = %d, want 400", room.Score(TeamOne))
	}
}

func TestHostSession_SetTeamName(t *testing.T) {
	host, _, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	if err := host.AdjustScore(ctx, TeamTwo, 500); err != nil {
		t.Fatal(err)
	}

	if err := host.SetTeamName(ctx, TeamTwo, "Hemingway Hive"); err != nil {
		t.Fatal(err)
	}

	room := currentRoom(t, host)

	if room.TeamName(TeamTwo) != "Hemingway Hive" {
		t.Errorf("name = %q", room.TeamName(TeamTwo))
	}

	if room.Score(TeamTwo) != 500 {
		t.Errorf("rename clobbered the score: %d", room.Score(TeamTwo))
	}

	if err := host.SetTeamName(ctx, "team7", "X"); !errors.Is(err, ErrUnknownTeam) {
		t.Errorf("unknown team error = %v, want ErrUnknownTeam", err)
	}
}

func TestHostSession_DeleteRoom(t *testing.T) {
	host, st, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	if err := host.DeleteRoom(ctx); err != nil {
		t.Fatal(err)
	}

	// Watchers get one final snapshot reporting the room gone.
	deadline := time.After(5 * time.Second)

	for {
		var snap RoomSnapshot

		select {
		case snap = <-host.Snapshots():
		case <-deadline:
			t.Fatal("no teardown snapshot delivered")
		}

		if !snap.Exists {
			break
		}
	}

	if snap, err := st.Get(ctx, roomPath(host.Code())); err != nil || snap.Exists {
		t.Errorf("room survived deletion: %v, %v", snap.Exists, err)
	}

	// Score writes against a deleted room stay no-ops instead of
	// resurrecting the document.
	if err := host.AdjustScore(ctx, TeamOne, 100); err != nil {
		t.Fatal(err)
	}

	if snap, _ := st.Get(ctx, roomPath(host.Code())); snap.Exists {
		t.Error("late score adjustment resurrected the room")
	}
}

func TestSession_LatestFollowsWrites(t *testing.T) {
	host, _, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	eventually(t, func() bool {
		_, ok := host.Latest()

		return ok
	}, "no initial snapshot observed")

	if err := host.OpenClue(ctx, "c1_v300"); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		snap, ok := host.Latest()

		return ok && snap.Room.Phase == PhaseQuestion
	}, "Latest never caught up with the opened clue")
}
