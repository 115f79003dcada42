package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func joinTestPlayer(t *testing.T, st Store, code, device, name, team string) *PlayerSession {
	t.Helper()

	player, err := JoinRoom(context.Background(), st, code, device, name, team)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(player.Close)

	return player
}

// awaitPhase waits until a seat's conflated feed has caught up with the
// given phase, which is the precondition for its local buzz gate.
func awaitPhase(t *testing.T, s interface{ Latest() (RoomSnapshot, bool) }, phase Phase) {
	t.Helper()

	eventually(t, func() bool {
		snap, ok := s.Latest()

		return ok && snap.Exists && snap.Room.Phase == phase
	}, "seat never observed phase "+string(phase))
}

func TestJoinRoom_Validations(t *testing.T) {
	host, st, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	if _, err := JoinRoom(ctx, st, host.Code(), "dev-1", "Ada", "team3"); !errors.Is(err, ErrUnknownTeam) {
		t.Errorf("bad team error = %v, want ErrUnknownTeam", err)
	}

	if _, err := JoinRoom(ctx, st, host.Code(), "", "Ada", TeamOne); err == nil {
		t.Error("empty device id accepted")
	}

	if _, err := JoinRoom(ctx, st, host.Code(), "dev-1", "   ", TeamOne); err == nil {
		t.Error("blank player name accepted")
	}

	if _, err := JoinRoom(ctx, st, "ZZZZ", "dev-1", "Ada", TeamOne); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("unknown room error = %v, want ErrRoomNotFound", err)
	}
}

func TestJoinRoom_WritesRoster(t *testing.T) {
	host, st, fake := newGame(t, RoomOptions{})

	// Codes are typed by hand; entry is case-insensitive.
	player := joinTestPlayer(t, st, strings.ToLower(host.Code()), "dev-1", "Ada", TeamTwo)

	if player.DeviceID() != "dev-1" || player.TeamID() != TeamTwo {
		t.Errorf("seat = %q/%q", player.DeviceID(), player.TeamID())
	}

	room := currentRoom(t, host)

	entry, ok := room.Players["dev-1"]
	if !ok {
		t.Fatal("roster entry missing")
	}

	if entry.Name != "Ada" || entry.TeamID != TeamTwo {
		t.Errorf("entry = %+v", entry)
	}

	if entry.JoinedAt != fake.Now().UnixMilli() {
		t.Errorf("joinedAt = %d, want the server clock %d", entry.JoinedAt, fake.Now().UnixMilli())
	}
}

func TestPlayerSession_Leave(t *testing.T) {
	host, st, _ := newGame(t, RoomOptions{})
	player := joinTestPlayer(t, st, host.Code(), "dev-1", "Ada", TeamOne)

	if err := player.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}

	room := currentRoom(t, host)

	if _, ok := room.Players["dev-1"]; ok {
		t.Error("roster entry survived Leave")
	}
}

func TestPlayerSession_Buzz_FirstWins(t *testing.T) {
	host, st, fake := newGame(t, RoomOptions{})
	ctx := context.Background()

	one := joinTestPlayer(t, st, host.Code(), "dev-1", "Ada", TeamOne)
	two := joinTestPlayer(t, st, host.Code(), "dev-2", "Blaise", TeamTwo)

	if err := host.OpenClue(ctx, "c1_v100"); err != nil {
		t.Fatal(err)
	}

	awaitPhase(t, one, PhaseQuestion)
	awaitPhase(t, two, PhaseQuestion)

	fake.Advance(2 * time.Second)

	won, err := one.Buzz(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if !won {
		t.Fatal("first buzz on an open question lost")
	}

	// Losing the race is not an error.
	won, err = two.Buzz(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if won {
		t.Fatal("second buzz also won")
	}

	room := currentRoom(t, host)

	if room.Winner() != TeamOne {
		t.Errorf("winner = %q, want %q", room.Winner(), TeamOne)
	}

	if room.Buzz.FirstBuzzAt != fake.Now().UnixMilli() {
		t.Errorf("firstBuzzAt = %d, want the server clock %d", room.Buzz.FirstBuzzAt, fake.Now().UnixMilli())
	}

	// The winner buzzing again changes nothing either.
	if won, err = one.Buzz(ctx); err != nil || won {
		t.Errorf("re-buzz = %v, %v", won, err)
	}
}

func TestPlayerSession_Buzz_Concurrent(t *testing.T) {
	host, st, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	one := joinTestPlayer(t, st, host.Code(), "dev-1", "Ada", TeamOne)
	two := joinTestPlayer(t, st, host.Code(), "dev-2", "Blaise", TeamTwo)

	if err := host.OpenClue(ctx, "c3_v500"); err != nil {
		t.Fatal(err)
	}

	awaitPhase(t, one, PhaseQuestion)
	awaitPhase(t, two, PhaseQuestion)

	var (
		wg   sync.WaitGroup
		wins [2]bool
	)

	for i, player := range []*PlayerSession{one, two} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			won, err := player.Buzz(ctx)
			if err != nil {
				t.Error(err)
			}

			wins[i] = won
		}()
	}

	wg.Wait()

	if wins[0] == wins[1] {
		t.Fatalf("want exactly one winner, got %v", wins)
	}

	room := currentRoom(t, host)

	if room.Winner() == "" {
		t.Error("no winner recorded after a committed buzz")
	}
}

func TestPlayerSession_Buzz_BoardPhase(t *testing.T) {
	host, st, _ := newGame(t, RoomOptions{})

	player := joinTestPlayer(t, st, host.Code(), "dev-1", "Ada", TeamOne)

	awaitPhase(t, player, PhaseBoard)

	if won, err := player.Buzz(context.Background()); err != nil || won {
		t.Errorf("board-phase buzz = %v, %v, want a silent no-op", won, err)
	}

	if room := currentRoom(t, host); room.Winner() != "" {
		t.Error("board-phase buzz wrote a winner")
	}
}

func TestPlayerSession_Buzz_AfterDeadline(t *testing.T) {
	host, st, fake := newGame(t, RoomOptions{DurationSec: 10})
	ctx := context.Background()

	player := joinTestPlayer(t, st, host.Code(), "dev-1", "Ada", TeamOne)

	if err := host.OpenClue(ctx, "c2_v200"); err != nil {
		t.Fatal(err)
	}

	awaitPhase(t, player, PhaseQuestion)

	fake.Advance(11 * time.Second)

	if won, err := player.Buzz(ctx); err != nil || won {
		t.Errorf("late buzz = %v, %v, want a silent no-op", won, err)
	}

	if room := currentRoom(t, host); room.Winner() != "" {
		t.Error("late buzz wrote a winner")
	}
}

func TestPlayerSession_Buzz_RoomDeleted(t *testing.T) {
	host, st, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	player := joinTestPlayer(t, st, host.Code(), "dev-1", "Ada", TeamOne)

	if err := host.OpenClue(ctx, "c1_v400"); err != nil {
		t.Fatal(err)
	}

	awaitPhase(t, player, PhaseQuestion)

	if err := host.DeleteRoom(ctx); err != nil {
		t.Fatal(err)
	}

	// The stale local gate may still see an open question; the
	// transaction finds the node gone and gives up.
	if won, err := player.Buzz(ctx); err != nil || won {
		t.Errorf("buzz on a deleted room = %v, %v, want a silent no-op", won, err)
	}

	if snap, _ := st.Get(ctx, roomPath(host.Code())); snap.Exists {
		t.Error("buzz resurrected a deleted room")
	}
}

func TestPlayerSession_Buzz_NextQuestionRearms(t *testing.T) {
	host, st, _ := newGame(t, RoomOptions{})
	ctx := context.Background()

	one := joinTestPlayer(t, st, host.Code(), "dev-1", "Ada", TeamOne)
	two := joinTestPlayer(t, st, host.Code(), "dev-2", "Blaise", TeamTwo)

	if err := host.OpenClue(ctx, "c1_v100"); err != nil {
		t.Fatal(err)
	}

	awaitPhase(t, one, PhaseQuestion)

	if won, err := one.Buzz(ctx); err != nil || !won {
		t.Fatalf("first cycle buzz = %v, %v", won, err)
	}

	if err := host.ReturnToBoard(ctx); err != nil {
		t.Fatal(err)
	}

	if err := host.OpenClue(ctx, "c1_v200"); err != nil {
		t.Fatal(err)
	}

	awaitPhase(t, two, PhaseQuestion)

	eventually(t, func() bool {
		snap, ok := two.Latest()

		return ok && snap.Room.Winner() == "" && snap.Room.ActiveClueKey == "c1_v200"
	}, "buzz state not cleared for the next question")

	if won, err := two.Buzz(ctx); err != nil || !won {
		t.Errorf("second cycle buzz = %v, %v, want a fresh win", won, err)
	}

	if room := currentRoom(t, host); room.Winner() != TeamTwo {
		t.Errorf("second cycle winner = %q, want %q", room.Winner(), TeamTwo)
	}
}

func TestLoadDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "device_id")

	id, err := LoadDeviceID(path)
	if err != nil {
		t.Fatal(err)
	}

	if id == "" {
		t.Fatal("minted an empty device id")
	}

	again, err := LoadDeviceID(path)
	if err != nil {
		t.Fatal(err)
	}

	if again != id {
		t.Errorf("second load minted a new id: %q vs %q", again, id)
	}

	// The stored form is trimmed on the way back in.
	if err := os.WriteFile(path, []byte("  stable-id \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if id, err = LoadDeviceID(path); err != nil || id != "stable-id" {
		t.Errorf("LoadDeviceID = %q, %v, want stable-id", id, err)
	}
}

func TestDefaultDeviceIDPath(t *testing.T) {
	path := DefaultDeviceIDPath()

	if path == "" || filepath.Base(path) != "device_id" {
		t.Errorf("DefaultDeviceIDPath = %q", path)
	}
}
