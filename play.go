package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PlayerSession is one device's seat at a room. Players only ever write
// two things: their own roster entry and buzz attempts for their team.
type PlayerSession struct {
	*session
	deviceID string
	teamID   string
}

// JoinRoom verifies the room exists, registers the device in the roster,
// and returns the player's seat. A bad code fails with ErrRoomNotFound
// before anything is written.
func JoinRoom(ctx context.Context, st Store, code, deviceID, name, teamID string) (*PlayerSession, error) {
	if teamID != TeamOne && teamID != TeamTwo {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTeam, teamID)
	}

	if deviceID == "" {
		return nil, errors.New("empty device id")
	}

	if strings.TrimSpace(name) == "" {
		return nil, errors.New("empty player name")
	}

	code = normalizeRoomCode(code)

	snap, err := st.Get(ctx, roomPath(code))
	if err != nil {
		return nil, err
	}

	if !snap.Exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}

	entry := map[string]any{
		"name":     name,
		"teamId":   teamID,
		"joinedAt": ServerTimestamp,
	}

	if err := st.Put(ctx, joinPath(roomPath(code), "players", deviceID), entry); err != nil {
		return nil, err
	}

	s, err := newSession(ctx, st, code)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("room", code).
		Str("team", teamID).
		Str("player", name).
		Msg("joined room")

	return &PlayerSession{session: s, deviceID: deviceID, teamID: teamID}, nil
}

func (p *PlayerSession) DeviceID() string {
	return p.deviceID
}

func (p *PlayerSession) TeamID() string {
	return p.teamID
}

// Buzz claims first-response rights for the player's team. The local gate
// (observed question phase, deadline not passed on the synced clock, no
// winner yet) only avoids pointless writes; the transaction is the sole
// authority. Exactly one concurrent attempt per question cycle commits,
// and the winner's timestamp is assigned by the server, not the device.
// Losing the race is not an error: won comes back false.
func (p *PlayerSession) Buzz(ctx context.Context) (bool, error) {
	snap, ok := p.Latest()
	if !ok {
		var err error

		snap, err = p.Room(ctx)
		if err != nil {
			return false, err
		}
	}

	room := snap.Room

	if !snap.Exists || room.Phase != PhaseQuestion || room.Winner() != "" {
		return false, nil
	}

	if room.Timer.EndAtMs > 0 && p.store.NowMs() > room.Timer.EndAtMs {
		return false, nil
	}

	_, committed, err := p.store.Txn(ctx, joinPath(p.path, "buzz"), func(current any) (any, bool) {
		buzz, ok := current.(map[string]any)
		if !ok {
			// Node gone entirely: the room was torn down under us.
			return nil, false
		}

		if asString(buzz["firstBuzzTeam"]) != "" {
			return nil, false
		}

		return map[string]any{
			"firstBuzzTeam": p.teamID,
			"firstBuzzAt":   ServerTimestamp,
		}, true
	})
	if err != nil {
		return false, err
	}

	if committed {
		log.Debug().Str("room", p.code).Str("team", p.teamID).Msg("buzz won")
	}

	return committed, nil
}

// Leave removes this device's roster entry and releases the seat. The
// room stays up for everyone else.
func (p *PlayerSession) Leave(ctx context.Context) error {
	err := p.store.Delete(ctx, joinPath(p.path, "players", p.deviceID))

	p.Close()

	return err
}

// LoadDeviceID returns this device's stable identity, minting and
// persisting one on first use. It only keys roster entries; it is not a
// credential.
func LoadDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	id := uuid.NewString()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}

	return id, nil
}

// DefaultDeviceIDPath puts the identity file under the user config dir,
// falling back to the working directory.
func DefaultDeviceIDPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}

	return filepath.Join(dir, "bookclub-jeopardy", "device_id")
}
