package main

// Phase is the room-wide stage of play. Exactly one phase is active at a
// time; it gates which mutations the host and players may apply.
type Phase string

const (
	PhaseBoard    Phase = "board"
	PhaseQuestion Phase = "question"
	PhaseAnswer   Phase = "answer"
)

// Rooms seat exactly two fixed teams.
const (
	TeamOne = "team1"
	TeamTwo = "team2"
)

const defaultClueSeconds = 20

const roomsRoot = "rooms"

func roomPath(code string) string {
	return joinPath(roomsRoot, code)
}

type Team struct {
	Name  string `json:"name"`
	Score int64  `json:"score"`
}

// BuzzState records the winner of the current question cycle. Both fields
// are set together in one atomic step and cleared together when a clue
// opens or the board returns; zero values mean nobody has buzzed.
type BuzzState struct {
	FirstBuzzTeam string `json:"firstBuzzTeam,omitempty"`
	FirstBuzzAt   int64  `json:"firstBuzzAt,omitempty"`
}

type TimerState struct {
	DurationSec int   `json:"durationSec"`
	EndAtMs     int64 `json:"endAtMs,omitempty"`
}

type RosterEntry struct {
	Name     string `json:"name"`
	TeamID   string `json:"teamId"`
	JoinedAt int64  `json:"joinedAt,omitempty"`
}

// Room is the complete shared document for one game session. Every client
// recomputes its view from a full snapshot of this document, never from a
// diff. Zero values stand in for fields the document has no entry for: an
// empty ActiveClueKey means no clue is open, a zero EndAtMs means no
// deadline is armed.
type Room struct {
	CreatedAt     int64                  `json:"createdAt,omitempty"`
	Phase         Phase                  `json:"phase"`
	ActiveClueKey string                 `json:"activeClueKey,omitempty"`
	Teams         map[string]Team        `json:"teams"`
	Buzz          BuzzState              `json:"buzz"`
	Timer         TimerState             `json:"timer"`
	BoardUsed     map[string]bool        `json:"boardUsed"`
	Players       map[string]RosterEntry `json:"players,omitempty"`
}

// Winner returns the team that buzzed first, or "" while the buzzer is
// still open.
func (r *Room) Winner() string {
	return r.Buzz.FirstBuzzTeam
}

func (r *Room) Used(key string) bool {
	return r.BoardUsed[key]
}

func (r *Room) Score(teamID string) int64 {
	return r.Teams[teamID].Score
}

func (r *Room) TeamName(teamID string) string {
	return r.Teams[teamID].Name
}

// DurationSec returns the per-room countdown length, defaulting when the
// document predates the field.
func (r *Room) DurationSec() int {
	if r.Timer.DurationSec <= 0 {
		return defaultClueSeconds
	}

	return r.Timer.DurationSec
}

// Finished reports whether every clue on the board has been played.
func (r *Room) Finished() bool {
	if len(r.BoardUsed) == 0 {
		return false
	}

	for _, used := range r.BoardUsed {
		if !used {
			return false
		}
	}

	return true
}

// RoomSnapshot is a decoded room document plus whether it still exists.
// After the host tears a room down, watchers receive one final snapshot
// with Exists false.
type RoomSnapshot struct {
	Room   Room
	Exists bool
}

func decodeRoom(snap Snapshot) (RoomSnapshot, error) {
	out := RoomSnapshot{Exists: snap.Exists}

	if !snap.Exists {
		return out, nil
	}

	if err := snap.Decode(&out.Room); err != nil {
		return RoomSnapshot{}, err
	}

	return out, nil
}

// TileView is one board cell as a renderer should draw it.
type TileView struct {
	Key   string
	Value int
	Used  bool
}

// CategoryView is one board column.
type CategoryView struct {
	Title string
	Tiles []TileView
}

// RoomView is everything a renderer needs for one frame, derived entirely
// from a room snapshot, the bank, and the synced clock. Rendering from
// the full document on every snapshot keeps displays correct no matter
// which client wrote last or how many updates were conflated away.
type RoomView struct {
	Phase        Phase
	Board        []CategoryView
	Clue         *Clue
	ShowAnswer   bool
	BuzzedTeam   string
	BuzzedName   string
	BuzzArmed    bool
	RemainingSec int
	Scores       map[string]int64
	TeamNames    map[string]string
	Finished     bool
}

// BuildView derives a display frame. nowMs must come from the store's
// synced clock so countdowns agree across clients.
func BuildView(room *Room, bank *Bank, nowMs int64) RoomView {
	view := RoomView{
		Phase:      room.Phase,
		ShowAnswer: room.Phase == PhaseAnswer,
		BuzzedTeam: room.Winner(),
		Scores:     make(map[string]int64, len(room.Teams)),
		TeamNames:  make(map[string]string, len(room.Teams)),
		Finished:   room.Finished(),
	}

	for teamID, team := range room.Teams {
		view.Scores[teamID] = team.Score
		view.TeamNames[teamID] = team.Name
	}

	view.BuzzedName = view.TeamNames[view.BuzzedTeam]

	for i, category := range bank.Categories {
		column := CategoryView{Title: category.Title}

		for _, value := range bankValues {
			key := clueKey(i+1, value)
			column.Tiles = append(column.Tiles, TileView{
				Key:   key,
				Value: value,
				Used:  room.Used(key),
			})
		}

		view.Board = append(view.Board, column)
	}

	if room.ActiveClueKey != "" {
		if clue, ok := bank.Clue(room.ActiveClueKey); ok {
			view.Clue = &clue
		}
	}

	if room.Phase == PhaseQuestion {
		view.RemainingSec = remainingSeconds(room.Timer.EndAtMs, nowMs)
		view.BuzzArmed = view.BuzzedTeam == "" && room.Timer.EndAtMs > 0 && nowMs <= room.Timer.EndAtMs
	}

	return view
}
