package rooms

import (
	"sort"
	"sync"
)

// Participant is one connection joined to a room.
type Participant struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"userName"`
}

// Departure describes a connection removed from a room and who is left.
type Departure struct {
	RoomID    string
	Member    Participant
	Remaining []Participant
}

// RoomInfo is a point-in-time view of one active room.
type RoomInfo struct {
	RoomID           string        `json:"roomId"`
	ParticipantCount int           `json:"participantCount"`
	Participants     []Participant `json:"participants"`
}

// Tracker keeps room memberships. A room exists while it has members.
type Tracker struct {
	mu    sync.Mutex
	rooms map[string][]Participant
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string][]Participant)}
}

// Join adds p to roomID and returns the members that were already there,
// in join order. Re-joining with the same connection refreshes the member.
func (t *Tracker) Join(roomID string, p Participant) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	members := t.rooms[roomID]
	existing := make([]Participant, 0, len(members))
	for _, m := range members {
		if m.ConnectionID != p.ConnectionID {
			existing = append(existing, m)
		}
	}
	t.rooms[roomID] = append(existing[:len(existing):len(existing)], p)
	return existing
}

// Leave removes connectionID from roomID. ok is false when the connection
// was not a member.
func (t *Tracker) Leave(roomID, connectionID string) (member Participant, remaining []Participant, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveLocked(roomID, connectionID)
}

// RemoveConnection drops connectionID from every room it joined.
func (t *Tracker) RemoveConnection(connectionID string) []Departure {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Departure
	for roomID := range t.rooms {
		member, remaining, ok := t.leaveLocked(roomID, connectionID)
		if !ok {
			continue
		}
		out = append(out, Departure{RoomID: roomID, Member: member, Remaining: remaining})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (t *Tracker) leaveLocked(roomID, connectionID string) (Participant, []Participant, bool) {
	members, exists := t.rooms[roomID]
	if !exists {
		return Participant{}, nil, false
	}
	var (
		member Participant
		found  bool
	)
	remaining := make([]Participant, 0, len(members))
	for _, m := range members {
		if m.ConnectionID == connectionID {
			member = m
			found = true
			continue
		}
		remaining = append(remaining, m)
	}
	if !found {
		return Participant{}, nil, false
	}
	if len(remaining) == 0 {
		delete(t.rooms, roomID)
		return member, nil, true
	}
	t.rooms[roomID] = remaining
	return member, append([]Participant(nil), remaining...), true
}

func (t *Tracker) Members(roomID string) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Participant(nil), t.rooms[roomID]...)
}

// Snapshot lists active rooms ordered by room id.
func (t *Tracker) Snapshot() []RoomInfo {
	t.mu.Lock()
	out := make([]RoomInfo, 0, len(t.rooms))
	for roomID, members := range t.rooms {
		out = append(out, RoomInfo{
			RoomID:           roomID,
			ParticipantCount: len(members),
			Participants:     append([]Participant(nil), members...),
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}
