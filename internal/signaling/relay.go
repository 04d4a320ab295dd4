// Package signaling relays WebRTC negotiation messages between connections
// and announces room membership changes.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antoniostano/telecare/internal/observability"
	"github.com/antoniostano/telecare/internal/protocol"
	"github.com/antoniostano/telecare/internal/rooms"
	"github.com/pion/webrtc/v4"
)

var ErrTargetUnavailable = errors.New("signaling target not connected")

// Notifier delivers an event to one connection and reports whether it was
// queued.
type Notifier interface {
	Send(connectionID string, event any) bool
}

type Relay struct {
	rooms   *rooms.Tracker
	out     Notifier
	log     *slog.Logger
	metrics *observability.Metrics
}

func NewRelay(tracker *rooms.Tracker, out Notifier, log *slog.Logger, metrics *observability.Metrics) *Relay {
	if tracker == nil {
		tracker = rooms.NewTracker()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{rooms: tracker, out: out, log: log, metrics: metrics}
}

func (r *Relay) Rooms() *rooms.Tracker { return r.rooms }

// Join adds conn to roomID, announces it to the members already present and
// sends them back to the joiner.
func (r *Relay) Join(conn, roomID, userID, userName string) []rooms.Participant {
	joiner := rooms.Participant{ConnectionID: conn, UserID: userID, DisplayName: userName}
	existing := r.rooms.Join(roomID, joiner)
	r.metrics.SetActiveRooms(r.rooms.Count())

	joined := protocol.UserJoined{
		Type:        protocol.TypeUserJoined,
		RoomID:      roomID,
		Participant: wireParticipant(joiner),
	}
	for _, m := range existing {
		r.out.Send(m.ConnectionID, joined)
	}

	participants := make([]protocol.Participant, 0, len(existing))
	for _, m := range existing {
		participants = append(participants, wireParticipant(m))
	}
	r.out.Send(conn, protocol.ExistingParticipants{
		Type:         protocol.TypeExistingParticipants,
		RoomID:       roomID,
		Participants: participants,
	})

	r.log.Debug("room joined", "room_id", roomID, "conn", conn, "user_id", userID, "existing", len(existing))
	return existing
}

// Leave removes conn from roomID and tells the remaining members.
func (r *Relay) Leave(conn, roomID string) bool {
	member, remaining, ok := r.rooms.Leave(roomID, conn)
	if !ok {
		return false
	}
	r.metrics.SetActiveRooms(r.rooms.Count())
	r.announceLeft(roomID, member, remaining)
	return true
}

// Disconnect removes conn from every room it joined and returns how many
// rooms were affected.
func (r *Relay) Disconnect(conn string) int {
	departures := r.rooms.RemoveConnection(conn)
	if len(departures) == 0 {
		return 0
	}
	r.metrics.SetActiveRooms(r.rooms.Count())
	for _, d := range departures {
		r.announceLeft(d.RoomID, d.Member, d.Remaining)
	}
	return len(departures)
}

func (r *Relay) announceLeft(roomID string, member rooms.Participant, remaining []rooms.Participant) {
	left := protocol.UserLeft{
		Type:         protocol.TypeUserLeft,
		RoomID:       roomID,
		UserID:       member.UserID,
		ConnectionID: member.ConnectionID,
	}
	for _, m := range remaining {
		r.out.Send(m.ConnectionID, left)
	}
	r.log.Debug("room left", "room_id", roomID, "conn", member.ConnectionID, "remaining", len(remaining))
}

func (r *Relay) RelayOffer(target string, payload json.RawMessage, from string) error {
	return r.Forward(protocol.Signal{Type: protocol.TypeOffer, Payload: payload, To: target, From: from})
}

func (r *Relay) RelayAnswer(target string, payload json.RawMessage, from string) error {
	return r.Forward(protocol.Signal{Type: protocol.TypeAnswer, Payload: payload, To: target, From: from})
}

func (r *Relay) RelayICECandidate(target string, payload json.RawMessage, from string) error {
	return r.Forward(protocol.Signal{Type: protocol.TypeICECandidate, Payload: payload, To: target, From: from})
}

// Forward sends sig to sig.To unchanged except for the recipient field.
func (r *Relay) Forward(sig protocol.Signal) error {
	if len(sig.Payload) == 0 {
		return fmt.Errorf("%s without payload", sig.Type)
	}
	out := protocol.Signal{Type: sig.Type, Payload: sig.Payload, From: sig.From}
	if !r.out.Send(sig.To, out) {
		r.log.Debug("signal target unavailable", "type", string(sig.Type), "from", sig.From, "to", sig.To)
		return fmt.Errorf("%w: %s", ErrTargetUnavailable, sig.To)
	}
	if r.log.Enabled(context.Background(), slog.LevelDebug) {
		r.log.Debug("signal relayed", append([]any{"type", string(sig.Type), "from", sig.From, "to", sig.To}, describe(sig)...)...)
	}
	return nil
}

// describe decodes the payload for logs only. Malformed payloads are still
// forwarded.
func describe(sig protocol.Signal) []any {
	switch sig.Type {
	case protocol.TypeOffer, protocol.TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			return []any{"sdp_decode_err", err.Error()}
		}
		return []any{"sdp_type", desc.Type.String(), "sdp_bytes", len(desc.SDP)}
	case protocol.TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &cand); err != nil {
			return []any{"candidate_decode_err", err.Error()}
		}
		return []any{"candidate_type", candidateType(cand.Candidate)}
	default:
		return nil
	}
}

// candidateType extracts the typ field of an ICE candidate line.
func candidateType(line string) string {
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "typ" {
			return fields[i+1]
		}
	}
	return "unknown"
}

func wireParticipant(p rooms.Participant) protocol.Participant {
	return protocol.Participant{ConnectionID: p.ConnectionID, UserID: p.UserID, UserName: p.DisplayName}
}
