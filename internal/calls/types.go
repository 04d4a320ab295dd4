package calls

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusMissed    Status = "missed"
)

// transitions lists the statuses reachable from each status. Terminal
// statuses have no entry.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusRejected, StatusCancelled, StatusMissed, StatusCompleted},
	StatusActive:  {StatusCompleted},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// ParseCallType defaults an empty value to video.
func ParseCallType(v string) (CallType, bool) {
	switch CallType(strings.ToLower(strings.TrimSpace(v))) {
	case "", CallTypeVideo:
		return CallTypeVideo, true
	case CallTypeVoice:
		return CallTypeVoice, true
	default:
		return "", false
	}
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Session is the durable record of one attempted-or-completed call.
type Session struct {
	ID              string     `json:"id"`
	CallerID        string     `json:"callerId"`
	RecipientID     string     `json:"recipientId"`
	RoomID          string     `json:"roomId"`
	CallType        CallType   `json:"callType"`
	Status          Status     `json:"status"`
	InitiatedAt     time.Time  `json:"initiatedAt"`
	AnsweredAt      *time.Time `json:"answeredAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Involves reports whether userID is the caller or the recipient.
func (s Session) Involves(userID string) bool {
	return userID != "" && (s.CallerID == userID || s.RecipientID == userID)
}

// Counterparty returns the other party of userID.
func (s Session) Counterparty(userID string) string {
	if s.CallerID == userID {
		return s.RecipientID
	}
	return s.CallerID
}

// durationSince returns whole seconds between answeredAt and endedAt,
// zero when the call was never answered.
func durationSince(answeredAt *time.Time, endedAt time.Time) int64 {
	if answeredAt == nil {
		return 0
	}
	d := endedAt.Sub(*answeredAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// TrackingEntry marks a user as engaged in an unfinished call.
type TrackingEntry struct {
	UserID         string    `json:"userId"`
	CallSessionID  string    `json:"callSessionId"`
	CounterpartyID string    `json:"counterpartyId"`
	Direction      Direction `json:"direction"`
}

// Statistics summarizes a user's call history.
type Statistics struct {
	TotalCalls           int     `json:"totalCalls"`
	MissedCalls          int     `json:"missedCalls"`
	RejectedCalls        int     `json:"rejectedCalls"`
	TotalDurationSeconds int64   `json:"totalDuration"`
	AverageDuration      float64 `json:"averageDuration"`
}

func (s *Statistics) finalize() {
	if s.TotalCalls > 0 {
		s.AverageDuration = float64(s.TotalDurationSeconds) / float64(s.TotalCalls)
	}
}
