package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Inbound (client → server) event tags.
const (
	TypeRegisterUser   MessageType = "register-user"
	TypeInitiateCall   MessageType = "initiate-call"
	TypeAcceptCall     MessageType = "accept-call"
	TypeRejectCall     MessageType = "reject-call"
	TypeCancelCall     MessageType = "cancel-call"
	TypeEndCall        MessageType = "end-call"
	TypeGetOnlineUsers MessageType = "get-online-users"
	TypeJoinRoom       MessageType = "join-room"
	TypeLeaveRoom      MessageType = "leave-room"
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeICECandidate   MessageType = "ice-candidate"
)

// Outbound (server → client) event tags.
const (
	TypeConnectionReady            MessageType = "connection-ready"
	TypeIncomingCall               MessageType = "incoming-call"
	TypeCallInitiated              MessageType = "call-initiated"
	TypeUserOffline                MessageType = "user-offline"
	TypeUserBusy                   MessageType = "user-busy"
	TypeCallError                  MessageType = "call-error"
	TypeCallAccepted               MessageType = "call-accepted"
	TypeCallConfirmed              MessageType = "call-confirmed"
	TypeCallRejected               MessageType = "call-rejected"
	TypeCallCancelled              MessageType = "call-cancelled"
	TypeCallEnded                  MessageType = "call-ended"
	TypeCallMissed                 MessageType = "call-missed"
	TypeOnlineUsers                MessageType = "online-users"
	TypeUserJoined                 MessageType = "user-joined"
	TypeExistingParticipants       MessageType = "existing-participants"
	TypeUserLeft                   MessageType = "user-left"
	TypeUserDisconnectedDuringCall MessageType = "user-disconnected-during-call"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type RegisterUser struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"userId"`
	UserName string      `json:"userName"`
	UserType string      `json:"userType"`
}

type InitiateCall struct {
	Type        MessageType `json:"type"`
	RecipientID string      `json:"recipientId"`
	CallType    string      `json:"callType"`
}

// AcceptCall carries the caller's id. Web clients send it under recipientId,
// newer clients under callerId; ParseClientMessage folds both into CallerID.
type AcceptCall struct {
	Type          MessageType `json:"type"`
	CallSessionID string      `json:"callSessionId"`
	CallerID      string      `json:"callerId,omitempty"`
	RecipientID   string      `json:"recipientId,omitempty"`
}

type RejectCall struct {
	Type          MessageType `json:"type"`
	CallSessionID string      `json:"callSessionId"`
	CallerID      string      `json:"callerId"`
}

type CancelCall struct {
	Type          MessageType `json:"type"`
	CallSessionID string      `json:"callSessionId"`
	RecipientID   string      `json:"recipientId"`
}

type EndCall struct {
	Type          MessageType `json:"type"`
	CallSessionID string      `json:"callSessionId"`
}

type GetOnlineUsers struct {
	Type MessageType `json:"type"`
}

type JoinRoom struct {
	Type     MessageType `json:"type"`
	RoomID   string      `json:"roomId"`
	UserID   string      `json:"userId"`
	UserName string      `json:"userName"`
}

type LeaveRoom struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"roomId"`
	UserID string      `json:"userId"`
}

// Signal is an offer, answer or ice-candidate addressed to another
// connection. Payload is forwarded verbatim.
type Signal struct {
	Type    MessageType
	Payload json.RawMessage
	To      string
	From    string
}

type signalWire struct {
	Type      MessageType     `json:"type"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from"`
}

// MarshalJSON renders the signal with the payload under the key the browser
// expects for its tag (offer, answer or candidate).
func (s Signal) MarshalJSON() ([]byte, error) {
	w := signalWire{Type: s.Type, To: s.To, From: s.From}
	switch s.Type {
	case TypeOffer:
		w.Offer = s.Payload
	case TypeAnswer:
		w.Answer = s.Payload
	case TypeICECandidate:
		w.Candidate = s.Payload
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, s.Type)
	}
	return json.Marshal(w)
}

type ConnectionReady struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connectionId"`
}

type IncomingCall struct {
	Type          MessageType `json:"type"`
	CallSessionID string      `json:"callSessionId"`
	CallerID      string      `json:"callerId"`
	CallerName    string      `json:"callerName"`
	RoomID        string      `json:"roomId"`
	CallType      string      `json:"callType"`
}

// CallInfo is shared by call-initiated, call-accepted and call-confirmed.
type CallInfo struct {
	Type          MessageType `json:"type"`
	CallSessionID string      `json:"callSessionId"`
	RoomID        string      `json:"roomId"`
	CallType      string      `json:"callType"`
}

type UserStatus struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId"`
}

type CallError struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// CallNotice is shared by call-rejected, call-cancelled and call-missed.
type CallNotice struct {
	Type          MessageType `json:"type"`
	CallSessionID string      `json:"callSessionId"`
	Message       string      `json:"message,omitempty"`
}

type CallEnded struct {
	Type          MessageType `json:"type"`
	CallSessionID string      `json:"callSessionId"`
	Duration      int64       `json:"duration"`
}

type OnlineUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserType string `json:"userType"`
}

type OnlineUsers struct {
	Type  MessageType  `json:"type"`
	Users []OnlineUser `json:"users"`
}

type Participant struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
}

type UserJoined struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"roomId"`
	Participant
}

type ExistingParticipants struct {
	Type         MessageType   `json:"type"`
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
}

type UserLeft struct {
	Type         MessageType `json:"type"`
	RoomID       string      `json:"roomId"`
	UserID       string      `json:"userId"`
	ConnectionID string      `json:"connectionId"`
}

type UserDisconnectedDuringCall struct {
	Type          MessageType `json:"type"`
	CallSessionID string      `json:"callSessionId"`
	UserID        string      `json:"userId"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeRegisterUser:
		var msg RegisterUser
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.UserID = strings.TrimSpace(msg.UserID)
		if msg.UserID == "" {
			return nil, errors.New("invalid register-user: userId is required")
		}
		return msg, nil
	case TypeInitiateCall:
		var msg InitiateCall
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.RecipientID = strings.TrimSpace(msg.RecipientID)
		if msg.RecipientID == "" {
			return nil, errors.New("invalid initiate-call: recipientId is required")
		}
		return msg, nil
	case TypeAcceptCall:
		var msg AcceptCall
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallerID == "" {
			msg.CallerID = msg.RecipientID
		}
		if msg.CallSessionID == "" {
			return nil, errors.New("invalid accept-call: callSessionId is required")
		}
		return msg, nil
	case TypeRejectCall:
		var msg RejectCall
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallSessionID == "" {
			return nil, errors.New("invalid reject-call: callSessionId is required")
		}
		return msg, nil
	case TypeCancelCall:
		var msg CancelCall
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallSessionID == "" {
			return nil, errors.New("invalid cancel-call: callSessionId is required")
		}
		return msg, nil
	case TypeEndCall:
		var msg EndCall
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallSessionID == "" {
			return nil, errors.New("invalid end-call: callSessionId is required")
		}
		return msg, nil
	case TypeGetOnlineUsers:
		return GetOnlineUsers{Type: TypeGetOnlineUsers}, nil
	case TypeJoinRoom:
		var msg JoinRoom
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.RoomID) == "" {
			return nil, errors.New("invalid join-room: roomId is required")
		}
		return msg, nil
	case TypeLeaveRoom:
		var msg LeaveRoom
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.RoomID) == "" {
			return nil, errors.New("invalid leave-room: roomId is required")
		}
		return msg, nil
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var w signalWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		msg := Signal{Type: env.Type, To: strings.TrimSpace(w.To), From: w.From}
		switch env.Type {
		case TypeOffer:
			msg.Payload = w.Offer
		case TypeAnswer:
			msg.Payload = w.Answer
		default:
			msg.Payload = w.Candidate
		}
		if msg.To == "" || len(msg.Payload) == 0 || string(msg.Payload) == "null" {
			return nil, fmt.Errorf("invalid %s: to and payload are required", env.Type)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the tag of an inbound or outbound message value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case RegisterUser:
		return m.Type, true
	case InitiateCall:
		return m.Type, true
	case AcceptCall:
		return m.Type, true
	case RejectCall:
		return m.Type, true
	case CancelCall:
		return m.Type, true
	case EndCall:
		return m.Type, true
	case GetOnlineUsers:
		return m.Type, true
	case JoinRoom:
		return m.Type, true
	case LeaveRoom:
		return m.Type, true
	case Signal:
		return m.Type, true
	case ConnectionReady:
		return m.Type, true
	case IncomingCall:
		return m.Type, true
	case CallInfo:
		return m.Type, true
	case UserStatus:
		return m.Type, true
	case CallError:
		return m.Type, true
	case CallNotice:
		return m.Type, true
	case CallEnded:
		return m.Type, true
	case OnlineUsers:
		return m.Type, true
	case UserJoined:
		return m.Type, true
	case ExistingParticipants:
		return m.Type, true
	case UserLeft:
		return m.Type, true
	case UserDisconnectedDuringCall:
		return m.Type, true
	default:
		return "", false
	}
}
