// Package gateway dispatches parsed client messages to the presence
// registry, the call coordinator and the signaling relay, and turns their
// errors into events for the originating connection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/antoniostano/telecare/internal/calls"
	"github.com/antoniostano/telecare/internal/keylock"
	"github.com/antoniostano/telecare/internal/observability"
	"github.com/antoniostano/telecare/internal/policy"
	"github.com/antoniostano/telecare/internal/presence"
	"github.com/antoniostano/telecare/internal/protocol"
	"github.com/antoniostano/telecare/internal/signaling"
)

// Notifier delivers an event to one connection.
type Notifier interface {
	Send(connectionID string, event any) bool
}

type Dispatcher struct {
	presence *presence.Registry
	calls    *calls.Coordinator
	relay    *signaling.Relay
	out      Notifier
	log      *slog.Logger
	metrics  *observability.Metrics
}

func NewDispatcher(registry *presence.Registry, coordinator *calls.Coordinator, relay *signaling.Relay, out Notifier, log *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		presence: registry,
		calls:    coordinator,
		relay:    relay,
		out:      out,
		log:      log,
		metrics:  metrics,
	}
}

// Connected greets a freshly attached connection with its handle.
func (d *Dispatcher) Connected(conn string) {
	d.out.Send(conn, protocol.ConnectionReady{Type: protocol.TypeConnectionReady, ConnectionID: conn})
	d.log.Debug("connection attached", "conn", conn)
}

// Handle runs one client message. Messages of one connection must be
// handled in arrival order.
func (d *Dispatcher) Handle(ctx context.Context, conn string, msg any) {
	if t, ok := protocol.TypeOf(msg); ok {
		d.metrics.ObserveMessage("inbound", string(t))
	}

	switch m := msg.(type) {
	case protocol.RegisterUser:
		d.presence.Register(m.UserID, m.UserName, m.UserType, conn)
		d.metrics.SetOnlineUsers(d.presence.Count())
		d.log.Info("user registered",
			"user_id", m.UserID,
			policy.NameAttr(m.UserName),
			"user_type", m.UserType,
			"conn", conn,
			"online", d.presence.Count(),
		)

	case protocol.InitiateCall:
		if _, err := d.calls.Initiate(ctx, conn, m.RecipientID, m.CallType); err != nil {
			d.fail(conn, err, m.RecipientID)
		}

	case protocol.AcceptCall:
		if _, err := d.calls.Accept(ctx, conn, m.CallSessionID, m.CallerID); err != nil {
			d.fail(conn, err, "")
		}

	case protocol.RejectCall:
		if err := d.calls.Reject(ctx, conn, m.CallSessionID, m.CallerID); err != nil {
			d.fail(conn, err, "")
		}

	case protocol.CancelCall:
		if err := d.calls.Cancel(ctx, conn, m.CallSessionID, m.RecipientID); err != nil {
			d.fail(conn, err, "")
		}

	case protocol.EndCall:
		if _, err := d.calls.End(ctx, conn, m.CallSessionID); err != nil {
			d.fail(conn, err, "")
		}

	case protocol.GetOnlineUsers:
		entries := d.presence.List()
		users := make([]protocol.OnlineUser, 0, len(entries))
		for _, e := range entries {
			users = append(users, protocol.OnlineUser{UserID: e.UserID, UserName: e.DisplayName, UserType: e.UserType})
		}
		d.out.Send(conn, protocol.OnlineUsers{Type: protocol.TypeOnlineUsers, Users: users})

	case protocol.JoinRoom:
		userID, userName := m.UserID, m.UserName
		if e, ok := d.registered(conn); ok {
			if userID == "" {
				userID = e.UserID
			}
			if userName == "" {
				userName = e.DisplayName
			}
		}
		d.relay.Join(conn, m.RoomID, userID, userName)

	case protocol.LeaveRoom:
		d.relay.Leave(conn, m.RoomID)

	case protocol.Signal:
		// The sender handle is authoritative whatever the client claims.
		m.From = conn
		if err := d.relay.Forward(m); err != nil {
			d.fail(conn, err, "")
		}

	default:
		d.log.Warn("unhandled client message", "conn", conn, "type", fmt.Sprintf("%T", msg))
	}
}

// Invalid reports a frame that could not be parsed.
func (d *Dispatcher) Invalid(conn string, err error) {
	d.metrics.ObserveMessage("inbound", "invalid")
	detail, redacted := policy.RedactPII(err.Error())
	d.log.Debug("invalid client message", "conn", conn, "err", detail, "redacted", redacted)
	d.out.Send(conn, protocol.CallError{
		Type:    protocol.TypeCallError,
		Code:    "invalid_client_message",
		Message: detail,
	})
}

// Disconnect tears down everything bound to conn. Room departures go
// first, then the call counterparty is told, then presence is dropped.
func (d *Dispatcher) Disconnect(ctx context.Context, conn string) {
	rooms := d.relay.Disconnect(conn)
	inCall := d.calls.DisconnectDuringCall(ctx, conn)
	entry, registered := d.presence.Remove(conn)
	d.metrics.SetOnlineUsers(d.presence.Count())

	attrs := []any{"conn", conn, "rooms", rooms, "in_call", inCall}
	if registered {
		attrs = append(attrs, "user_id", entry.UserID)
	}
	d.log.Info("connection closed", attrs...)
}

func (d *Dispatcher) registered(conn string) (presence.Entry, bool) {
	userID, ok := d.presence.LookupByConnection(conn)
	if !ok {
		return presence.Entry{}, false
	}
	return d.presence.Lookup(userID)
}

// fail turns err into the event the originating connection receives.
// subject is the user an offline or busy status refers to.
func (d *Dispatcher) fail(conn string, err error, subject string) {
	switch {
	case errors.Is(err, calls.ErrRecipientOffline):
		d.out.Send(conn, protocol.UserStatus{Type: protocol.TypeUserOffline, UserID: subject})
		return
	case errors.Is(err, calls.ErrRecipientBusy):
		d.out.Send(conn, protocol.UserStatus{Type: protocol.TypeUserBusy, UserID: subject})
		return
	}

	code, message := errorCode(err)
	level := slog.LevelWarn
	if code == "internal_error" || code == "persistence_failure" {
		level = slog.LevelError
	}
	d.log.Log(context.Background(), level, "client request failed", "conn", conn, "code", code, "err", err)
	d.out.Send(conn, protocol.CallError{Type: protocol.TypeCallError, Code: code, Message: message})
}

func errorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, calls.ErrCallerNotRegistered):
		return "caller_not_registered", "Caller not registered"
	case errors.Is(err, calls.ErrSessionNotFound):
		return "session_not_found", "Call session not found"
	case errors.Is(err, calls.ErrInvalidTransition):
		return "invalid_transition", "Call can no longer be changed this way"
	case errors.Is(err, calls.ErrCallerBusy):
		return "caller_busy", "You are already in a call"
	case errors.Is(err, calls.ErrSelfCall):
		return "invalid_recipient", "Cannot call yourself"
	case errors.Is(err, calls.ErrInvalidCallType):
		return "invalid_call_type", "Call type must be voice or video"
	case errors.Is(err, calls.ErrNotParticipant):
		return "not_participant", "You are not part of this call"
	case errors.Is(err, signaling.ErrTargetUnavailable):
		return "target_unavailable", "Peer is not connected"
	case errors.Is(err, calls.ErrPersistence):
		return "persistence_failure", "Call could not be saved"
	case errors.Is(err, keylock.ErrLockTimeout):
		return "try_again", "Call is being updated, try again"
	default:
		return "internal_error", "Internal error"
	}
}
