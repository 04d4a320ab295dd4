package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/antoniostano/telecare/internal/calls"
	"github.com/antoniostano/telecare/internal/hub"
	"github.com/antoniostano/telecare/internal/presence"
	"github.com/antoniostano/telecare/internal/protocol"
	"github.com/antoniostano/telecare/internal/signaling"
)

type gatewayFixture struct {
	d        *Dispatcher
	hub      *hub.Hub
	registry *presence.Registry
	coord    *calls.Coordinator
	queues   map[string]<-chan any
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	h := hub.New(32, nil)
	registry := presence.NewRegistry()
	coord := calls.NewCoordinator(calls.Options{
		Store:     calls.NewInMemoryStore(),
		Directory: registry,
		Notifier:  h,
	})
	relay := signaling.NewRelay(nil, h, nil, nil)
	return &gatewayFixture{
		d:        NewDispatcher(registry, coord, relay, h, nil, nil),
		hub:      h,
		registry: registry,
		coord:    coord,
		queues:   make(map[string]<-chan any),
	}
}

// connect attaches a connection and registers userID on it.
func (f *gatewayFixture) connect(t *testing.T, userID string) string {
	t.Helper()
	id, q := f.hub.Attach()
	f.queues[id] = q
	f.d.Connected(id)
	if ready, ok := f.next(t, id).(protocol.ConnectionReady); !ok || ready.ConnectionID != id {
		t.Fatalf("first event is not connection-ready for %s", id)
	}
	if userID != "" {
		f.d.Handle(context.Background(), id, protocol.RegisterUser{Type: protocol.TypeRegisterUser, UserID: userID, UserName: userID})
	}
	return id
}

func (f *gatewayFixture) next(t *testing.T, conn string) any {
	t.Helper()
	select {
	case ev := <-f.queues[conn]:
		return ev
	default:
		t.Fatalf("no event queued for %s", conn)
		return nil
	}
}

func (f *gatewayFixture) drain(conn string) []any {
	var out []any
	for {
		select {
		case ev := <-f.queues[conn]:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestDispatcherCallScenario(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	a := f.connect(t, "a")
	b := f.connect(t, "b")

	f.d.Handle(ctx, a, protocol.InitiateCall{Type: protocol.TypeInitiateCall, RecipientID: "b", CallType: "video"})
	initiated, ok := f.next(t, a).(protocol.CallInfo)
	if !ok || initiated.Type != protocol.TypeCallInitiated {
		t.Fatalf("caller event = %+v, want call-initiated", initiated)
	}
	incoming, ok := f.next(t, b).(protocol.IncomingCall)
	if !ok || incoming.RoomID != initiated.RoomID || incoming.CallerID != "a" {
		t.Fatalf("recipient event = %+v, want incoming-call in room %s", incoming, initiated.RoomID)
	}

	f.d.Handle(ctx, b, protocol.AcceptCall{Type: protocol.TypeAcceptCall, CallSessionID: incoming.CallSessionID, CallerID: "a"})
	accepted, ok := f.next(t, a).(protocol.CallInfo)
	if !ok || accepted.Type != protocol.TypeCallAccepted || accepted.RoomID != initiated.RoomID {
		t.Fatalf("caller event = %+v, want call-accepted with room", accepted)
	}
	if confirmed, ok := f.next(t, b).(protocol.CallInfo); !ok || confirmed.Type != protocol.TypeCallConfirmed {
		t.Fatalf("recipient event = %+v, want call-confirmed", confirmed)
	}

	sess, err := f.coord.Get(ctx, incoming.CallSessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != calls.StatusActive {
		t.Fatalf("session status = %q, want active", sess.Status)
	}

	f.d.Handle(ctx, a, protocol.EndCall{Type: protocol.TypeEndCall, CallSessionID: incoming.CallSessionID})
	for _, conn := range []string{a, b} {
		ended, ok := f.next(t, conn).(protocol.CallEnded)
		if !ok || ended.Duration < 0 {
			t.Fatalf("event to %s = %+v, want call-ended", conn, ended)
		}
	}
}

func TestDispatcherBusyAndOffline(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	a := f.connect(t, "a")
	b := f.connect(t, "b")
	c := f.connect(t, "c")

	f.d.Handle(ctx, c, protocol.InitiateCall{Type: protocol.TypeInitiateCall, RecipientID: "b"})
	f.drain(c)
	f.drain(b)

	f.d.Handle(ctx, a, protocol.InitiateCall{Type: protocol.TypeInitiateCall, RecipientID: "b"})
	busy, ok := f.next(t, a).(protocol.UserStatus)
	if !ok || busy.Type != protocol.TypeUserBusy || busy.UserID != "b" {
		t.Fatalf("event = %+v, want user-busy for b", busy)
	}

	f.d.Handle(ctx, a, protocol.InitiateCall{Type: protocol.TypeInitiateCall, RecipientID: "nobody"})
	offline, ok := f.next(t, a).(protocol.UserStatus)
	if !ok || offline.Type != protocol.TypeUserOffline || offline.UserID != "nobody" {
		t.Fatalf("event = %+v, want user-offline for nobody", offline)
	}

	history, err := f.coord.History(ctx, "a", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history for a = %+v, want none", history)
	}
}

func TestDispatcherUnregisteredCallerGetsCallError(t *testing.T) {
	f := newGatewayFixture(t)
	anon := f.connect(t, "")
	f.connect(t, "b")

	f.d.Handle(context.Background(), anon, protocol.InitiateCall{Type: protocol.TypeInitiateCall, RecipientID: "b"})
	ev, ok := f.next(t, anon).(protocol.CallError)
	if !ok || ev.Code != "caller_not_registered" || ev.Message != "Caller not registered" {
		t.Fatalf("event = %+v, want caller_not_registered", ev)
	}
}

func TestDispatcherInvalidFrame(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, "")
	f.d.Invalid(conn, errors.New("invalid envelope"))
	ev, ok := f.next(t, conn).(protocol.CallError)
	if !ok || ev.Code != "invalid_client_message" {
		t.Fatalf("event = %+v, want invalid_client_message", ev)
	}
}

func TestDispatcherSignalUsesSenderHandle(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.connect(t, "a")
	b := f.connect(t, "b")

	f.d.Handle(context.Background(), a, protocol.Signal{
		Type:    protocol.TypeOffer,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		To:      b,
		From:    "spoofed",
	})
	sig, ok := f.next(t, b).(protocol.Signal)
	if !ok || sig.From != a {
		t.Fatalf("relayed = %+v, want from %s", sig, a)
	}

	f.d.Handle(context.Background(), a, protocol.Signal{
		Type:    protocol.TypeAnswer,
		Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
		To:      "gone",
	})
	ev, ok := f.next(t, a).(protocol.CallError)
	if !ok || ev.Code != "target_unavailable" {
		t.Fatalf("event = %+v, want target_unavailable", ev)
	}
}

func TestDispatcherDisconnectDuringCallAndRooms(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	a := f.connect(t, "a")
	b := f.connect(t, "b")

	f.d.Handle(ctx, a, protocol.InitiateCall{Type: protocol.TypeInitiateCall, RecipientID: "b"})
	incoming := f.drain(b)[0].(protocol.IncomingCall)
	f.drain(a)

	f.d.Handle(ctx, a, protocol.JoinRoom{Type: protocol.TypeJoinRoom, RoomID: incoming.RoomID})
	f.d.Handle(ctx, b, protocol.JoinRoom{Type: protocol.TypeJoinRoom, RoomID: incoming.RoomID})
	f.drain(a)
	f.drain(b)

	f.d.Disconnect(ctx, a)
	f.hub.Detach(a)

	events := f.drain(b)
	var left, dropped int
	for _, ev := range events {
		switch e := ev.(type) {
		case protocol.UserLeft:
			if e.UserID == "a" && e.ConnectionID == a {
				left++
			}
		case protocol.UserDisconnectedDuringCall:
			if e.UserID == "a" && e.CallSessionID == incoming.CallSessionID {
				dropped++
			}
		}
	}
	if left != 1 || dropped != 1 {
		t.Fatalf("events to b = %+v, want one user-left and one user-disconnected-during-call", events)
	}
	if _, ok := f.registry.Lookup("a"); ok {
		t.Fatalf("a still present after disconnect")
	}
	if got := len(f.coord.ActiveCalls()); got != 0 {
		t.Fatalf("ActiveCalls() = %d entries, want 0", got)
	}
}

func TestDispatcherOnlineUsers(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.connect(t, "a")
	f.connect(t, "b")

	f.d.Handle(context.Background(), a, protocol.GetOnlineUsers{Type: protocol.TypeGetOnlineUsers})
	ev, ok := f.next(t, a).(protocol.OnlineUsers)
	if !ok || len(ev.Users) != 2 || ev.Users[0].UserID != "a" || ev.Users[1].UserID != "b" {
		t.Fatalf("event = %+v, want users a and b", ev)
	}
}

func TestDispatcherInvalidFrameRedactsDetail(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, "")
	f.d.Invalid(conn, errors.New("invalid register-user: bad value ada@example.com"))
	raw := f.next(t, conn)
	ev, ok := raw.(protocol.CallError)
	if !ok {
		t.Fatalf("event type = %T, want CallError", raw)
	}
	if strings.Contains(ev.Message, "ada@example.com") || !strings.Contains(ev.Message, "[REDACTED_EMAIL]") {
		t.Fatalf("Message = %q, want redacted email", ev.Message)
	}
}
