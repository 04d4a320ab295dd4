package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/telecare/internal/presence"
	"github.com/antoniostano/telecare/internal/protocol"
)

type sentEvent struct {
	conn  string
	event any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (n *recordingNotifier) Send(conn string, event any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEvent{conn: conn, event: event})
	return true
}

func (n *recordingNotifier) to(conn string) []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []any
	for _, s := range n.sent {
		if s.conn == conn {
			out = append(out, s.event)
		}
	}
	return out
}

func (n *recordingNotifier) count(conn string, typ protocol.MessageType) int {
	total := 0
	for _, ev := range n.to(conn) {
		if got, ok := protocol.TypeOf(ev); ok && got == typ {
			total++
		}
	}
	return total
}

type failingSaveStore struct {
	Store
	saveErr error
}

func (s *failingSaveStore) Save(context.Context, Session) (Session, error) {
	return Session{}, s.saveErr
}

type callFixture struct {
	coord    *Coordinator
	store    Store
	registry *presence.Registry
	out      *recordingNotifier
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCallFixture(t *testing.T, store Store) *callFixture {
	t.Helper()
	if store == nil {
		store = NewInMemoryStore()
	}
	f := &callFixture{
		store:    store,
		registry: presence.NewRegistry(),
		out:      &recordingNotifier{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.coord = NewCoordinator(Options{
		Store:        store,
		Directory:    f.registry,
		Notifier:     f.out,
		SaveAttempts: 2,
		RetryBase:    time.Millisecond,
		RetryCap:     time.Millisecond,
		Now:          f.clock.Now,
	})
	f.registry.Register("doc", "Dr. Ada", "doctor", "conn-doc")
	f.registry.Register("pat", "Bob", "patient", "conn-pat")
	return f
}

func TestCoordinatorCallLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)

	sess, err := f.coord.Initiate(ctx, "conn-doc", "pat", "video")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if sess.Status != StatusPending || sess.RoomID == "" {
		t.Fatalf("Initiate() session = %+v, want pending with room", sess)
	}

	incoming := f.out.to("conn-pat")
	if len(incoming) != 1 {
		t.Fatalf("events to recipient = %d, want 1", len(incoming))
	}
	call, ok := incoming[0].(protocol.IncomingCall)
	if !ok || call.CallSessionID != sess.ID || call.RoomID != sess.RoomID || call.CallerName != "Dr. Ada" {
		t.Fatalf("incoming-call = %+v, want session %s", incoming[0], sess.ID)
	}
	if got := f.out.count("conn-doc", protocol.TypeCallInitiated); got != 1 {
		t.Fatalf("call-initiated count = %d, want 1", got)
	}

	f.clock.Advance(3 * time.Second)
	accepted, err := f.coord.Accept(ctx, "conn-pat", sess.ID, "doc")
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if accepted.Status != StatusActive || accepted.AnsweredAt == nil {
		t.Fatalf("Accept() session = %+v, want active", accepted)
	}
	if got := f.out.count("conn-doc", protocol.TypeCallAccepted); got != 1 {
		t.Fatalf("call-accepted count = %d, want 1", got)
	}
	if got := f.out.count("conn-pat", protocol.TypeCallConfirmed); got != 1 {
		t.Fatalf("call-confirmed count = %d, want 1", got)
	}

	f.clock.Advance(90*time.Second + 700*time.Millisecond)
	ended, err := f.coord.End(ctx, "conn-doc", sess.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusCompleted || ended.DurationSeconds != 90 {
		t.Fatalf("End() session = %+v, want completed with 90s", ended)
	}
	for _, conn := range []string{"conn-doc", "conn-pat"} {
		if got := f.out.count(conn, protocol.TypeCallEnded); got != 1 {
			t.Fatalf("call-ended to %s = %d, want 1", conn, got)
		}
	}
	if got := len(f.coord.ActiveCalls()); got != 0 {
		t.Fatalf("ActiveCalls() = %d entries, want 0", got)
	}

	stored, err := f.store.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if stored.Status != StatusCompleted || stored.Version != 3 {
		t.Fatalf("stored = %+v, want completed at version 3", stored)
	}
}

func TestCoordinatorInitiateErrors(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)

	if _, err := f.coord.Initiate(ctx, "conn-unknown", "pat", ""); !errors.Is(err, ErrCallerNotRegistered) {
		t.Fatalf("unregistered caller error = %v, want ErrCallerNotRegistered", err)
	}
	if _, err := f.coord.Initiate(ctx, "conn-doc", "ghost", ""); !errors.Is(err, ErrRecipientOffline) {
		t.Fatalf("offline recipient error = %v, want ErrRecipientOffline", err)
	}
	if _, err := f.coord.Initiate(ctx, "conn-doc", "doc", ""); !errors.Is(err, ErrSelfCall) {
		t.Fatalf("self call error = %v, want ErrSelfCall", err)
	}
	if _, err := f.coord.Initiate(ctx, "conn-doc", "pat", "hologram"); !errors.Is(err, ErrInvalidCallType) {
		t.Fatalf("call type error = %v, want ErrInvalidCallType", err)
	}
}

func TestCoordinatorInitiateBusyRecipientPersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)
	f.registry.Register("nurse", "Cy", "doctor", "conn-nurse")

	first, err := f.coord.Initiate(ctx, "conn-nurse", "pat", "voice")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := f.coord.Initiate(ctx, "conn-doc", "pat", "video"); !errors.Is(err, ErrRecipientBusy) {
		t.Fatalf("busy recipient error = %v, want ErrRecipientBusy", err)
	}

	history, err := f.store.ListByUser(ctx, "doc", 10)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("doc history = %+v, want none", history)
	}
	if e, ok := f.coord.Tracker().Get("pat"); !ok || e.CallSessionID != first.ID {
		t.Fatalf("tracking for pat = %+v, %v; want session %s", e, ok, first.ID)
	}
}

func TestCoordinatorConcurrentInitiateCreatesOneSession(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)
	const callers = 8
	for i := 0; i < callers; i++ {
		id := string(rune('a' + i))
		f.registry.Register("caller-"+id, id, "doctor", "conn-"+id)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		busy    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(conn string) {
			defer wg.Done()
			_, err := f.coord.Initiate(ctx, conn, "pat", "video")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrRecipientBusy):
				busy++
			default:
				t.Errorf("Initiate(%s) error = %v", conn, err)
			}
		}("conn-" + string(rune('a'+i)))
	}
	wg.Wait()

	if created != 1 || busy != callers-1 {
		t.Fatalf("created = %d, busy = %d; want 1 and %d", created, busy, callers-1)
	}
	if got := f.out.count("conn-pat", protocol.TypeIncomingCall); got != 1 {
		t.Fatalf("incoming-call count = %d, want 1", got)
	}
}

func TestCoordinatorSecondAcceptFails(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)
	sess, err := f.coord.Initiate(ctx, "conn-doc", "pat", "")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := f.coord.Accept(ctx, "conn-pat", sess.ID, "doc"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if _, err := f.coord.Accept(ctx, "conn-pat", sess.ID, "doc"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Accept() error = %v, want ErrInvalidTransition", err)
	}
	if got := f.out.count("conn-doc", protocol.TypeCallAccepted); got != 1 {
		t.Fatalf("call-accepted count = %d, want 1", got)
	}
	if _, err := f.coord.Accept(ctx, "conn-pat", "missing", "doc"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Accept(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestCoordinatorRejectNotifiesCallerAndReleases(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)
	sess, err := f.coord.Initiate(ctx, "conn-doc", "pat", "")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if err := f.coord.Reject(ctx, "conn-pat", sess.ID, "doc"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if got := f.out.count("conn-doc", protocol.TypeCallRejected); got != 1 {
		t.Fatalf("call-rejected count = %d, want 1", got)
	}
	if got := len(f.coord.ActiveCalls()); got != 0 {
		t.Fatalf("ActiveCalls() = %d entries, want 0", got)
	}
	stored, err := f.store.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if stored.Status != StatusRejected || stored.EndedAt == nil {
		t.Fatalf("stored = %+v, want rejected", stored)
	}
	if _, err := f.coord.Accept(ctx, "conn-pat", sess.ID, "doc"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Accept() after reject error = %v, want ErrInvalidTransition", err)
	}
}

func TestCoordinatorRejectSaveFailureStillNotifies(t *testing.T) {
	ctx := context.Background()
	store := &failingSaveStore{Store: NewInMemoryStore(), saveErr: errors.New("disk full")}
	f := newCallFixture(t, store)
	sess, err := f.coord.Initiate(ctx, "conn-doc", "pat", "")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if err := f.coord.Reject(ctx, "conn-pat", sess.ID, "doc"); err != nil {
		t.Fatalf("Reject() error = %v, want nil for best-effort save", err)
	}
	if got := f.out.count("conn-doc", protocol.TypeCallRejected); got != 1 {
		t.Fatalf("call-rejected count = %d, want 1", got)
	}
	if f.coord.Tracker().Busy("pat") {
		t.Fatalf("pat still tracked after reject")
	}
}

func TestCoordinatorCancelUnknownSessionStillNotifies(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)

	if err := f.coord.Cancel(ctx, "conn-doc", "missing", "pat"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := f.out.count("conn-pat", protocol.TypeCallCancelled); got != 1 {
		t.Fatalf("call-cancelled count = %d, want 1", got)
	}
}

func TestCoordinatorEndPendingHasZeroDuration(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)
	sess, err := f.coord.Initiate(ctx, "conn-doc", "pat", "")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	f.clock.Advance(time.Minute)

	ended, err := f.coord.End(ctx, "conn-pat", sess.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusCompleted || ended.DurationSeconds != 0 {
		t.Fatalf("End() = %+v, want completed with 0s", ended)
	}
	if _, err := f.coord.End(ctx, "conn-pat", sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second End() error = %v, want ErrInvalidTransition", err)
	}
}

func TestCoordinatorMarkMissed(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)
	pending, err := f.coord.Initiate(ctx, "conn-doc", "pat", "")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	missed, err := f.coord.MarkMissed(ctx, pending.ID)
	if err != nil {
		t.Fatalf("MarkMissed() error = %v", err)
	}
	if missed.Status != StatusMissed || missed.EndedAt == nil {
		t.Fatalf("MarkMissed() = %+v, want missed", missed)
	}
	if got := f.out.count("conn-pat", protocol.TypeCallMissed); got != 1 {
		t.Fatalf("call-missed count = %d, want 1", got)
	}
	if f.coord.Tracker().Busy("doc") {
		t.Fatalf("doc still tracked after missed")
	}

	active, err := f.coord.Initiate(ctx, "conn-doc", "pat", "")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := f.coord.Accept(ctx, "conn-pat", active.ID, "doc"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if _, err := f.coord.MarkMissed(ctx, active.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkMissed(active) error = %v, want ErrInvalidTransition", err)
	}
}

func TestCoordinatorDisconnectDuringCall(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)
	sess, err := f.coord.Initiate(ctx, "conn-doc", "pat", "")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if !f.coord.DisconnectDuringCall(ctx, "conn-pat") {
		t.Fatalf("DisconnectDuringCall() = false, want true")
	}
	events := f.out.to("conn-doc")
	var notices []protocol.UserDisconnectedDuringCall
	for _, ev := range events {
		if n, ok := ev.(protocol.UserDisconnectedDuringCall); ok {
			notices = append(notices, n)
		}
	}
	if len(notices) != 1 || notices[0].CallSessionID != sess.ID || notices[0].UserID != "pat" {
		t.Fatalf("disconnect notices = %+v, want one for %s", notices, sess.ID)
	}
	if got := len(f.coord.ActiveCalls()); got != 0 {
		t.Fatalf("ActiveCalls() = %d entries, want 0", got)
	}

	stored, err := f.store.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("stored.Status = %q, want pending", stored.Status)
	}

	if f.coord.DisconnectDuringCall(ctx, "conn-doc") {
		t.Fatalf("second DisconnectDuringCall() = true, want false")
	}
}

func TestCoordinatorLateDeclineKeepsActiveCallTracked(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)
	f.registry.Register("nurse", "Eve", "doctor", "conn-nurse")

	sess, err := f.coord.Initiate(ctx, "conn-doc", "pat", "video")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := f.coord.Accept(ctx, "conn-pat", sess.ID, "doc"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := f.coord.Reject(ctx, "conn-pat", sess.ID, "doc"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Reject(active) error = %v, want ErrInvalidTransition", err)
	}
	if err := f.coord.Cancel(ctx, "conn-doc", sess.ID, "pat"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Cancel(active) error = %v, want ErrInvalidTransition", err)
	}

	for _, user := range []string{"doc", "pat"} {
		e, ok := f.coord.Tracker().Get(user)
		if !ok || e.CallSessionID != sess.ID {
			t.Fatalf("Tracker().Get(%s) = %+v, %v; want entry for %s", user, e, ok, sess.ID)
		}
	}
	stored, err := f.store.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if stored.Status != StatusActive {
		t.Fatalf("stored status = %q, want active", stored.Status)
	}
	if _, err := f.coord.Initiate(ctx, "conn-nurse", "pat", "voice"); !errors.Is(err, ErrRecipientBusy) {
		t.Fatalf("Initiate() to in-call recipient error = %v, want ErrRecipientBusy", err)
	}
	if n := f.out.count("conn-doc", protocol.TypeCallRejected); n != 0 {
		t.Fatalf("call-rejected sent to caller %d times, want 0", n)
	}
}

func TestCoordinatorEndFinishedSessionClearsStaleTracking(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture(t, nil)

	sess, err := f.coord.Initiate(ctx, "conn-doc", "pat", "video")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if err := f.coord.Reject(ctx, "conn-pat", sess.ID, "doc"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	f.coord.Tracker().Bind(sess)

	if _, err := f.coord.End(ctx, "conn-doc", sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("End(rejected) error = %v, want ErrInvalidTransition", err)
	}
	if f.coord.Tracker().Busy("doc") || f.coord.Tracker().Busy("pat") {
		t.Fatalf("tracking kept for a rejected session: %+v", f.coord.Tracker().Snapshot())
	}
}

// vanishingDirectory reports user as offline from the second lookup on,
// as if the user disconnected while the session was being created.
type vanishingDirectory struct {
	*presence.Registry
	user string

	mu      sync.Mutex
	lookups int
}

func (d *vanishingDirectory) Lookup(userID string) (presence.Entry, bool) {
	if userID == d.user {
		d.mu.Lock()
		d.lookups++
		n := d.lookups
		d.mu.Unlock()
		if n > 1 {
			return presence.Entry{}, false
		}
	}
	return d.Registry.Lookup(userID)
}

func TestCoordinatorInitiateRecipientLeavesDuringCreate(t *testing.T) {
	ctx := context.Background()
	registry := presence.NewRegistry()
	registry.Register("doc", "Dr. Ada", "doctor", "conn-doc")
	registry.Register("pat", "Bob", "patient", "conn-pat")
	store := NewInMemoryStore()
	out := &recordingNotifier{}
	coord := NewCoordinator(Options{
		Store:     store,
		Directory: &vanishingDirectory{Registry: registry, user: "pat"},
		Notifier:  out,
	})

	if _, err := coord.Initiate(ctx, "conn-doc", "pat", "video"); !errors.Is(err, ErrRecipientOffline) {
		t.Fatalf("Initiate() error = %v, want ErrRecipientOffline", err)
	}
	if coord.Tracker().Busy("doc") || coord.Tracker().Busy("pat") {
		t.Fatalf("tracking left behind: %+v", coord.Tracker().Snapshot())
	}
	if n := out.count("conn-pat", protocol.TypeIncomingCall); n != 0 {
		t.Fatalf("incoming-call sent %d times, want 0", n)
	}
	missed, err := store.ListMissed(ctx, "pat", 10)
	if err != nil {
		t.Fatalf("ListMissed() error = %v", err)
	}
	if len(missed) != 1 || missed[0].Status != StatusMissed {
		t.Fatalf("ListMissed() = %+v, want one missed session", missed)
	}
}
