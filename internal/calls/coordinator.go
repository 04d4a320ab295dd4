package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antoniostano/telecare/internal/keylock"
	"github.com/antoniostano/telecare/internal/observability"
	"github.com/antoniostano/telecare/internal/presence"
	"github.com/antoniostano/telecare/internal/protocol"
	"github.com/antoniostano/telecare/internal/reliability"
	"github.com/google/uuid"
)

// Directory resolves users to their live connections.
type Directory interface {
	Lookup(userID string) (presence.Entry, bool)
	LookupByConnection(connectionID string) (string, bool)
}

// Notifier delivers an outbound event to one connection. It reports false
// when the event could not be queued.
type Notifier interface {
	Send(connectionID string, event any) bool
}

type Options struct {
	Store     Store
	Directory Directory
	Tracker   *Tracker
	Locker    keylock.Locker
	Notifier  Notifier
	Logger    *slog.Logger
	Metrics   *observability.Metrics

	// SaveAttempts bounds best-effort saves of reject, cancel and end.
	SaveAttempts int
	RetryBase    time.Duration
	RetryCap     time.Duration

	Now   func() time.Time
	NewID func() string
}

// Coordinator drives the call session lifecycle.
type Coordinator struct {
	store     Store
	directory Directory
	tracker   *Tracker
	locker    keylock.Locker
	out       Notifier
	log       *slog.Logger
	metrics   *observability.Metrics

	saveAttempts int
	retryBase    time.Duration
	retryCap     time.Duration

	now   func() time.Time
	newID func() string
}

func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		store:        opts.Store,
		directory:    opts.Directory,
		tracker:      opts.Tracker,
		locker:       opts.Locker,
		out:          opts.Notifier,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		saveAttempts: opts.SaveAttempts,
		retryBase:    opts.RetryBase,
		retryCap:     opts.RetryCap,
		now:          opts.Now,
		newID:        opts.NewID,
	}
	if c.tracker == nil {
		c.tracker = NewTracker()
	}
	if c.locker == nil {
		c.locker = keylock.NewLocal()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.saveAttempts <= 0 {
		c.saveAttempts = 3
	}
	if c.retryBase <= 0 {
		c.retryBase = 50 * time.Millisecond
	}
	if c.retryCap <= 0 {
		c.retryCap = time.Second
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

func (c *Coordinator) Tracker() *Tracker { return c.tracker }

// Initiate starts a call from the user bound to callerConn to recipientID.
func (c *Coordinator) Initiate(ctx context.Context, callerConn, recipientID, callType string) (Session, error) {
	callerID, ok := c.directory.LookupByConnection(callerConn)
	if !ok {
		return Session{}, ErrCallerNotRegistered
	}
	kind, ok := ParseCallType(callType)
	if !ok {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidCallType, callType)
	}
	if recipientID == callerID {
		return Session{}, ErrSelfCall
	}
	recipient, ok := c.directory.Lookup(recipientID)
	if !ok {
		return Session{}, ErrRecipientOffline
	}

	unlock, err := c.locker.Lock(ctx, "recipient:"+recipientID)
	if err != nil {
		return Session{}, fmt.Errorf("lock recipient %s: %w", recipientID, err)
	}
	defer unlock()

	release, err := c.tracker.Reserve(callerID, recipientID)
	if err != nil {
		return Session{}, err
	}
	defer release()

	now := c.now()
	sess := Session{
		ID:          c.newID(),
		CallerID:    callerID,
		RecipientID: recipientID,
		RoomID:      uuid.NewString(),
		CallType:    kind,
		Status:      StatusPending,
		InitiatedAt: now,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	started := time.Now()
	if err := c.store.Create(ctx, sess); err != nil {
		c.metrics.PersistenceError("create")
		c.logger(ctx).Error("create call session failed",
			"call_session_id", sess.ID,
			"caller_id", callerID,
			"recipient_id", recipientID,
			"err", err,
		)
		return Session{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	c.metrics.ObserveStage(observability.StageSessionCreate, time.Since(started))
	c.tracker.Bind(sess)

	// The recipient may have disconnected while the session was written; its
	// disconnect found nothing to clean up yet.
	recipient, ok = c.directory.Lookup(recipientID)
	if !ok {
		c.tracker.ReleaseSession(sess.ID, callerID, recipientID)
		c.refreshGauges()
		now := c.now()
		sess.Status = StatusMissed
		sess.EndedAt = &now
		c.saveBestEffort(ctx, "initiate", sess)
		c.logger(ctx).Info("recipient left during initiate",
			"call_session_id", sess.ID,
			"recipient_id", recipientID,
		)
		return Session{}, ErrRecipientOffline
	}
	c.refreshGauges()

	callerName := ""
	if caller, ok := c.directory.Lookup(callerID); ok {
		callerName = caller.DisplayName
	}
	c.out.Send(recipient.ConnectionID, protocol.IncomingCall{
		Type:          protocol.TypeIncomingCall,
		CallSessionID: sess.ID,
		CallerID:      callerID,
		CallerName:    callerName,
		RoomID:        sess.RoomID,
		CallType:      string(kind),
	})
	c.out.Send(callerConn, protocol.CallInfo{
		Type:          protocol.TypeCallInitiated,
		CallSessionID: sess.ID,
		RoomID:        sess.RoomID,
		CallType:      string(kind),
	})
	c.metrics.CallEvent("initiated")
	c.logger(ctx).Info("call initiated",
		"call_session_id", sess.ID,
		"caller_id", callerID,
		"recipient_id", recipientID,
		"call_type", string(kind),
	)
	return sess, nil
}

// Accept moves a pending session to active. callerID is informational; the
// stored caller is authoritative.
func (c *Coordinator) Accept(ctx context.Context, recipientConn, sessionID, callerID string) (Session, error) {
	unlock, err := c.lockSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if actor, ok := c.directory.LookupByConnection(recipientConn); ok && actor != sess.RecipientID {
		return Session{}, ErrNotParticipant
	}
	if !sess.Status.CanTransition(StatusActive) {
		return Session{}, fmt.Errorf("%w: accept %s session", ErrInvalidTransition, sess.Status)
	}
	if callerID != "" && callerID != sess.CallerID {
		c.logger(ctx).Warn("accept caller mismatch",
			"call_session_id", sessionID,
			"caller_id", sess.CallerID,
			"claimed_caller_id", callerID,
		)
	}

	now := c.now()
	sess.Status = StatusActive
	sess.AnsweredAt = &now
	saved, err := c.save(ctx, sess)
	if err != nil {
		c.metrics.PersistenceError("accept")
		c.logger(ctx).Error("accept call save failed", "call_session_id", sessionID, "err", err)
		if errors.Is(err, ErrVersionConflict) {
			return Session{}, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		return Session{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	c.metrics.ObserveStage(observability.StageRingToAnswer, now.Sub(sess.InitiatedAt))

	info := protocol.CallInfo{
		CallSessionID: saved.ID,
		RoomID:        saved.RoomID,
		CallType:      string(saved.CallType),
	}
	if caller, ok := c.directory.Lookup(saved.CallerID); ok {
		info.Type = protocol.TypeCallAccepted
		c.out.Send(caller.ConnectionID, info)
	}
	info.Type = protocol.TypeCallConfirmed
	c.out.Send(recipientConn, info)

	c.metrics.CallEvent("accepted")
	c.logger(ctx).Info("call accepted", "call_session_id", saved.ID, "recipient_id", saved.RecipientID)
	return saved, nil
}

// Reject declines a pending call. A missing session still notifies callerID
// and frees the tracked parties.
func (c *Coordinator) Reject(ctx context.Context, recipientConn, sessionID, callerID string) error {
	actor, _ := c.directory.LookupByConnection(recipientConn)
	return c.decline(ctx, declineRequest{
		op:            "reject",
		sessionID:     sessionID,
		actorID:       actor,
		claimedOther:  callerID,
		status:        StatusRejected,
		event:         protocol.TypeCallRejected,
		message:       "Call was declined",
		actorIsCaller: false,
	})
}

// Cancel withdraws a pending call before it is answered.
func (c *Coordinator) Cancel(ctx context.Context, callerConn, sessionID, recipientID string) error {
	actor, _ := c.directory.LookupByConnection(callerConn)
	return c.decline(ctx, declineRequest{
		op:            "cancel",
		sessionID:     sessionID,
		actorID:       actor,
		claimedOther:  recipientID,
		status:        StatusCancelled,
		event:         protocol.TypeCallCancelled,
		message:       "Call was cancelled",
		actorIsCaller: true,
	})
}

type declineRequest struct {
	op            string
	sessionID     string
	actorID       string
	claimedOther  string
	status        Status
	event         protocol.MessageType
	message       string
	actorIsCaller bool
}

func (c *Coordinator) decline(ctx context.Context, req declineRequest) error {
	unlock, err := c.lockSession(ctx, req.sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	notice := protocol.CallNotice{Type: req.event, CallSessionID: req.sessionID, Message: req.message}

	sess, err := c.load(ctx, req.sessionID)
	if err != nil {
		c.logger(ctx).Warn(req.op+" without stored session",
			"call_session_id", req.sessionID,
			"user_id", req.actorID,
			"err", err,
		)
		c.notifyUser(req.claimedOther, notice)
		c.release(req.sessionID, req.actorID, req.claimedOther)
		return nil
	}
	if req.actorID != "" && !sess.Involves(req.actorID) {
		return ErrNotParticipant
	}
	if !sess.Status.CanTransition(req.status) {
		// Only a finished session may have stale tracking left behind.
		if sess.Status.Terminal() {
			c.release(sess.ID, sess.CallerID, sess.RecipientID)
		}
		return fmt.Errorf("%w: %s %s session", ErrInvalidTransition, req.op, sess.Status)
	}

	now := c.now()
	sess.Status = req.status
	sess.EndedAt = &now
	c.saveBestEffort(ctx, req.op, sess)

	other := sess.CallerID
	if req.actorIsCaller {
		other = sess.RecipientID
	}
	c.notifyUser(other, notice)
	c.release(sess.ID, sess.CallerID, sess.RecipientID)

	c.metrics.CallEvent(string(req.status))
	c.logger(ctx).Info("call "+string(req.status), "call_session_id", sess.ID, "user_id", req.actorID)
	return nil
}

// End completes a call. A never-answered call completes with zero duration.
func (c *Coordinator) End(ctx context.Context, conn, sessionID string) (Session, error) {
	actor, _ := c.directory.LookupByConnection(conn)

	unlock, err := c.lockSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		c.release(sessionID, actor)
		return Session{}, err
	}
	if actor != "" && !sess.Involves(actor) {
		return Session{}, ErrNotParticipant
	}
	if !sess.Status.CanTransition(StatusCompleted) {
		if sess.Status.Terminal() {
			c.release(sess.ID, sess.CallerID, sess.RecipientID)
		}
		return Session{}, fmt.Errorf("%w: end %s session", ErrInvalidTransition, sess.Status)
	}

	now := c.now()
	sess.Status = StatusCompleted
	sess.EndedAt = &now
	sess.DurationSeconds = durationSince(sess.AnsweredAt, now)
	if saved, ok := c.saveBestEffort(ctx, "end", sess); ok {
		sess = saved
	}

	ended := protocol.CallEnded{
		Type:          protocol.TypeCallEnded,
		CallSessionID: sess.ID,
		Duration:      sess.DurationSeconds,
	}
	c.notifyUser(sess.CallerID, ended)
	c.notifyUser(sess.RecipientID, ended)
	c.release(sess.ID, sess.CallerID, sess.RecipientID)

	c.metrics.CallEvent("completed")
	c.metrics.ObserveCallDuration(sess.DurationSeconds)
	c.logger(ctx).Info("call ended",
		"call_session_id", sess.ID,
		"user_id", actor,
		"duration_seconds", sess.DurationSeconds,
	)
	return sess, nil
}

// MarkMissed flags a pending call as missed. It is only reached through the
// administrative API.
func (c *Coordinator) MarkMissed(ctx context.Context, sessionID string) (Session, error) {
	unlock, err := c.lockSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !sess.Status.CanTransition(StatusMissed) {
		return Session{}, fmt.Errorf("%w: mark %s session missed", ErrInvalidTransition, sess.Status)
	}

	now := c.now()
	sess.Status = StatusMissed
	sess.EndedAt = &now
	saved, err := c.save(ctx, sess)
	if err != nil {
		c.metrics.PersistenceError("missed")
		if errors.Is(err, ErrVersionConflict) {
			return Session{}, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		return Session{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	notice := protocol.CallNotice{
		Type:          protocol.TypeCallMissed,
		CallSessionID: saved.ID,
		Message:       "Call marked as missed",
	}
	c.notifyUser(saved.CallerID, notice)
	c.notifyUser(saved.RecipientID, notice)
	c.release(saved.ID, saved.CallerID, saved.RecipientID)

	c.metrics.CallEvent("missed")
	c.logger(ctx).Info("call marked missed", "call_session_id", saved.ID)
	return saved, nil
}

// DisconnectDuringCall tells the counterparty that the user behind conn
// dropped and frees both parties. The stored session is left untouched. It
// must run before the connection is removed from the directory.
func (c *Coordinator) DisconnectDuringCall(ctx context.Context, conn string) bool {
	userID, ok := c.directory.LookupByConnection(conn)
	if !ok {
		return false
	}
	entry, ok := c.tracker.Get(userID)
	if !ok {
		return false
	}

	c.notifyUser(entry.CounterpartyID, protocol.UserDisconnectedDuringCall{
		Type:          protocol.TypeUserDisconnectedDuringCall,
		CallSessionID: entry.CallSessionID,
		UserID:        userID,
	})
	c.release(entry.CallSessionID, userID, entry.CounterpartyID)
	c.metrics.CallEvent("disconnected")
	c.logger(ctx).Info("user disconnected during call",
		"call_session_id", entry.CallSessionID,
		"user_id", userID,
		"counterparty_id", entry.CounterpartyID,
	)
	return true
}

func (c *Coordinator) ActiveCalls() []TrackingEntry {
	return c.tracker.Snapshot()
}

func (c *Coordinator) Get(ctx context.Context, sessionID string) (Session, error) {
	return c.load(ctx, sessionID)
}

func (c *Coordinator) History(ctx context.Context, userID string, limit int) ([]Session, error) {
	out, err := c.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return out, nil
}

func (c *Coordinator) Missed(ctx context.Context, userID string, limit int) ([]Session, error) {
	out, err := c.store.ListMissed(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return out, nil
}

func (c *Coordinator) Statistics(ctx context.Context, userID string) (Statistics, error) {
	st, err := c.store.Statistics(ctx, userID)
	if err != nil {
		return Statistics{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return st, nil
}

func (c *Coordinator) logger(ctx context.Context) *slog.Logger {
	return observability.LoggerFrom(ctx, c.log)
}

func (c *Coordinator) lockSession(ctx context.Context, sessionID string) (func(), error) {
	unlock, err := c.locker.Lock(ctx, "session:"+sessionID)
	if err != nil {
		return nil, fmt.Errorf("lock call session %s: %w", sessionID, err)
	}
	return unlock, nil
}

func (c *Coordinator) load(ctx context.Context, sessionID string) (Session, error) {
	sess, err := c.store.FindByID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		c.metrics.PersistenceError("load")
		return Session{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return sess, nil
}

func (c *Coordinator) save(ctx context.Context, sess Session) (Session, error) {
	started := time.Now()
	var saved Session
	err := reliability.Retry(ctx, c.saveAttempts, c.retryBase, c.retryCap, reliability.IsRetryableStoreError,
		func(ctx context.Context) error {
			var err error
			saved, err = c.store.Save(ctx, sess)
			return err
		},
	)
	if err != nil {
		return Session{}, err
	}
	c.metrics.ObserveStage(observability.StageSessionSave, time.Since(started))
	return saved, nil
}

// saveBestEffort persists sess but never blocks the social action: failures
// are logged and counted.
func (c *Coordinator) saveBestEffort(ctx context.Context, op string, sess Session) (Session, bool) {
	saved, err := c.save(ctx, sess)
	if err != nil {
		c.metrics.PersistenceError(op)
		c.logger(ctx).Error("call session save failed",
			"op", op,
			"call_session_id", sess.ID,
			"status", string(sess.Status),
			"err", err,
		)
		return sess, false
	}
	return saved, true
}

func (c *Coordinator) notifyUser(userID string, event any) {
	if userID == "" {
		return
	}
	if entry, ok := c.directory.Lookup(userID); ok {
		c.out.Send(entry.ConnectionID, event)
	}
}

func (c *Coordinator) release(sessionID string, userIDs ...string) {
	if c.tracker.ReleaseSession(sessionID, userIDs...) > 0 {
		c.refreshGauges()
	}
}

func (c *Coordinator) refreshGauges() {
	c.metrics.SetActiveCalls(c.tracker.ActiveSessions())
}
