package calls

import (
	"sort"
	"sync"
)

// Tracker records which users are engaged in an unfinished call. A user has
// at most one entry.
type Tracker struct {
	mu       sync.RWMutex
	byUser   map[string]TrackingEntry
	reserved map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		byUser:   make(map[string]TrackingEntry),
		reserved: make(map[string]struct{}),
	}
}

func (t *Tracker) Get(userID string) (TrackingEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byUser[userID]
	return e, ok
}

// Busy reports whether userID is tracked or has a pending reservation.
func (t *Tracker) Busy(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.busyLocked(userID)
}

func (t *Tracker) busyLocked(userID string) bool {
	if _, ok := t.byUser[userID]; ok {
		return true
	}
	_, ok := t.reserved[userID]
	return ok
}

// Reserve claims both parties for a call about to be created. The recipient
// is checked first. The returned release drops the claim and must be called
// once the session is bound or abandoned.
func (t *Tracker) Reserve(callerID, recipientID string) (release func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busyLocked(recipientID) {
		return nil, ErrRecipientBusy
	}
	if t.busyLocked(callerID) {
		return nil, ErrCallerBusy
	}
	t.reserved[callerID] = struct{}{}
	t.reserved[recipientID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.reserved, callerID)
			delete(t.reserved, recipientID)
			t.mu.Unlock()
		})
	}, nil
}

// Bind stores the entries for both parties of sess.
func (t *Tracker) Bind(sess Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byUser[sess.CallerID] = TrackingEntry{
		UserID:         sess.CallerID,
		CallSessionID:  sess.ID,
		CounterpartyID: sess.RecipientID,
		Direction:      DirectionOutgoing,
	}
	t.byUser[sess.RecipientID] = TrackingEntry{
		UserID:         sess.RecipientID,
		CallSessionID:  sess.ID,
		CounterpartyID: sess.CallerID,
		Direction:      DirectionIncoming,
	}
}

// ReleaseSession removes the entries of userIDs that point at sessionID.
// Entries bound to another session are left alone.
func (t *Tracker) ReleaseSession(sessionID string, userIDs ...string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	released := 0
	for _, userID := range userIDs {
		e, ok := t.byUser[userID]
		if !ok || e.CallSessionID != sessionID {
			continue
		}
		delete(t.byUser, userID)
		released++
	}
	return released
}

// Snapshot lists entries ordered by user id.
func (t *Tracker) Snapshot() []TrackingEntry {
	t.mu.RLock()
	out := make([]TrackingEntry, 0, len(t.byUser))
	for _, e := range t.byUser {
		out = append(out, e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ActiveSessions counts distinct tracked sessions.
func (t *Tracker) ActiveSessions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(t.byUser))
	for _, e := range t.byUser {
		seen[e.CallSessionID] = struct{}{}
	}
	return len(seen)
}
