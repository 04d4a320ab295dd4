package presence

import (
	"sort"
	"sync"
	"time"
)

// Entry is the live presence of one user identity.
type Entry struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	DisplayName  string    `json:"userName"`
	UserType     string    `json:"userType"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry maps user identities to their current connection. A user has at
// most one entry and a connection resolves to at most one user.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Entry
	byConn map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]Entry),
		byConn: make(map[string]string),
	}
}

// Register upserts the entry for userID. A previous connection of the same
// user is superseded without notice.
func (r *Registry) Register(userID, displayName, userType, connectionID string) Entry {
	e := Entry{
		UserID:       userID,
		ConnectionID: connectionID,
		DisplayName:  displayName,
		UserType:     userType,
		RegisteredAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byUser[userID]; ok && prev.ConnectionID != connectionID {
		delete(r.byConn, prev.ConnectionID)
	}
	// The same connection re-registering under another identity drops the old one.
	if prevUser, ok := r.byConn[connectionID]; ok && prevUser != userID {
		delete(r.byUser, prevUser)
	}
	r.byUser[userID] = e
	r.byConn[connectionID] = userID
	return e
}

func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	return e, ok
}

func (r *Registry) LookupByConnection(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connectionID]
	return userID, ok
}

// Remove deletes the entry bound to connectionID, if any.
func (r *Registry) Remove(connectionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byConn[connectionID]
	if !ok {
		return Entry{}, false
	}
	delete(r.byConn, connectionID)
	e := r.byUser[userID]
	delete(r.byUser, userID)
	return e, true
}

// List returns the online users ordered by user id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.byUser))
	for _, e := range r.byUser {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
