package calls

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps sessions in process memory for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]Session)}
}

func (s *InMemoryStore) Create(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("create session %s: duplicate id", sess.ID)
	}
	for _, existing := range s.sessions {
		if existing.RoomID == sess.RoomID {
			return fmt.Errorf("create session %s: duplicate room id", sess.ID)
		}
	}
	if sess.Version == 0 {
		sess.Version = 1
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) Save(_ context.Context, sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sess.ID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if stored.Version != sess.Version {
		return Session{}, ErrVersionConflict
	}
	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = cloneSession(sess)
	return cloneSession(sess), nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]Session, error) {
	return s.list(clampLimit(limit), func(sess Session) bool { return sess.Involves(userID) }), nil
}

func (s *InMemoryStore) ListMissed(_ context.Context, recipientID string, limit int) ([]Session, error) {
	return s.list(clampLimit(limit), func(sess Session) bool {
		return sess.RecipientID == recipientID && sess.Status == StatusMissed
	}), nil
}

func (s *InMemoryStore) Statistics(_ context.Context, userID string) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Statistics
	for _, sess := range s.sessions {
		if sess.Involves(userID) {
			switch sess.Status {
			case StatusActive:
				st.TotalCalls++
			case StatusCompleted:
				st.TotalCalls++
				st.TotalDurationSeconds += sess.DurationSeconds
			}
		}
		if sess.RecipientID == userID {
			switch sess.Status {
			case StatusMissed:
				st.MissedCalls++
			case StatusRejected:
				st.RejectedCalls++
			}
		}
	}
	st.finalize()
	return st, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) list(limit int, keep func(Session) bool) []Session {
	s.mu.RLock()
	out := make([]Session, 0)
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, cloneSession(sess))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.After(out[j].InitiatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneSession(s Session) Session {
	c := s
	if s.AnsweredAt != nil {
		t := *s.AnsweredAt
		c.AnsweredAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}
