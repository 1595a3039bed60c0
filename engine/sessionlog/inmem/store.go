// Package inmem provides an in-memory implementation of sessionlog.Store for
// tests and local development. It is safe for concurrent use.
//
// Grounded on runtime/agent/runlog/inmem and runtime/agent/session/inmem,
// merged into one store and extended with a sync.Cond waiter so List can
// honor spec.md §6's wait_for_data_seconds long-poll contract.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"goa.design/goa-ai/engine/sessionlog"
)

type sessionState struct {
	session    sessionlog.Session
	nextOffset int64
	events     []sessionlog.Event
}

// Store implements sessionlog.Store in memory.
type Store struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*sessionState
}

// New returns an empty in-memory session log store.
func New() *Store {
	s := &Store{sessions: make(map[string]*sessionState)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// CreateSession implements sessionlog.Store.
func (s *Store) CreateSession(_ context.Context, session sessionlog.Session) (sessionlog.Session, error) {
	if session.ID == "" {
		return sessionlog.Session{}, fmt.Errorf("sessionlog: session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.ID]; ok {
		return existing.session, nil
	}
	if session.CreationUTC.IsZero() {
		session.CreationUTC = time.Now().UTC()
	}
	s.sessions[session.ID] = &sessionState{session: session}
	return session, nil
}

// LoadSession implements sessionlog.Store.
func (s *Store) LoadSession(_ context.Context, sessionID string) (sessionlog.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return sessionlog.Session{}, sessionlog.ErrSessionNotFound
	}
	return st.session, nil
}

// Append implements sessionlog.Store. Offsets are strictly increasing per
// session with no gaps (spec.md invariant 1).
func (s *Store) Append(_ context.Context, e sessionlog.Event) (sessionlog.Event, error) {
	if e.SessionID == "" {
		return sessionlog.Event{}, fmt.Errorf("sessionlog: session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[e.SessionID]
	if !ok {
		st = &sessionState{session: sessionlog.Session{ID: e.SessionID, CreationUTC: time.Now().UTC()}}
		s.sessions[e.SessionID] = st
	}
	e.Offset = st.nextOffset
	st.nextOffset++
	if e.ID == "" {
		e.ID = strconv.FormatInt(e.Offset, 10)
	}
	if e.CreationUTC.IsZero() {
		e.CreationUTC = time.Now().UTC()
	}
	st.events = append(st.events, e)
	s.cond.Broadcast()
	return e, nil
}

// List implements sessionlog.Store, including the wait_for_data_seconds
// long-poll behavior: when no events are immediately available at or above
// MinOffset, List blocks (releasing the store lock) until new data arrives
// or the wait elapses, then returns whatever is available (spec.md §5
// "must not starve writers").
func (s *Store) List(ctx context.Context, sessionID string, opts sessionlog.ListOptions) ([]sessionlog.Event, error) {
	deadline := time.Now().Add(time.Duration(opts.WaitForDataSeconds * float64(time.Second)))

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		st, ok := s.sessions[sessionID]
		if !ok {
			return nil, sessionlog.ErrSessionNotFound
		}
		out := filterEvents(st.events, opts)
		if len(out) > 0 || opts.WaitForDataSeconds <= 0 || time.Now().After(deadline) {
			return out, nil
		}

		stop := make(chan struct{})
		timer := time.NewTimer(time.Until(deadline))
		go func() {
			select {
			case <-ctx.Done():
			case <-timer.C:
			case <-stop:
				timer.Stop()
				return
			}
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		}()
		s.cond.Wait()
		close(stop)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// Delete implements sessionlog.Store, tombstoning rather than removing the
// event (spec.md invariant 3).
func (s *Store) Delete(_ context.Context, sessionID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return sessionlog.ErrSessionNotFound
	}
	for i := range st.events {
		if st.events[i].ID == eventID {
			st.events[i].Deleted = true
			return nil
		}
	}
	return sessionlog.ErrEventNotFound
}

func filterEvents(events []sessionlog.Event, opts sessionlog.ListOptions) []sessionlog.Event {
	var kindSet map[sessionlog.Kind]struct{}
	if len(opts.Kinds) > 0 {
		kindSet = make(map[sessionlog.Kind]struct{}, len(opts.Kinds))
		for _, k := range opts.Kinds {
			kindSet[k] = struct{}{}
		}
	}
	out := make([]sessionlog.Event, 0, len(events))
	for _, e := range events {
		if e.Offset < opts.MinOffset {
			continue
		}
		if e.Deleted && !opts.IncludeDeleted {
			continue
		}
		if kindSet != nil {
			if _, ok := kindSet[e.Kind]; !ok {
				continue
			}
		}
		if opts.Source != "" && e.Source != opts.Source {
			continue
		}
		out = append(out, e)
	}
	return out
}
