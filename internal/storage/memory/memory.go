// Package memory implements the game stores in process memory. Records are copied in and out,
// callers never share state with the store.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/victornm/partyquiz/internal/domain"
	"github.com/victornm/partyquiz/internal/errors"
)

type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]domain.Session
	responses map[string][]domain.Response
	answers   map[domain.AnswerKey]struct{}
	ids       map[string]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:  make(map[string]domain.Session),
		responses: make(map[string][]domain.Response),
		answers:   make(map[domain.AnswerKey]struct{}),
		ids:       make(map[string]struct{}),
	}
}

func (s *SessionStore) GetByCode(_ context.Context, code string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ss := range s.sessions {
		if ss.Code == code && !ss.Status.Terminal() {
			return copySession(ss), nil
		}
	}

	return nil, errors.NotFound("session not found: code=%s", code)
}

func (s *SessionStore) GetByID(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ss, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("session not found: id=%s", sessionID)
	}

	return copySession(ss), nil
}

func (s *SessionStore) Save(_ context.Context, ss *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ss.Status.Terminal() {
		for id, other := range s.sessions {
			if id != ss.SessionID && other.Code == ss.Code && !other.Status.Terminal() {
				return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("join code in use: %s", ss.Code))
			}
		}
	}

	s.sessions[ss.SessionID] = *copySession(*ss)
	return nil
}

// ListAll returns the sessions from the oldest to the newest.
func (s *SessionStore) ListAll(_ context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		all = append(all, *copySession(ss))
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Created.Equal(all[j].Created) {
			return all[i].SessionID < all[j].SessionID
		}
		return all[i].Created.Before(all[j].Created)
	})

	return all, nil
}

func (s *SessionStore) HasAnswer(_ context.Context, key domain.AnswerKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.answers[key]
	return ok, nil
}

func (s *SessionStore) AddResponse(_ context.Context, r *domain.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[r.ResponseID]; ok {
		return nil
	}

	if r.Kind == domain.ResponseKindAnswer {
		if _, ok := s.answers[r.AnswerKey()]; ok {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("answer already exists"))
		}
		s.answers[r.AnswerKey()] = struct{}{}
	}

	s.ids[r.ResponseID] = struct{}{}
	s.responses[r.SessionID] = append(s.responses[r.SessionID], *r)
	return nil
}

func (s *SessionStore) ListResponses(_ context.Context, sessionID string) ([]domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.responses[sessionID]), nil
}

func copySession(ss domain.Session) *domain.Session {
	ss.Cards = slices.Clone(ss.Cards)
	ss.Participants = slices.Clone(ss.Participants)
	return &ss
}

// Directory is a member directory keyed by user ID. Principals resolve by user name.
type Directory struct {
	mu      sync.RWMutex
	members map[string]domain.Member
}

func NewDirectory(members ...domain.Member) *Directory {
	d := &Directory{members: make(map[string]domain.Member)}
	for _, m := range members {
		d.members[m.UserID] = m
	}
	return d
}

func (d *Directory) GetByPrincipal(_ context.Context, p domain.Principal) (*domain.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, m := range d.members {
		if m.Name == p.Subject {
			return &m, nil
		}
	}

	return nil, errors.NotFound("user not found: %s", p.Subject)
}

func (d *Directory) Save(_ context.Context, m *domain.Member) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.members[m.UserID] = *m
	return nil
}

func (d *Directory) GetManyBySession(_ context.Context, sessionID string) ([]domain.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var members []domain.Member
	for _, m := range d.members {
		if m.SessionID == sessionID {
			members = append(members, m)
		}
	}

	sortMembers(members)
	return members, nil
}

func (d *Directory) GetMany(_ context.Context, userIDs []string) ([]domain.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := make([]domain.Member, 0, len(userIDs))
	for _, id := range userIDs {
		if m, ok := d.members[id]; ok {
			members = append(members, m)
		}
	}

	return members, nil
}

func sortMembers(members []domain.Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].Name < members[j].Name
	})
}

type Catalog struct {
	cards []domain.Card
}

func NewCatalog(cards ...domain.Card) *Catalog {
	return &Catalog{cards: cards}
}

func (c *Catalog) GetAll(_ context.Context) ([]domain.Card, error) {
	return slices.Clone(c.cards), nil
}
