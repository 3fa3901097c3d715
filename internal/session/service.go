package session

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/partyquiz/internal/domain"
	"github.com/victornm/partyquiz/internal/errors"
	"github.com/victornm/partyquiz/internal/telemetry"
)

const (
	defaultStoreTimeout = 5 * time.Second
	maxCodeAttempts     = 5
	maxConcurrentWrites = 20
	maxTextLength       = 300
)

// SessionStore persists sessions and their responses.
type SessionStore interface {
	// GetByCode returns the non-terminal session holding the join code.
	GetByCode(ctx context.Context, code string) (*domain.Session, error)
	GetByID(ctx context.Context, sessionID string) (*domain.Session, error)
	Save(ctx context.Context, s *domain.Session) error
	ListAll(ctx context.Context) ([]domain.Session, error)

	HasAnswer(ctx context.Context, key domain.AnswerKey) (bool, error)
	// AddResponse stores a response. Adding a response ID twice is a no-op,
	// a second answer for the same AnswerKey fails with CodeAlreadyExists.
	AddResponse(ctx context.Context, r *domain.Response) error
	ListResponses(ctx context.Context, sessionID string) ([]domain.Response, error)
}

// MemberDirectory stores users and their current-session pointer.
type MemberDirectory interface {
	GetByPrincipal(ctx context.Context, p domain.Principal) (*domain.Member, error)
	Save(ctx context.Context, m *domain.Member) error
	GetManyBySession(ctx context.Context, sessionID string) ([]domain.Member, error)
	GetMany(ctx context.Context, userIDs []string) ([]domain.Member, error)
}

// CardCatalog supplies the prompt cards.
type CardCatalog interface {
	GetAll(ctx context.Context) ([]domain.Card, error)
}

// Limits bounds the game options accepted by StartSession.
type Limits struct {
	MinRounds        int
	MaxRounds        int
	MinRoundDuration int
	MaxRoundDuration int
}

var DefaultLimits = Limits{
	MinRounds:        3,
	MaxRounds:        9,
	MinRoundDuration: 10,
	MaxRoundDuration: 900,
}

type Config struct {
	Sessions SessionStore
	Members  MemberDirectory
	Cards    CardCatalog

	// StoreTimeout bounds every operation including its store calls.
	StoreTimeout time.Duration
	Limits       Limits

	// Optional, for tests.
	Now     func() time.Time
	NewID   func() (uuid.UUID, error)
	Shuffle func(n int, swap func(i, j int))
}

// Service is the game session orchestrator.
type Service struct {
	sessions SessionStore
	members  MemberDirectory
	cards    CardCatalog

	timeout time.Duration
	limits  Limits
	locks   *locker

	now     func() time.Time
	newID   func() (uuid.UUID, error)
	shuffle func(n int, swap func(i, j int))
}

func NewService(c Config) *Service {
	s := &Service{
		sessions: c.Sessions,
		members:  c.Members,
		cards:    c.Cards,
		timeout:  c.StoreTimeout,
		limits:   c.Limits,
		locks:    newLocker(),
		now:      c.Now,
		newID:    c.NewID,
		shuffle:  c.Shuffle,
	}

	if s.timeout <= 0 {
		s.timeout = defaultStoreTimeout
	}
	if s.limits == (Limits{}) {
		s.limits = DefaultLimits
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewV7
	}
	if s.shuffle == nil {
		s.shuffle = rand.Shuffle
	}

	return s
}

// CreateSessionRequest represents a request to open a new lobby.
type CreateSessionRequest struct {
	Principal domain.Principal
}

// CreateSession opens a new lobby hosted by the caller.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Lobby, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m, unlock, err := s.lockMember(ctx, req.Principal)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if m.InSession() {
		return nil, errors.BadRequest("already in a session")
	}

	ss, err := s.insertSession(ctx, m.UserID)
	if err != nil {
		return nil, err
	}

	m.Join(ss.SessionID)
	if err := s.members.Save(ctx, m); err != nil {
		return nil, errors.Convert(fmt.Errorf("save member: %w", err))
	}

	telemetry.SessionTransition(string(ss.Status))
	slog.InfoContext(ctx, "session: created", "session", ss.SessionID, "code", ss.Code, "user", m.UserID)

	return lobby(ss, []domain.Member{*m}), nil
}

// insertSession stores a new lobby, regenerating the ID when its join code is held by a live session.
func (s *Service) insertSession(ctx context.Context, hostID string) (*domain.Session, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return nil, errors.Internal(fmt.Errorf("generate session ID: %w", err))
		}

		ss := &domain.Session{
			SessionID:    id.String(),
			Code:         domain.GenerateCode(id.String()),
			Created:      s.now(),
			Status:       domain.StatusLobby,
			HostID:       hostID,
			Participants: []string{hostID},
		}

		_, err = s.sessions.GetByCode(ctx, ss.Code)
		switch {
		case err == nil:
			slog.WarnContext(ctx, "session: join code collision", "code", ss.Code, "attempt", attempt)
			continue
		case !errors.Is(err, errors.CodeNotFound):
			return nil, errors.Convert(fmt.Errorf("get session by code: %w", err))
		}

		err = s.sessions.Save(ctx, ss)
		if errors.Is(err, errors.CodeAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, errors.Convert(fmt.Errorf("save session: %w", err))
		}

		return ss, nil
	}

	return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("no join code available, retry later"))
}

type JoinSessionRequest struct {
	Principal domain.Principal
	Code      string
}

// JoinSession adds the caller to the lobby identified by the code.
func (s *Service) JoinSession(ctx context.Context, req JoinSessionRequest) (*domain.Lobby, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m, unlockMember, err := s.lockMember(ctx, req.Principal)
	if err != nil {
		return nil, err
	}
	defer unlockMember()

	code := strings.ToLower(strings.TrimSpace(req.Code))
	found, err := s.sessions.GetByCode(ctx, code)
	if errors.Is(err, errors.CodeNotFound) {
		return nil, errNoLobby
	}
	if err != nil {
		return nil, errors.Convert(fmt.Errorf("get session by code: %w", err))
	}

	unlock, err := s.locks.Lock(ctx, found.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Reload under the session scope, the lobby may have started meanwhile.
	ss, err := s.sessions.GetByID(ctx, found.SessionID)
	if err != nil {
		return nil, errors.Convert(fmt.Errorf("get session: %w", err))
	}
	if ss.Status != domain.StatusLobby {
		return nil, errNoLobby
	}

	if m, err = s.member(ctx, req.Principal); err != nil {
		return nil, err
	}

	if m.InSession() && m.SessionID != ss.SessionID {
		return nil, errors.BadRequest("already in a session")
	}

	ss.AddParticipant(m.UserID)
	if err := s.sessions.Save(ctx, ss); err != nil {
		return nil, errors.Convert(fmt.Errorf("save session: %w", err))
	}

	if m.SessionID != ss.SessionID {
		m.Join(ss.SessionID)
		if err := s.members.Save(ctx, m); err != nil {
			return nil, errors.Convert(fmt.Errorf("save member: %w", err))
		}
	}

	members, err := s.members.GetManyBySession(ctx, ss.SessionID)
	if err != nil {
		return nil, errors.Convert(fmt.Errorf("list members: %w", err))
	}

	slog.InfoContext(ctx, "session: joined", "session", ss.SessionID, "code", ss.Code, "user", m.UserID)

	return lobby(ss, members), nil
}

var errNoLobby = errors.NotFound("session not found")

type LeaveSessionRequest struct {
	Principal domain.Principal
}

type LeaveSessionResponse struct {
	// Cancelled is set when the host left and the session was abandoned.
	Cancelled bool
	Broadcast *domain.Broadcast
}

// LeaveSession removes the caller from their session. When the host leaves, the session is cancelled
// and every member is removed.
func (s *Service) LeaveSession(ctx context.Context, req LeaveSessionRequest) (*LeaveSessionResponse, error) {
	var resp LeaveSessionResponse

	err := s.inSession(ctx, req.Principal, errNotInSession, func(ctx context.Context, m *domain.Member, ss *domain.Session) error {
		resp.Broadcast = domain.NewBroadcast(ss.Code, domain.EventNamePlayerLeft, m.Summary())

		if ss.IsHost(m.UserID) {
			// Everyone else first, so a failed attempt can be retried by the host.
			if err := s.clearMembers(ctx, ss.SessionID, m.UserID); err != nil {
				return err
			}

			if !ss.Status.Terminal() {
				ss.Status = domain.StatusCancelled
				if err := s.sessions.Save(ctx, ss); err != nil {
					return errors.Convert(fmt.Errorf("save session: %w", err))
				}
				telemetry.SessionTransition(string(ss.Status))
			}
			resp.Cancelled = true
		}

		m.Leave()
		if err := s.members.Save(ctx, m); err != nil {
			return errors.Convert(fmt.Errorf("save member: %w", err))
		}

		slog.InfoContext(ctx, "session: left", "session", ss.SessionID, "code", ss.Code, "user", m.UserID, "cancelled", resp.Cancelled)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

var errNotInSession = errors.BadRequest("not in a session")

type StartSessionRequest struct {
	Principal     domain.Principal
	RoundCount    int
	RoundDuration int // seconds
}

type StartSessionResponse struct {
	Session   domain.Session
	Broadcast *domain.Broadcast
}

// StartSession draws the cards and moves the lobby to the active state.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (*StartSessionResponse, error) {
	var resp StartSessionResponse

	err := s.inSession(ctx, req.Principal, errNotHost, func(ctx context.Context, m *domain.Member, ss *domain.Session) error {
		if !ss.IsHost(m.UserID) {
			return errNotHost
		}

		if ss.Status != domain.StatusLobby {
			return errors.BadRequest("session is %s, only a lobby can be started", ss.Status)
		}

		if err := s.validateOptions(req.RoundCount, req.RoundDuration); err != nil {
			return err
		}

		cards, err := s.drawCards(ctx, req.RoundCount)
		if err != nil {
			return err
		}

		if err := s.resetReady(ctx, ss.SessionID); err != nil {
			return err
		}

		ss.RoundCount = req.RoundCount
		ss.RoundDuration = req.RoundDuration
		ss.Cards = cards
		ss.CurrentRound = 0
		ss.Status = domain.StatusActive
		if err := s.sessions.Save(ctx, ss); err != nil {
			return errors.Convert(fmt.Errorf("save session: %w", err))
		}

		telemetry.SessionTransition(string(ss.Status))
		slog.InfoContext(ctx, "session: started", "session", ss.SessionID, "code", ss.Code, "rounds", ss.RoundCount)

		resp.Session = *ss
		resp.Broadcast = domain.NewBroadcast(ss.Code, domain.EventNameStartGame, domain.StartGame{
			Cards:         cards,
			RoundDuration: ss.RoundDuration,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

var errNotHost = errors.Forbidden("only the host can do this")

func (s *Service) validateOptions(rounds, duration int) error {
	l := s.limits
	if rounds < l.MinRounds || rounds > l.MaxRounds {
		return errors.BadRequest("rounds must be between %d and %d", l.MinRounds, l.MaxRounds)
	}
	if duration < l.MinRoundDuration || duration > l.MaxRoundDuration {
		return errors.BadRequest("round duration must be between %d and %d seconds", l.MinRoundDuration, l.MaxRoundDuration)
	}
	return nil
}

// drawCards picks n distinct cards at random and orders them by card number.
func (s *Service) drawCards(ctx context.Context, n int) ([]domain.Card, error) {
	all, err := s.cards.GetAll(ctx)
	if err != nil {
		return nil, errors.Convert(fmt.Errorf("get cards: %w", err))
	}

	if len(all) < n {
		return nil, errors.BadRequest("not enough cards: %d rounds requested, %d cards available", n, len(all))
	}

	picked := slices.Clone(all)
	s.shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	picked = picked[:n]

	slices.SortStableFunc(picked, func(a, b domain.Card) int {
		if c := cmp.Compare(a.CardNumber, b.CardNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.CardID, b.CardID)
	})

	return picked, nil
}

type NextRoundRequest struct {
	Principal  domain.Principal
	Conclusion string
}

type NextRoundResponse struct {
	Round     int
	Broadcast *domain.Broadcast
}

// NextRound records the optional conclusion of the current round and advances to the next one.
func (s *Service) NextRound(ctx context.Context, req NextRoundRequest) (*NextRoundResponse, error) {
	var resp NextRoundResponse

	err := s.inSession(ctx, req.Principal, errNotHost, func(ctx context.Context, m *domain.Member, ss *domain.Session) error {
		if !ss.IsHost(m.UserID) {
			return errNotHost
		}

		if ss.Status != domain.StatusActive {
			return errors.BadRequest("session is %s, not active", ss.Status)
		}

		// Rounds are numbered 0..RoundCount-1, so the last round has no next one.
		if ss.CurrentRound+1 >= ss.RoundCount {
			return errors.BadRequest("game already finished")
		}

		if err := s.addConclusion(ctx, ss, m, req.Conclusion); err != nil {
			return err
		}

		if err := s.resetReady(ctx, ss.SessionID); err != nil {
			return err
		}

		ss.CurrentRound++
		if err := s.sessions.Save(ctx, ss); err != nil {
			return errors.Convert(fmt.Errorf("save session: %w", err))
		}

		slog.InfoContext(ctx, "session: next round", "session", ss.SessionID, "code", ss.Code, "round", ss.CurrentRound)

		resp.Round = ss.CurrentRound
		resp.Broadcast = domain.NewBroadcast(ss.Code, domain.EventNameNextRound, ss.CurrentRound)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

type EndSessionRequest struct {
	Principal  domain.Principal
	Conclusion string
}

type EndSessionResponse struct {
	Session   domain.Session
	Broadcast *domain.Broadcast
}

// EndSession completes the game and tears down its membership.
func (s *Service) EndSession(ctx context.Context, req EndSessionRequest) (*EndSessionResponse, error) {
	var resp EndSessionResponse

	err := s.inSession(ctx, req.Principal, errNotHost, func(ctx context.Context, m *domain.Member, ss *domain.Session) error {
		if !ss.IsHost(m.UserID) {
			return errNotHost
		}

		if ss.Status != domain.StatusActive && ss.Status != domain.StatusCompleted {
			return errors.BadRequest("session is %s, not active", ss.Status)
		}

		if err := s.addConclusion(ctx, ss, m, req.Conclusion); err != nil {
			return err
		}

		if err := s.clearMembers(ctx, ss.SessionID, m.UserID); err != nil {
			return err
		}

		if ss.Status != domain.StatusCompleted {
			ss.Status = domain.StatusCompleted
			if err := s.sessions.Save(ctx, ss); err != nil {
				return errors.Convert(fmt.Errorf("save session: %w", err))
			}
			telemetry.SessionTransition(string(ss.Status))
		}

		// The host goes last: until then a failed attempt can be retried.
		m.Leave()
		if err := s.members.Save(ctx, m); err != nil {
			return errors.Convert(fmt.Errorf("save member: %w", err))
		}

		slog.InfoContext(ctx, "session: ended", "session", ss.SessionID, "code", ss.Code)

		resp.Session = *ss
		resp.Broadcast = domain.NewBroadcast(ss.Code, domain.EventNameEndSession, "end")
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

type SubmitAnswerRequest struct {
	Principal domain.Principal
	Answer    string
}

type SubmitAnswerResponse struct {
	Response  domain.Response
	Broadcast *domain.Broadcast
}

// SubmitAnswer stores the caller's single answer for the current round.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	var resp SubmitAnswerResponse

	err := s.inSession(ctx, req.Principal, errUnauthenticatedSession, func(ctx context.Context, m *domain.Member, ss *domain.Session) error {
		if ss.Status != domain.StatusActive {
			return errors.BadRequest("session is %s, not active", ss.Status)
		}

		text, err := validateText("answer", req.Answer)
		if err != nil {
			return err
		}

		r := domain.Response{
			SessionID: ss.SessionID,
			Round:     ss.CurrentRound,
			AuthorID:  m.UserID,
			Content:   text,
			Kind:      domain.ResponseKindAnswer,
			CreatedAt: s.now(),
		}

		exists, err := s.sessions.HasAnswer(ctx, r.AnswerKey())
		if err != nil {
			return errors.Convert(fmt.Errorf("check answer: %w", err))
		}
		if exists {
			return errAlreadyAnswered
		}

		id, err := s.newID()
		if err != nil {
			return errors.Internal(fmt.Errorf("generate response ID: %w", err))
		}
		r.ResponseID = id.String()

		err = s.sessions.AddResponse(ctx, &r)
		if errors.Is(err, errors.CodeAlreadyExists) {
			return errAlreadyAnswered
		}
		if err != nil {
			return errors.Convert(fmt.Errorf("add answer: %w", err))
		}

		telemetry.ResponseStored(string(r.Kind))

		resp.Response = r
		resp.Broadcast = domain.NewBroadcast(ss.Code, domain.EventNameNewAnswer, m.Summary(), r.Content)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

var (
	errAlreadyAnswered        = errors.BadRequest("already answered")
	errUnauthenticatedSession = errors.Unauthenticated("not in a session")
)

type ChangeReadyStateRequest struct {
	Principal domain.Principal
	Ready     bool
}

type ChangeReadyStateResponse struct {
	Player    domain.PlayerSummary
	Broadcast *domain.Broadcast
}

func (s *Service) ChangeReadyState(ctx context.Context, req ChangeReadyStateRequest) (*ChangeReadyStateResponse, error) {
	var resp ChangeReadyStateResponse

	err := s.inSession(ctx, req.Principal, errUnauthenticatedSession, func(ctx context.Context, m *domain.Member, ss *domain.Session) error {
		m.Ready = req.Ready
		if err := s.members.Save(ctx, m); err != nil {
			return errors.Convert(fmt.Errorf("save member: %w", err))
		}

		resp.Player = m.Summary()
		resp.Broadcast = domain.NewBroadcast(ss.Code, domain.EventNameReadyStateChanged, resp.Player)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

type SendMessageRequest struct {
	Principal domain.Principal
	Message   string
}

type SendMessageResponse struct {
	Broadcast *domain.Broadcast
}

// SendMessage relays a chat message to the caller's session. Nothing is stored.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m, ss, err := s.current(ctx, req.Principal, errUnauthenticatedSession)
	if err != nil {
		return nil, err
	}

	text, err := validateText("message", req.Message)
	if err != nil {
		return nil, err
	}

	return &SendMessageResponse{
		Broadcast: domain.NewBroadcast(ss.Code, domain.EventNameNewMessage, m.Summary(), ss.CurrentRound, text),
	}, nil
}

type GetSessionRequest struct {
	Principal domain.Principal
}

type GetSessionResponse struct {
	Session domain.Session
	Lobby   domain.Lobby
}

// GetSession returns the caller's current session, for clients that reconnect.
func (s *Service) GetSession(ctx context.Context, req GetSessionRequest) (*GetSessionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, ss, err := s.current(ctx, req.Principal, errNotInSession)
	if err != nil {
		return nil, err
	}

	members, err := s.members.GetManyBySession(ctx, ss.SessionID)
	if err != nil {
		return nil, errors.Convert(fmt.Errorf("list members: %w", err))
	}

	return &GetSessionResponse{
		Session: *ss,
		Lobby:   *lobby(ss, members),
	}, nil
}

// GetHistory returns every session with its participants and responses.
func (s *Service) GetHistory(ctx context.Context) ([]domain.History, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sessions, err := s.sessions.ListAll(ctx)
	if err != nil {
		return nil, errors.Convert(fmt.Errorf("list sessions: %w", err))
	}

	history := make([]domain.History, len(sessions))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentWrites)

	for i := range sessions {
		i := i
		eg.Go(func() error {
			ss := sessions[i]

			members, err := s.members.GetMany(ctx, ss.Participants)
			if err != nil {
				return fmt.Errorf("list participants of %s: %w", ss.SessionID, err)
			}

			responses, err := s.sessions.ListResponses(ctx, ss.SessionID)
			if err != nil {
				return fmt.Errorf("list responses of %s: %w", ss.SessionID, err)
			}

			history[i] = domain.History{Session: ss, Members: members, Responses: responses}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, errors.Convert(err)
	}

	return history, nil
}

// member resolves the principal to a known user.
func (s *Service) member(ctx context.Context, p domain.Principal) (*domain.Member, error) {
	if p.Subject == "" {
		return nil, errors.Unauthenticated("missing principal")
	}

	m, err := s.members.GetByPrincipal(ctx, p)
	if errors.Is(err, errors.CodeNotFound) {
		return nil, errors.Unauthenticated("unknown user")
	}
	if err != nil {
		return nil, errors.Convert(fmt.Errorf("get member: %w", err))
	}

	return m, nil
}

// lockMember takes the caller's own scope, which serializes the changes a user makes to their session pointer.
// The member is read once the scope is held. A user scope is never taken while a session scope is held.
func (s *Service) lockMember(ctx context.Context, p domain.Principal) (*domain.Member, func(), error) {
	m, err := s.member(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	unlock, err := s.locks.Lock(ctx, memberScope(m.UserID))
	if err != nil {
		return nil, nil, err
	}

	if m, err = s.member(ctx, p); err != nil {
		unlock()
		return nil, nil, err
	}

	return m, unlock, nil
}

// memberScope keeps user scopes apart from session scopes, which are keyed by session ID.
func memberScope(userID string) string {
	return "user/" + userID
}

// current resolves the principal and its current session without taking the session scope.
func (s *Service) current(ctx context.Context, p domain.Principal, notInSession error) (*domain.Member, *domain.Session, error) {
	m, err := s.member(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	if !m.InSession() {
		return nil, nil, notInSession
	}

	ss, err := s.sessions.GetByID(ctx, m.SessionID)
	if errors.Is(err, errors.CodeNotFound) {
		return nil, nil, notInSession
	}
	if err != nil {
		return nil, nil, errors.Convert(fmt.Errorf("get session: %w", err))
	}

	return m, ss, nil
}

// inSession runs fn inside the mutual-exclusion scope of the caller's session.
// The member and session are re-read after the scope is acquired.
func (s *Service) inSession(
	ctx context.Context,
	p domain.Principal,
	notInSession error,
	fn func(ctx context.Context, m *domain.Member, ss *domain.Session) error,
) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m, err := s.member(ctx, p)
	if err != nil {
		return err
	}

	if !m.InSession() {
		return notInSession
	}

	sessionID := m.SessionID
	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	m, ss, err := s.current(ctx, p, notInSession)
	if err != nil {
		return err
	}

	if m.SessionID != sessionID {
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("session changed, retry"))
	}

	return fn(ctx, m, ss)
}

// clearMembers removes every member but one from the session. Clearing is idempotent.
func (s *Service) clearMembers(ctx context.Context, sessionID, except string) error {
	return s.updateMembers(ctx, sessionID, except, func(m *domain.Member) { m.Leave() })
}

// resetReady marks every member of the session as not ready.
func (s *Service) resetReady(ctx context.Context, sessionID string) error {
	return s.updateMembers(ctx, sessionID, "", func(m *domain.Member) { m.Ready = false })
}

func (s *Service) updateMembers(ctx context.Context, sessionID, except string, update func(m *domain.Member)) error {
	members, err := s.members.GetManyBySession(ctx, sessionID)
	if err != nil {
		return errors.Convert(fmt.Errorf("list members: %w", err))
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentWrites)

	for i := range members {
		m := &members[i]
		if m.UserID == except {
			continue
		}

		eg.Go(func() error {
			update(m)
			if err := s.members.Save(ctx, m); err != nil {
				return fmt.Errorf("save member %s: %w", m.UserID, err)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return errors.Convert(err)
	}

	return nil
}

// addConclusion records the host's note for the current round. The response ID is derived from the
// session and round, so retrying an operation does not duplicate it.
func (s *Service) addConclusion(ctx context.Context, ss *domain.Session, host *domain.Member, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	text, err := validateText("conclusion", text)
	if err != nil {
		return err
	}

	r := domain.Response{
		ResponseID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d/conclusion", ss.SessionID, ss.CurrentRound))).String(),
		SessionID:  ss.SessionID,
		Round:      ss.CurrentRound,
		AuthorID:   host.UserID,
		Content:    text,
		Kind:       domain.ResponseKindConclusion,
		CreatedAt:  s.now(),
	}

	if err := s.sessions.AddResponse(ctx, &r); err != nil {
		return errors.Convert(fmt.Errorf("add conclusion: %w", err))
	}

	telemetry.ResponseStored(string(r.Kind))
	return nil
}

func validateText(field, text string) (string, error) {
	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n < 1 || n > maxTextLength {
		return "", errors.BadRequest("%s must be between 1 and %d characters", field, maxTextLength)
	}
	return text, nil
}

func lobby(ss *domain.Session, members []domain.Member) *domain.Lobby {
	l := &domain.Lobby{
		SessionID: ss.SessionID,
		HostID:    ss.HostID,
		Code:      ss.Code,
		Created:   ss.Created,
		Players:   make([]domain.PlayerSummary, 0, len(members)),
	}

	for i := range members {
		l.Players = append(l.Players, members[i].Summary())
	}

	return l
}
