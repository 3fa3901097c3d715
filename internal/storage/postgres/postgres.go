// Package postgres implements the game stores on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/partyquiz/internal/domain"
	"github.com/victornm/partyquiz/internal/errors"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Migrate creates the tables and indexes when they do not exist.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	return nil
}

type SessionStore struct {
	db *pgxpool.Pool
}

func NewSessionStore(db *pgxpool.Pool) *SessionStore {
	return &SessionStore{db: db}
}

const selectSession = `
SELECT s.session_id, s.code, s.created, s.status, s.host_id, s.round_count, s.round_duration, s.current_round,
	ARRAY(SELECT p.user_id FROM session_participants p WHERE p.session_id = s.session_id ORDER BY p.position)
FROM sessions s`

func (s *SessionStore) GetByCode(ctx context.Context, code string) (*domain.Session, error) {
	const stmt = selectSession + ` WHERE s.code = $1 AND s.status IN ('lobby', 'active');`

	return s.getOne(ctx, stmt, code)
}

func (s *SessionStore) GetByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	const stmt = selectSession + ` WHERE s.session_id = $1;`

	return s.getOne(ctx, stmt, sessionID)
}

func (s *SessionStore) getOne(ctx context.Context, stmt string, arg string) (*domain.Session, error) {
	rows, err := s.db.Query(ctx, stmt, arg)
	if err != nil {
		return nil, convert(err, "get session %s", arg)
	}

	ss, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		return nil, convert(err, "get session %s", arg)
	}

	cards, err := s.loadCards(ctx, []string{ss.SessionID})
	if err != nil {
		return nil, err
	}
	ss.Cards = cards[ss.SessionID]

	return &ss, nil
}

// Save upserts the session with its cards and participants in one transaction.
// A live session holding the same code fails with CodeAlreadyExists.
func (s *SessionStore) Save(ctx context.Context, ss *domain.Session) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return convert(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		upsertSessionStmt = `
INSERT INTO sessions (session_id, code, created, status, host_id, round_count, round_duration, current_round)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO UPDATE SET
	status = EXCLUDED.status,
	round_count = EXCLUDED.round_count,
	round_duration = EXCLUDED.round_duration,
	current_round = EXCLUDED.current_round;`
		upsertCardStmt = `
INSERT INTO session_cards (session_id, position, card_id) VALUES ($1, $2, $3)
ON CONFLICT (session_id, position) DO UPDATE SET card_id = EXCLUDED.card_id;`
		insParticipantStmt = `
INSERT INTO session_participants (session_id, user_id, position) VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING;`
	)

	_, err = tx.Exec(ctx, upsertSessionStmt,
		ss.SessionID, ss.Code, ss.Created, string(ss.Status), ss.HostID, ss.RoundCount, ss.RoundDuration, ss.CurrentRound)
	if err != nil {
		return convert(err, "save session %s", ss.SessionID)
	}

	b := &pgx.Batch{}
	for i, c := range ss.Cards {
		b.Queue(upsertCardStmt, ss.SessionID, i, c.CardID)
	}
	for i, p := range ss.Participants {
		b.Queue(insParticipantStmt, ss.SessionID, p, i)
	}

	if b.Len() > 0 {
		if err = tx.SendBatch(ctx, b).Close(); err != nil {
			return convert(err, "save cards and participants of %s", ss.SessionID)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return convert(err, "commit session %s", ss.SessionID)
	}

	return nil
}

// ListAll returns the sessions from the oldest to the newest.
func (s *SessionStore) ListAll(ctx context.Context) ([]domain.Session, error) {
	const stmt = selectSession + ` ORDER BY s.created, s.session_id;`

	rows, err := s.db.Query(ctx, stmt)
	if err != nil {
		return nil, convert(err, "list sessions")
	}

	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, convert(err, "list sessions")
	}

	ids := make([]string, len(sessions))
	for i := range sessions {
		ids[i] = sessions[i].SessionID
	}

	cards, err := s.loadCards(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := range sessions {
		sessions[i].Cards = cards[sessions[i].SessionID]
	}

	return sessions, nil
}

func (s *SessionStore) loadCards(ctx context.Context, sessionIDs []string) (map[string][]domain.Card, error) {
	const stmt = `
SELECT sc.session_id, c.card_id, c.card_number, c.name, c.body, c.picture, c.type
FROM session_cards sc
JOIN cards c ON c.card_id = sc.card_id
WHERE sc.session_id = ANY($1)
ORDER BY sc.session_id, sc.position;`

	rows, err := s.db.Query(ctx, stmt, sessionIDs)
	if err != nil {
		return nil, convert(err, "load cards")
	}

	cards := make(map[string][]domain.Card)
	var (
		sessionID string
		c         domain.Card
		cardType  string
	)
	_, err = pgx.ForEachRow(rows, []any{&sessionID, &c.CardID, &c.CardNumber, &c.Name, &c.Body, &c.Picture, &cardType}, func() error {
		c.Type = domain.CardType(cardType)
		cards[sessionID] = append(cards[sessionID], c)
		return nil
	})
	if err != nil {
		return nil, convert(err, "load cards")
	}

	return cards, nil
}

func scanSession(r pgx.CollectableRow) (domain.Session, error) {
	var (
		ss     domain.Session
		status string
	)

	err := r.Scan(&ss.SessionID, &ss.Code, &ss.Created, &status, &ss.HostID,
		&ss.RoundCount, &ss.RoundDuration, &ss.CurrentRound, &ss.Participants)
	if err != nil {
		return domain.Session{}, err
	}

	ss.Status = domain.Status(status)
	return ss, nil
}

func (s *SessionStore) HasAnswer(ctx context.Context, key domain.AnswerKey) (bool, error) {
	const stmt = `
SELECT EXISTS (
	SELECT 1 FROM responses
	WHERE session_id = $1 AND author_id = $2 AND round = $3 AND kind = 'answer'
);`

	var exists bool
	if err := s.db.QueryRow(ctx, stmt, key.SessionID, key.AuthorID, key.Round).Scan(&exists); err != nil {
		return false, convert(err, "check answer")
	}

	return exists, nil
}

// AddResponse inserts the response. The unique answer index turns a second answer into CodeAlreadyExists.
func (s *SessionStore) AddResponse(ctx context.Context, r *domain.Response) error {
	const stmt = `
INSERT INTO responses (response_id, session_id, round, author_id, content, kind, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (response_id) DO NOTHING;`

	_, err := s.db.Exec(ctx, stmt, r.ResponseID, r.SessionID, r.Round, r.AuthorID, r.Content, string(r.Kind), r.CreatedAt)
	if err != nil {
		return convert(err, "add response to %s", r.SessionID)
	}

	return nil
}

func (s *SessionStore) ListResponses(ctx context.Context, sessionID string) ([]domain.Response, error) {
	const stmt = `
SELECT response_id, session_id, round, author_id, content, kind, created_at
FROM responses
WHERE session_id = $1
ORDER BY created_at, response_id;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, convert(err, "list responses of %s", sessionID)
	}

	responses, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Response, error) {
		var (
			resp domain.Response
			kind string
		)
		if err := r.Scan(&resp.ResponseID, &resp.SessionID, &resp.Round, &resp.AuthorID, &resp.Content, &kind, &resp.CreatedAt); err != nil {
			return domain.Response{}, err
		}
		resp.Kind = domain.ResponseKind(kind)
		return resp, nil
	})
	if err != nil {
		return nil, convert(err, "list responses of %s", sessionID)
	}

	return responses, nil
}

// Directory reads and updates users. Users are provisioned elsewhere; a principal's subject is the user name.
type Directory struct {
	db *pgxpool.Pool
}

func NewDirectory(db *pgxpool.Pool) *Directory {
	return &Directory{db: db}
}

const selectMember = `SELECT user_id, name, picture, COALESCE(session_id, ''), ready FROM users`

func (d *Directory) GetByPrincipal(ctx context.Context, p domain.Principal) (*domain.Member, error) {
	rows, err := d.db.Query(ctx, selectMember+` WHERE name = $1;`, p.Subject)
	if err != nil {
		return nil, convert(err, "get user %s", p.Subject)
	}

	m, err := pgx.CollectExactlyOneRow(rows, scanMember)
	if err != nil {
		return nil, convert(err, "get user %s", p.Subject)
	}

	return &m, nil
}

// Save updates the session pointer, ready flag and profile of an existing user.
func (d *Directory) Save(ctx context.Context, m *domain.Member) error {
	const stmt = `
UPDATE users
SET name = $2, picture = $3, session_id = NULLIF($4, ''), ready = $5
WHERE user_id = $1;`

	tag, err := d.db.Exec(ctx, stmt, m.UserID, m.Name, m.Picture, m.SessionID, m.Ready)
	if err != nil {
		return convert(err, "save user %s", m.UserID)
	}

	if tag.RowsAffected() == 0 {
		return errors.NotFound("user not found: %s", m.UserID)
	}

	return nil
}

func (d *Directory) GetManyBySession(ctx context.Context, sessionID string) ([]domain.Member, error) {
	return d.getMany(ctx, selectMember+` WHERE session_id = $1 ORDER BY name, user_id;`, sessionID)
}

// GetMany returns the known users among the IDs, in the order of the IDs.
func (d *Directory) GetMany(ctx context.Context, userIDs []string) ([]domain.Member, error) {
	return d.getMany(ctx, selectMember+` WHERE user_id = ANY($1) ORDER BY array_position($1::TEXT[], user_id);`, userIDs)
}

func (d *Directory) getMany(ctx context.Context, stmt string, arg any) ([]domain.Member, error) {
	rows, err := d.db.Query(ctx, stmt, arg)
	if err != nil {
		return nil, convert(err, "list users")
	}

	members, err := pgx.CollectRows(rows, scanMember)
	if err != nil {
		return nil, convert(err, "list users")
	}

	return members, nil
}

func scanMember(r pgx.CollectableRow) (domain.Member, error) {
	var m domain.Member
	err := r.Scan(&m.UserID, &m.Name, &m.Picture, &m.SessionID, &m.Ready)
	return m, err
}

type Catalog struct {
	db *pgxpool.Pool
}

func NewCatalog(db *pgxpool.Pool) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) GetAll(ctx context.Context) ([]domain.Card, error) {
	const stmt = `
SELECT card_id, card_number, name, body, picture, type
FROM cards
ORDER BY card_number, card_id;`

	rows, err := c.db.Query(ctx, stmt)
	if err != nil {
		return nil, convert(err, "list cards")
	}

	cards, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Card, error) {
		var (
			card     domain.Card
			cardType string
		)
		if err := r.Scan(&card.CardID, &card.CardNumber, &card.Name, &card.Body, &card.Picture, &cardType); err != nil {
			return domain.Card{}, err
		}
		card.Type = domain.CardType(cardType)
		return card, nil
	})
	if err != nil {
		return nil, convert(err, "list cards")
	}

	return cards, nil
}

// convert maps driver errors onto the error taxonomy: missing rows are NotFound, unique violations
// are AlreadyExists, serialization failures and deadlocks are Unavailable.
func convert(err error, format string, args ...any) error {
	op := fmt.Sprintf(format, args...)

	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("%s: not found", op), errors.WithCause(err))
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("%s: already exists", op), errors.WithCause(err))
		case codeSerializationFailure, codeDeadlockDetected:
			return errors.Unavailable(fmt.Errorf("%s: %w", op, err))
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
