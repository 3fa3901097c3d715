package domain

import (
	"crypto/sha1" //nolint:gosec // not used for security, only to derive a short join code
	"encoding/hex"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusLobby     Status = "lobby"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no operation may transition out of the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CodeLength is the length of a session join code.
const CodeLength = 4

// Session represents one play-through of the game.
type Session struct {
	SessionID     string
	Code          string
	Created       time.Time
	Status        Status
	HostID        string
	RoundCount    int
	RoundDuration int // seconds
	CurrentRound  int
	// Cards is empty while in the lobby and has exactly RoundCount entries afterwards.
	Cards []Card
	// Participants holds every user that ever joined, in join order.
	Participants []string
}

// IsHost reports whether the user hosts the session.
func (s *Session) IsHost(userID string) bool {
	return s.HostID == userID
}

// AddParticipant records the user as a participant once.
func (s *Session) AddParticipant(userID string) {
	for _, p := range s.Participants {
		if p == userID {
			return
		}
	}
	s.Participants = append(s.Participants, userID)
}

// GenerateCode derives the join code from the session ID: the first 4 hex characters of its SHA-1.
func GenerateCode(sessionID string) string {
	h := sha1.Sum([]byte(sessionID)) //nolint:gosec
	return hex.EncodeToString(h[:])[:CodeLength]
}

// Member is the session-relevant subset of a user.
type Member struct {
	UserID  string
	Name    string
	Picture string
	// SessionID is the user's current session, empty when not in one.
	SessionID string
	Ready     bool
}

// InSession reports whether the member currently belongs to a session.
func (m *Member) InSession() bool {
	return m.SessionID != ""
}

// Join points the member at a session. Ready is reset whenever the current session changes.
func (m *Member) Join(sessionID string) {
	m.SessionID = sessionID
	m.Ready = false
}

// Leave clears the session pointer. It is idempotent.
func (m *Member) Leave() {
	m.SessionID = ""
	m.Ready = false
}

// Principal is the authenticated identity of a caller.
type Principal struct {
	Subject string
}

type CardType string

const (
	CardTypeQuestion  CardType = "question"
	CardTypeChallenge CardType = "challenge"
)

// Card is a prompt played during one round.
type Card struct {
	CardID     string   `json:"id"`
	CardNumber int      `json:"number"`
	Name       string   `json:"name"`
	Body       string   `json:"body,omitempty"`
	Picture    string   `json:"picture,omitempty"`
	Type       CardType `json:"type"`
}

type ResponseKind string

const (
	ResponseKindAnswer     ResponseKind = "answer"
	ResponseKindConclusion ResponseKind = "conclusion"
)

// Response is an immutable text submission for a round.
type Response struct {
	ResponseID string
	SessionID  string
	Round      int
	AuthorID   string
	Content    string
	Kind       ResponseKind
	CreatedAt  time.Time
}

// AnswerKey identifies the single answer a user may give in a round.
type AnswerKey struct {
	SessionID string
	AuthorID  string
	Round     int
}

func (r Response) AnswerKey() AnswerKey {
	return AnswerKey{SessionID: r.SessionID, AuthorID: r.AuthorID, Round: r.Round}
}

// PlayerSummary is the public view of a member shown to other players.
type PlayerSummary struct {
	UserID  string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
	Ready   bool   `json:"ready"`
}

func (m *Member) Summary() PlayerSummary {
	return PlayerSummary{
		UserID:  m.UserID,
		Name:    m.Name,
		Picture: m.Picture,
		Ready:   m.Ready,
	}
}

// Lobby is the session summary returned to players that create or join a session.
type Lobby struct {
	SessionID string          `json:"id"`
	HostID    string          `json:"hostId"`
	Code      string          `json:"sessionCode"`
	Created   time.Time       `json:"created"`
	Players   []PlayerSummary `json:"players"`
}

// History is a session with everything needed to replay it read-only.
type History struct {
	Session   Session
	Members   []Member
	Responses []Response
}
