package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyquiz/internal/domain"
)

func TestGenerateCode(t *testing.T) {
	// sha1("abc") = a9993e36...
	assert.Equal(t, "a999", domain.GenerateCode("abc"))

	id := "0192a4c4-0b3e-7c1a-9d4e-1f2a3b4c5d6e"
	c := domain.GenerateCode(id)
	require.Len(t, c, domain.CodeLength)
	assert.Equal(t, c, domain.GenerateCode(id), "code must be stable for the same ID")
	assert.Regexp(t, "^[0-9a-f]{4}$", c)
}

func TestSession_AddParticipant(t *testing.T) {
	s := &domain.Session{}
	s.AddParticipant("u1")
	s.AddParticipant("u2")
	s.AddParticipant("u1")

	assert.Equal(t, []string{"u1", "u2"}, s.Participants)
}

func TestMember_JoinLeave(t *testing.T) {
	m := &domain.Member{UserID: "u1", Ready: true}

	m.Join("s1")
	assert.True(t, m.InSession())
	assert.False(t, m.Ready, "joining resets ready")

	m.Ready = true
	m.Leave()
	m.Leave()
	assert.False(t, m.InSession())
	assert.False(t, m.Ready)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, domain.StatusLobby.Terminal())
	assert.False(t, domain.StatusActive.Terminal())
	assert.True(t, domain.StatusCompleted.Terminal())
	assert.True(t, domain.StatusCancelled.Terminal())
}
