package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/victornm/partyquiz/internal/domain"
	"github.com/victornm/partyquiz/internal/errors"
	"github.com/victornm/partyquiz/internal/event"
	"github.com/victornm/partyquiz/internal/telemetry"
)

// Channel delivers named events to realtime connections and groups of them.
type Channel interface {
	SendToGroup(ctx context.Context, group, event string, args ...any) error
	SendToConnection(ctx context.Context, connectionID, event string, args ...any) error
	AddToGroup(ctx context.Context, connectionID, group string) error
	// RemoveFromAllGroups returns the groups the connection was removed from.
	RemoveFromAllGroups(ctx context.Context, connectionID string) ([]string, error)
}

type MemberLookup interface {
	GetByPrincipal(ctx context.Context, p domain.Principal) (*domain.Member, error)
}

type SessionLookup interface {
	GetByID(ctx context.Context, sessionID string) (*domain.Session, error)
}

type Config struct {
	EventBus *event.Bus
	Channel  Channel
	Members  MemberLookup
	Sessions SessionLookup
}

// Coordinator keeps the channel's groups in line with session membership. Groups are named by session code.
// The session state stays authoritative, groups only follow it.
type Coordinator struct {
	eb       *event.Bus
	channel  Channel
	members  MemberLookup
	sessions SessionLookup
}

func NewCoordinator(c Config) *Coordinator {
	co := &Coordinator{
		eb:       c.EventBus,
		channel:  c.Channel,
		members:  c.Members,
		sessions: c.Sessions,
	}

	co.eb.Subscribe(domain.EventNameBroadcastRequested, func(ctx context.Context, e event.Event) error {
		return co.send(ctx, e.(domain.EventBroadcastRequested).Broadcast)
	})

	return co
}

// Dispatch hands the broadcast to the event bus and returns without waiting for delivery.
// Broadcasts to the same group are sent in dispatch order. A nil broadcast is ignored.
func (c *Coordinator) Dispatch(ctx context.Context, b *domain.Broadcast) {
	if b == nil {
		return
	}

	c.eb.Publish(ctx, domain.EventBroadcastRequested{Broadcast: *b})
}

func (c *Coordinator) send(ctx context.Context, b domain.Broadcast) error {
	if err := c.channel.SendToGroup(ctx, b.Group, b.Event, b.Args...); err != nil {
		return fmt.Errorf("broadcast %s to %s: %w", b.Event, b.Group, err)
	}

	telemetry.BroadcastSent(b.Event)
	return nil
}

// OnConnectionEstablished tells a new connection its own ID, which the client needs to join a group.
func (c *Coordinator) OnConnectionEstablished(ctx context.Context, connectionID string) error {
	if err := c.channel.SendToConnection(ctx, connectionID, domain.EventNameNewConnection, connectionID); err != nil {
		return fmt.Errorf("send connection ID: %w", err)
	}

	return nil
}

type JoinGroupRequest struct {
	Principal    domain.Principal
	ConnectionID string
}

// JoinGroup subscribes the connection to the group of the caller's current session and announces the player.
// A caller outside any session is left alone.
func (c *Coordinator) JoinGroup(ctx context.Context, req JoinGroupRequest) error {
	if req.ConnectionID == "" {
		return errors.BadRequest("connection ID is required")
	}

	if req.Principal.Subject == "" {
		return errors.Unauthenticated("missing principal")
	}

	m, err := c.members.GetByPrincipal(ctx, req.Principal)
	if errors.Is(err, errors.CodeNotFound) {
		return errors.Unauthenticated("unknown user")
	}
	if err != nil {
		return errors.Convert(fmt.Errorf("get member: %w", err))
	}

	if !m.InSession() {
		return nil
	}

	ss, err := c.sessions.GetByID(ctx, m.SessionID)
	if errors.Is(err, errors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return errors.Convert(fmt.Errorf("get session: %w", err))
	}

	if err := c.channel.AddToGroup(ctx, req.ConnectionID, ss.Code); err != nil {
		return errors.Convert(fmt.Errorf("add to group: %w", err))
	}

	slog.InfoContext(ctx, "broadcast: connection joined group", "connection", req.ConnectionID, "group", ss.Code, "user", m.UserID)

	c.Dispatch(ctx, domain.NewBroadcast(ss.Code, domain.EventNameNewPlayer, m.Summary()))
	return nil
}

// OnConnectionLost drops the connection from every group and tells those groups, by connection ID.
func (c *Coordinator) OnConnectionLost(ctx context.Context, connectionID string) error {
	groups, err := c.channel.RemoveFromAllGroups(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("remove from groups: %w", err)
	}

	for _, g := range groups {
		c.Dispatch(ctx, domain.NewBroadcast(g, domain.EventNamePlayerLeft, connectionID))
	}

	slog.InfoContext(ctx, "broadcast: connection lost", "connection", connectionID, "groups", len(groups))
	return nil
}
