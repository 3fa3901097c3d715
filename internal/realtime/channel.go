package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const maxConcurrent = 100

// Notification is the frame written to clients.
type Notification struct {
	Event string `json:"event"`
	Args  []any  `json:"args"`
}

type ChannelConfig struct {
	Registry Registry
	Relay    Relay
}

// Channel sends events to connections and groups of connections.
type Channel struct {
	registry Registry
	relay    Relay
}

func NewChannel(c ChannelConfig) *Channel {
	return &Channel{
		registry: c.Registry,
		relay:    c.Relay,
	}
}

func (c *Channel) SendToGroup(ctx context.Context, group, event string, args ...any) error {
	members, err := c.registry.Members(ctx, group)
	if err != nil {
		return err
	}

	if len(members) == 0 {
		return nil
	}

	b, err := encode(event, args)
	if err != nil {
		return err
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, id := range members {
		id := id
		eg.Go(func() error {
			return c.relay.Publish(ctx, id, b)
		})
	}

	return eg.Wait()
}

func (c *Channel) SendToConnection(ctx context.Context, connectionID, event string, args ...any) error {
	b, err := encode(event, args)
	if err != nil {
		return err
	}

	return c.relay.Publish(ctx, connectionID, b)
}

func (c *Channel) AddToGroup(ctx context.Context, connectionID, group string) error {
	return c.registry.Add(ctx, connectionID, group)
}

func (c *Channel) RemoveFromAllGroups(ctx context.Context, connectionID string) ([]string, error) {
	return c.registry.RemoveAll(ctx, connectionID)
}

func encode(event string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}

	b, err := json.Marshal(Notification{Event: event, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}

	return b, nil
}
