package domain

// Names of the events sent to clients over the broadcast channel.
const (
	EventNameNewConnection     = "newConnection"
	EventNameNewPlayer         = "newPlayer"
	EventNamePlayerLeft        = "playerLeft"
	EventNameReadyStateChanged = "readyStateChanged"
	EventNameStartGame         = "startGame"
	EventNameNextRound         = "nextRound"
	EventNameNewAnswer         = "newAnswer"
	EventNameNewMessage        = "newMessage"
	EventNameEndSession        = "endSession"
)

// Names of the events published on the in-process event bus.
const (
	EventNameBroadcastRequested = "broadcast.requested"
)

// Broadcast describes a message to deliver to every connection of a group.
type Broadcast struct {
	Group string
	Event string
	Args  []any
}

func NewBroadcast(group, event string, args ...any) *Broadcast {
	return &Broadcast{Group: group, Event: event, Args: args}
}

type EventBroadcastRequested struct {
	Broadcast Broadcast
}

func (EventBroadcastRequested) Name() string { return EventNameBroadcastRequested }

// Key orders dispatch: broadcasts to the same group are delivered in publish order.
func (e EventBroadcastRequested) Key() string { return e.Broadcast.Group }

// StartGame is the payload of the startGame event.
type StartGame struct {
	Cards         []Card `json:"cards"`
	RoundDuration int    `json:"roundDuration"`
}
