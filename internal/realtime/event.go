package realtime

import (
	"time"

	"parley/internal/db"
)

type EventType string

const (
	EventMessage  EventType = "message"
	EventReaction EventType = "reaction"
	EventTyping   EventType = "typing"
)

// Event is what listeners and websocket clients receive.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id"`
	Op        db.Op     `json:"op"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type Listener func(Event)

var eventTables = map[string]EventType{
	db.TableMessages:  EventMessage,
	db.TableReactions: EventReaction,
	db.TableTyping:    EventTyping,
}

func watchedTables() []string {
	return []string{db.TableMessages, db.TableReactions, db.TableTyping}
}

func toEvent(c db.Change) (Event, bool) {
	t, ok := eventTables[c.Table]
	if !ok {
		return Event{}, false
	}
	return Event{Type: t, ChannelID: c.ChannelID, Op: c.Op, Data: c.Row, Timestamp: c.At}, true
}
