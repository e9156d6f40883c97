package resource

// ID identifies an entry in a table. IDs below the table's base are never issued.
type ID uint32

// Event types for entry lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

// Event represents an entry lifecycle event.
type Event[T any] struct {
	Value T
	ID    ID
	Type  EventType
}

// Observer receives notifications about entry lifecycle events.
type Observer[T any] interface {
	OnResourceEvent(Event[T])
}

// Dropper is optionally implemented by values that need cleanup when dropped.
type Dropper interface {
	Drop()
}
