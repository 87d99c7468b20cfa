package interfaces

// EventPublisher pushes reconciliation events to whatever broker is wired in.
type EventPublisher interface {
	Publish(topic string, event any) error
}
