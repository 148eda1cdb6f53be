package ports

import "drmcore/internal/core/domain"

// InfoListener receives asynchronous events for one client.
type InfoListener interface {
	OnInfo(event domain.Event)
}

// InfoListenerFunc adapts a function to InfoListener.
type InfoListenerFunc func(event domain.Event)

func (f InfoListenerFunc) OnInfo(event domain.Event) { f(event) }

// EventSink is how backends publish events for a client.
type EventSink interface {
	Notify(id domain.UniqueID, event domain.Event)
}
