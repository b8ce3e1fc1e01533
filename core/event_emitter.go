package orchestration

import "github.com/theNetworkChuck/claude-phone-sub000/core/events"

type eventEmitter func(events.Event)

func noopEventEmitter(events.Event) {}

// newSafeEventEmitter shields the call loop from panicking handlers.
func newSafeEventEmitter(handler func(events.Event)) eventEmitter {
	if handler == nil {
		return noopEventEmitter
	}
	return func(event events.Event) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("event handler panicked", "call_id", event.CallID(), "event", event.Kind(), "panic", recovered)
			}
		}()
		handler(event)
	}
}
