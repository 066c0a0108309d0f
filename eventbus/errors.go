package eventbus

import (
	"errors"
	"fmt"
)

// ErrBusStopped is returned by Publish after Stop, and by Stop when the bus
// was never started.
var ErrBusStopped = errors.New("event bus stopped")

// ErrQueueFull is returned by TryPublish when the queue has no room.
var ErrQueueFull = errors.New("event queue full")

// ValidationError reports an event rejected by the validation middleware.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// HandlerError wraps an error returned by a subscriber, identifying which
// handler failed for which event type.
type HandlerError struct {
	EventType      string
	SubscriptionID SubscriptionID
	Cause          error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for %s: %v", e.SubscriptionID, e.EventType, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }
