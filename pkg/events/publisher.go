package events

import "context"

// Publisher delivers lifecycle events. Publishing is best effort: callers
// log errors and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// CallbackPublisher hands every event to a function. Used by tests.
type CallbackPublisher struct {
	callback func(ctx context.Context, event Event) error
}

// NewCallbackPublisher creates a CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event Event) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

func (p *CallbackPublisher) Publish(ctx context.Context, event Event) error {
	return p.callback(ctx, event)
}

func (p *CallbackPublisher) Close() error { return nil }
