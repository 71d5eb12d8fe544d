package events

import "context"

// EventPublisher is the interface for publishing router events.
type EventPublisher interface {
	PublishDispatchFailed(ctx context.Context, event *DispatchFailedEvent) error
	PublishSession(ctx context.Context, event *SessionEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

func (p *NoOpPublisher) PublishDispatchFailed(_ context.Context, _ *DispatchFailedEvent) error {
	return nil
}

func (p *NoOpPublisher) PublishSession(_ context.Context, _ *SessionEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls callback functions (for testing).
// A nil callback drops its events.
type CallbackPublisher struct {
	onFailed  func(ctx context.Context, event *DispatchFailedEvent) error
	onSession func(ctx context.Context, event *SessionEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(
	onFailed func(ctx context.Context, event *DispatchFailedEvent) error,
	onSession func(ctx context.Context, event *SessionEvent) error,
) *CallbackPublisher {
	return &CallbackPublisher{onFailed: onFailed, onSession: onSession}
}

func (p *CallbackPublisher) PublishDispatchFailed(ctx context.Context, event *DispatchFailedEvent) error {
	if p.onFailed == nil {
		return nil
	}
	return p.onFailed(ctx, event)
}

func (p *CallbackPublisher) PublishSession(ctx context.Context, event *SessionEvent) error {
	if p.onSession == nil {
		return nil
	}
	return p.onSession(ctx, event)
}
