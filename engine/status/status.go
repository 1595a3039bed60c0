// Package status emits the Iteration Controller's status events (spec.md
// §4.1, §6): acknowledged, processing, typing, ready, cancelled, error,
// accepted, pending, each correlated to the triggering event and appended
// to the Session Event Log.
//
// Grounded on runtime/agent/stream.Sink's event-emission shape (a thin
// wrapper that appends typed lifecycle events to a shared log).
package status

import (
	"context"

	"goa.design/goa-ai/engine/sessionlog"
)

// Emitter appends status events to a session's event log.
type Emitter struct {
	store sessionlog.Store
}

// New constructs an Emitter over store.
func New(store sessionlog.Store) *Emitter {
	return &Emitter{store: store}
}

// Emit appends a single status event with the given status string and
// correlation id, returning the stored event.
func (e *Emitter) Emit(ctx context.Context, sessionID, correlationID, statusValue string, extra map[string]any) (sessionlog.Event, error) {
	data := map[string]any{"status": statusValue}
	for k, v := range extra {
		data[k] = v
	}
	return e.store.Append(ctx, sessionlog.Event{
		SessionID:     sessionID,
		Kind:          sessionlog.KindStatus,
		Source:        sessionlog.SourceSystem,
		CorrelationID: correlationID,
		Data:          data,
	})
}

// Acknowledged, Processing, Typing, Ready, Cancelled, and Error emit the
// fixed status-lifecycle events the state machine in spec.md §4.1 names.
func (e *Emitter) Acknowledged(ctx context.Context, sessionID, correlationID string) (sessionlog.Event, error) {
	return e.Emit(ctx, sessionID, correlationID, sessionlog.StatusAcknowledged, nil)
}

func (e *Emitter) Processing(ctx context.Context, sessionID, correlationID string) (sessionlog.Event, error) {
	return e.Emit(ctx, sessionID, correlationID, sessionlog.StatusProcessing, nil)
}

func (e *Emitter) Typing(ctx context.Context, sessionID, correlationID string) (sessionlog.Event, error) {
	return e.Emit(ctx, sessionID, correlationID, sessionlog.StatusTyping, nil)
}

func (e *Emitter) Ready(ctx context.Context, sessionID, correlationID string) (sessionlog.Event, error) {
	return e.Emit(ctx, sessionID, correlationID, sessionlog.StatusReady, nil)
}

func (e *Emitter) Cancelled(ctx context.Context, sessionID, correlationID string) (sessionlog.Event, error) {
	return e.Emit(ctx, sessionID, correlationID, sessionlog.StatusCancelled, nil)
}

func (e *Emitter) Error(ctx context.Context, sessionID, correlationID, reason string) (sessionlog.Event, error) {
	return e.Emit(ctx, sessionID, correlationID, sessionlog.StatusError, map[string]any{"reason": reason})
}
