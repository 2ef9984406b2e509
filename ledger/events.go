package ledger

import (
	"context"
	"log/slog"
)

// EventHandler consumes committed transitions. HandleEvent is called after
// the atomic block commits and must not block for long; slow work belongs
// on the handler's own queue. Errors are logged and never undo the commit.
//
// Delivery is at-least-once (ReplayEvents re-delivers), so handlers dedup on
// {TxID, Event.ID}.
type EventHandler interface {
	HandleEvent(ctx context.Context, env EventEnvelope) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, env EventEnvelope) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, env EventEnvelope) error {
	return f(ctx, env)
}

// publish hands committed envelopes to the handler. The caller's ctx may be
// cancelled once the response is written, so delivery detaches from it.
func (l *Ledger) publish(ctx context.Context, envs []EventEnvelope) {
	if l.handler == nil || len(envs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, env := range envs {
		if err := l.handler.HandleEvent(ctx, env); err != nil {
			l.logger.WarnContext(ctx, "event handler failed",
				slog.String("business_id", env.BusinessID),
				slog.String("tx_id", env.TxID),
				slog.String("event_id", env.Event.ID),
				slog.String("event_type", string(env.Event.Type)),
				slog.Any("error", err),
			)
		}
	}
}
