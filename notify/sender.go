package notify

import (
	"context"
	"log/slog"
)

// Sender is the outbound gateway boundary (SMS, WhatsApp, email).
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogSender logs notifications instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String("type", n.Type),
		slog.String("recipient", n.Recipient),
		slog.String("business_id", n.BusinessID),
		slog.String("tx_id", n.TxID),
		slog.String("body", n.Body),
	)
	return nil
}
