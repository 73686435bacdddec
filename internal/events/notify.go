package events

import (
	"context"

	"github.com/rs/zerolog"
)

// SubscribePaymentLog attaches a log notifier for every payment topic. Both
// processes wire this at boot so reconciliation outcomes are visible in logs
// even when no downstream consumer is configured.
func SubscribePaymentLog(b *Bus, logger zerolog.Logger) {
	topics := []string{
		TopicPaymentAuthorized,
		TopicPaymentPaid,
		TopicPaymentVoided,
		TopicPaymentRefunded,
		TopicPollTimedOut,
	}
	for _, topic := range topics {
		b.Subscribe(topic, func(_ context.Context, e Event) {
			logger.Info().
				Str("topic", e.Topic).
				Str("event_id", e.ID).
				Interface("payload", e.Payload).
				Msg("payment_event")
		})
	}
}
