package events

// Topics emitted by the reconciliation engine.
const (
	TopicPaymentAuthorized = "payment.authorized"
	TopicPaymentPaid       = "payment.paid"
	TopicPaymentVoided     = "payment.voided"
	TopicPaymentRefunded   = "payment.refunded"
	TopicPollTimedOut      = "payment.poll_timed_out"
)
