package gateway

import (
	"strings"
	"time"
)

// Status is the internal payment status derived from the gateway vocabulary.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusPaid       Status = "PAID"
	StatusVoided     Status = "VOIDED"
	StatusRefunded   Status = "REFUNDED"
)

// Terminal reports whether no further transition is expected without an
// explicit refund or void action.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusVoided
}

// MapStatus derives the internal status from the gateway's raw code and
// pending reason. Unknown codes map to Pending: a failure is never inferred
// from vocabulary this integration does not recognise.
func MapStatus(code, pendingReason string) Status {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "PAYMENT_SUCCESS":
		return StatusPaid
	case "PAYMENT_PENDING":
		if strings.EqualFold(strings.TrimSpace(pendingReason), "authorization") {
			return StatusAuthorized
		}
		return StatusPending
	default:
		return StatusPending
	}
}

// Session captures one checkout attempt handed to the gateway. The amount is
// fixed at creation and is the basis for validating the amount the gateway
// later echoes back; it is never recomputed from a gateway response.
type Session struct {
	OrderID        string
	MerchantTxnID  string
	MerchantUserID string
	AmountMinor    int64
	CreatedAt      time.Time
}

// Outcome is the normalised result of a single gateway interaction, whether it
// came from a status poll or an inbound callback re-query.
type Outcome struct {
	MerchantTxnID  string
	GatewayTxnID   string
	Code           string
	Message        string
	PendingReason  string
	AmountMinor    int64
	InstrumentType string
	BankReference  string
	Status         Status
	Raw            []byte
}

// RedirectTarget is where the customer browser is sent to complete payment.
type RedirectTarget struct {
	URL           string
	Method        string
	MerchantTxnID string
}
