package gateway

import (
	"fmt"
	"strings"

	"github.com/noah-isme/payrecon/internal/common"
)

// Endpoint paths participating in the checksum the gateway verifies.
const (
	payPath        = "/pg/v1/pay"
	statusPathBase = "/pg/v1/status"
)

// Sign computes the gateway checksum for a canonical payload: the lowercase
// hex SHA-256 of payload+salt. For initiation the payload is the base64 body
// followed by the pay endpoint path; for status checks it is the status
// endpoint path alone.
func Sign(payload, salt string) string {
	return common.Sha256Hex(payload + salt)
}

// VerifyHeader renders the X-VERIFY header value the gateway expects:
// digest followed by "###" and the index of the salt that produced it.
func VerifyHeader(payload, salt string, saltIndex int) string {
	if saltIndex <= 0 {
		saltIndex = 1
	}
	return fmt.Sprintf("%s###%d", Sign(payload, salt), saltIndex)
}

// StatusPath builds the status endpoint path for a transaction.
func StatusPath(merchantID, merchantTxnID string) string {
	return fmt.Sprintf("%s/%s/%s", statusPathBase, strings.TrimSpace(merchantID), strings.TrimSpace(merchantTxnID))
}
