package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/DevnProgg/MyPay/internal/providers"
)

// Fingerprint identifies a provider event across redeliveries. It uses the
// provider's own event key when the adapter found one, else the payload bytes.
func Fingerprint(provider string, parsed *providers.WebhookResult, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(provider)))
	h.Write([]byte{'|'})
	if parsed != nil && parsed.DedupKey != "" {
		h.Write([]byte(parsed.ProviderTransactionID))
		h.Write([]byte{'|'})
		h.Write([]byte(parsed.DedupKey))
	} else {
		h.Write(payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}
