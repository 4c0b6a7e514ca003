package iap

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// GetReceiptID returns a stable identifier for raw receipt data, suitable as
// a cache or log key.
func GetReceiptID(receiptData []byte) string {
	hasher := sha256.New()
	hasher.Write(receiptData)
	return base58.Encode(hasher.Sum(nil))
}
