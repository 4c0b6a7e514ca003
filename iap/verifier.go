package iap

import (
	"context"

	"github.com/code-payments/iapkit/receipt"
)

type Verifier interface {

	// Validate sends the raw receipt data (for iOS the app store receipt
	// file, for Android a purchase token, for memory a signed payload) to the
	// platform authority and returns the authoritative purchase it lists.
	Validate(ctx context.Context, receiptData []byte) (*receipt.Receipt, error)
}

// Invalidator is implemented by verifiers that cache validations.
type Invalidator interface {
	Invalidate(receiptData []byte)
}
