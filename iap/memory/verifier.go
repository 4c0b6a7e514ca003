package memory

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"

	"github.com/code-payments/iapkit/iap"
	"github.com/code-payments/iapkit/receipt"
)

// MemoryVerifier is an in-memory verifier that checks an ed25519 signature on
// the receipt. For testing purposes, the "receipt" is a verification
// response body which, when signed by the owner secret, is trusted as if the
// remote authority had returned it.
type MemoryVerifier struct {
	publicKey ed25519.PublicKey
}

// NewMemoryVerifier creates a new MemoryVerifier from a given public key.
func NewMemoryVerifier(pubKey ed25519.PublicKey) iap.Verifier {
	return &MemoryVerifier{publicKey: pubKey}
}

func (m *MemoryVerifier) Validate(_ context.Context, receiptData []byte) (*receipt.Receipt, error) {
	// The receipt format is: base64(signature)|body

	signature, body, err := parseReceipt(receiptData)
	if err != nil {
		return nil, &receipt.RejectedError{Status: receipt.StatusMalformedReceipt}
	}

	if !ed25519.Verify(m.publicKey, body, signature) {
		return nil, &receipt.RejectedError{Status: receipt.StatusUnauthenticated}
	}

	return receipt.Parse(body)
}

func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// GenerateValidReceipt signs a verification response body with owner.
func GenerateValidReceipt(owner ed25519.PrivateKey, body []byte) []byte {
	signature := ed25519.Sign(owner, body)

	var buf bytes.Buffer
	buf.WriteString(base64.StdEncoding.EncodeToString(signature))
	buf.WriteByte('|')
	buf.Write(body)
	return buf.Bytes()
}

func parseReceipt(receiptData []byte) (signature []byte, body []byte, err error) {
	encoded, body, found := bytes.Cut(receiptData, []byte("|"))
	if !found {
		return nil, nil, receipt.ErrMalformedResponse
	}

	signature, err = base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, nil, err
	}
	return signature, body, nil
}
