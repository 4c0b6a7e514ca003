package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iapkit/iap"
	"github.com/code-payments/iapkit/iap/tests"
	"github.com/code-payments/iapkit/receipt"
)

func TestMemoryVerifier(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	verifier := NewMemoryVerifier(pub)
	validReceiptFunc := func(_ string, body []byte) []byte {
		return GenerateValidReceipt(priv, body)
	}

	teardown := func() {}

	tests.RunGenericVerifierTests(t, verifier, validReceiptFunc, teardown)
}

func TestMemoryVerifier_WrongSigner(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	_, other, err := GenerateKeyPair()
	require.NoError(t, err)

	verifier := NewMemoryVerifier(pub)
	_, err = verifier.Validate(context.Background(), GenerateValidReceipt(other, []byte(`{"status":0}`)))

	var rejected *receipt.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.EqualValues(t, receipt.StatusUnauthenticated, rejected.Status)
}

func TestStaticLocator(t *testing.T) {
	ctx := context.Background()
	locator := NewStaticLocator(nil)

	_, err := locator.Locate(ctx)
	require.ErrorIs(t, err, iap.ErrReceiptNotFound)

	locator.Set([]byte("receipt"))
	data, err := locator.Locate(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("receipt"), data)
	require.Equal(t, 2, locator.Calls())
}
