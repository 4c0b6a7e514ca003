package apple

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iapkit/iap"
	"github.com/code-payments/iapkit/iap/tests"
	"github.com/code-payments/iapkit/receipt"
)

// testEndpoint serves canned verification responses keyed by receipt data.
type testEndpoint struct {
	*httptest.Server

	calls atomic.Int32

	mu        sync.Mutex
	responses map[string][]byte
	requests  []verifyRequest
	httpCode  int
}

func newTestEndpoint(t *testing.T) *testEndpoint {
	e := &testEndpoint{
		responses: make(map[string][]byte),
		httpCode:  http.StatusOK,
	}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.calls.Add(1)

		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		e.mu.Lock()
		e.requests = append(e.requests, req)
		body, ok := e.responses[req.ReceiptData]
		code := e.httpCode
		e.mu.Unlock()

		if !ok {
			body = []byte(`{"status": 21002}`)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(body)
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *testEndpoint) respond(receiptData []byte, body []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.responses[base64.StdEncoding.EncodeToString(receiptData)] = body
}

func (e *testEndpoint) lastRequest() verifyRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.requests[len(e.requests)-1]
}

func newTestClient(production, sandbox *testEndpoint, opts ...Option) *Client {
	opts = append([]Option{WithURLs(production.URL, sandbox.URL)}, opts...)
	return NewClient(zap.NewNop(), opts...)
}

func TestAppleVerifier(t *testing.T) {
	production := newTestEndpoint(t)
	sandbox := newTestEndpoint(t)
	verifier := newTestClient(production, sandbox)

	validReceiptFunc := func(productID string, body []byte) []byte {
		receiptData := []byte("receipt:" + productID)
		production.respond(receiptData, body)
		return receiptData
	}

	teardown := func() {}

	tests.RunGenericVerifierTests(t, verifier, validReceiptFunc, teardown)
	require.EqualValues(t, 0, sandbox.calls.Load())
}

func TestAppleVerifier_RequestBody(t *testing.T) {
	production := newTestEndpoint(t)
	sandbox := newTestEndpoint(t)

	receiptData := []byte{0x00, 0x01, 0xfe, 0xff}
	production.respond(receiptData, []byte(`{"status": 0, "receipt": {"in_app": [{"product_id": "a"}]}}`))

	_, err := newTestClient(production, sandbox).Validate(context.Background(), receiptData)
	require.NoError(t, err)

	req := production.lastRequest()
	require.Equal(t, base64.StdEncoding.EncodeToString(receiptData), req.ReceiptData)
	require.Empty(t, req.Password)
	require.False(t, req.ExcludeOldTransactions)

	_, err = newTestClient(production, sandbox, WithSharedSecret("secret"), WithExcludeOldTransactions(true)).Validate(context.Background(), receiptData)
	require.NoError(t, err)

	req = production.lastRequest()
	require.Equal(t, "secret", req.Password)
	require.True(t, req.ExcludeOldTransactions)
}

func TestAppleVerifier_SandboxFallback(t *testing.T) {
	production := newTestEndpoint(t)
	sandbox := newTestEndpoint(t)

	receiptData := []byte("sandbox receipt")
	production.respond(receiptData, []byte(`{"status": 21007}`))
	sandbox.respond(receiptData, []byte(`{"status": 0, "receipt": {"in_app": [{"product_id": "com.example.pro", "transaction_id": "42"}]}}`))

	r, err := newTestClient(production, sandbox).Validate(context.Background(), receiptData)
	require.NoError(t, err)
	require.Equal(t, "com.example.pro", r.ProductID)
	require.Equal(t, "42", r.TransactionID)

	require.EqualValues(t, 1, production.calls.Load())
	require.EqualValues(t, 1, sandbox.calls.Load())
}

func TestAppleVerifier_SandboxRedirectTwice(t *testing.T) {
	production := newTestEndpoint(t)
	sandbox := newTestEndpoint(t)

	receiptData := []byte("confused receipt")
	production.respond(receiptData, []byte(`{"status": 21007}`))
	sandbox.respond(receiptData, []byte(`{"status": 21007}`))

	_, err := newTestClient(production, sandbox).Validate(context.Background(), receiptData)

	var rejected *receipt.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.EqualValues(t, receipt.StatusSandboxReceipt, rejected.Status)
	require.ErrorIs(t, err, receipt.ErrRemoteRejected)

	require.EqualValues(t, 1, production.calls.Load())
	require.EqualValues(t, 1, sandbox.calls.Load())
}

func TestAppleVerifier_RejectedWithoutSandbox(t *testing.T) {
	production := newTestEndpoint(t)
	sandbox := newTestEndpoint(t)

	_, err := newTestClient(production, sandbox).Validate(context.Background(), []byte("unknown"))

	var rejected *receipt.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.EqualValues(t, 21002, rejected.Status)
	require.Contains(t, err.Error(), "21002")

	require.EqualValues(t, 1, production.calls.Load())
	require.EqualValues(t, 0, sandbox.calls.Load())
}

func TestAppleVerifier_IgnoresHTTPStatus(t *testing.T) {
	production := newTestEndpoint(t)
	sandbox := newTestEndpoint(t)

	receiptData := []byte("receipt")
	production.httpCode = http.StatusInternalServerError
	production.respond(receiptData, []byte(`{"status": 0, "receipt": {"in_app": [{"product_id": "a"}]}}`))

	r, err := newTestClient(production, sandbox).Validate(context.Background(), receiptData)
	require.NoError(t, err)
	require.Equal(t, "a", r.ProductID)
}

func TestAppleVerifier_MalformedResponse(t *testing.T) {
	production := newTestEndpoint(t)
	sandbox := newTestEndpoint(t)

	receiptData := []byte("receipt")
	production.respond(receiptData, []byte(`<html>maintenance</html>`))

	_, err := newTestClient(production, sandbox).Validate(context.Background(), receiptData)
	require.ErrorIs(t, err, receipt.ErrMalformedResponse)
}

func TestAppleVerifier_TransportError(t *testing.T) {
	production := newTestEndpoint(t)
	sandbox := newTestEndpoint(t)
	client := newTestClient(production, sandbox)
	production.Close()

	_, err := client.Validate(context.Background(), []byte("receipt"))
	require.ErrorIs(t, err, iap.ErrTransport)

	var transportErr *iap.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.NotNil(t, transportErr.Cause)
	require.EqualValues(t, 0, sandbox.calls.Load())
}

func TestAppleVerifier_ContextCancelled(t *testing.T) {
	production := newTestEndpoint(t)
	sandbox := newTestEndpoint(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(production, sandbox).Validate(ctx, []byte("receipt"))
	require.ErrorIs(t, err, iap.ErrTransport)
	require.ErrorIs(t, err, context.Canceled)
}
