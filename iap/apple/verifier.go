package apple

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/iapkit/iap"
	"github.com/code-payments/iapkit/receipt"
)

const (
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	SandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
)

type Option func(*Client)

// WithURLs overrides the production and sandbox endpoints.
func WithURLs(production, sandbox string) Option {
	return func(c *Client) {
		c.productionURL = production
		c.sandboxURL = sandbox
	}
}

// WithSharedSecret sets the app-specific shared secret sent as "password",
// which is required to validate auto-renewable subscriptions.
func WithSharedSecret(secret string) Option {
	return func(c *Client) {
		c.sharedSecret = secret
	}
}

func WithExcludeOldTransactions(exclude bool) Option {
	return func(c *Client) {
		c.excludeOldTransactions = exclude
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client validates receipts with the App Store verifyReceipt endpoint. A
// sandbox receipt sent to production is retried once against the sandbox.
type Client struct {
	log        *zap.Logger
	httpClient *http.Client

	productionURL string
	sandboxURL    string

	sharedSecret           string
	excludeOldTransactions bool
}

func NewClient(log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		log:           log,
		httpClient:    http.DefaultClient,
		productionURL: ProductionURL,
		sandboxURL:    SandboxURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ iap.Verifier = (*Client)(nil)

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions,omitempty"`
}

func (c *Client) Validate(ctx context.Context, receiptData []byte) (*receipt.Receipt, error) {
	payload, err := json.Marshal(&verifyRequest{
		ReceiptData:            base64.StdEncoding.EncodeToString(receiptData),
		Password:               c.sharedSecret,
		ExcludeOldTransactions: c.excludeOldTransactions,
	})
	if err != nil {
		return nil, &iap.EncodingError{Cause: err}
	}

	r, err := c.post(ctx, c.productionURL, payload)
	if !errors.Is(err, receipt.ErrSandboxRedirect) {
		return r, err
	}

	c.log.Debug("Retrying sandbox receipt against sandbox endpoint")

	r, err = c.post(ctx, c.sandboxURL, payload)
	if errors.Is(err, receipt.ErrSandboxRedirect) {
		return nil, &receipt.RejectedError{Status: receipt.StatusSandboxReceipt}
	}
	return r, err
}

// post sends one verification request. The HTTP status code is ignored; the
// response body's own status decides the outcome.
func (c *Client) post(ctx context.Context, url string, payload []byte) (*receipt.Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &iap.TransportError{Cause: pkgerrors.Wrap(err, "failed to create request")}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &iap.TransportError{Cause: pkgerrors.Wrap(err, "failed to send request")}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &iap.TransportError{Cause: pkgerrors.Wrap(err, "failed to read response body")}
	}

	if resp.StatusCode != http.StatusOK {
		c.log.Debug("Unexpected http status code", zap.String("url", url), zap.Int("status_code", resp.StatusCode))
	}

	return receipt.Parse(body)
}
