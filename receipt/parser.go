package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

const (
	StatusOK = 0

	StatusMalformedReceipt = 21002
	StatusUnauthenticated  = 21003

	// StatusSandboxReceipt is returned by the production endpoint for a
	// receipt issued in the test environment.
	StatusSandboxReceipt = 21007
)

var (
	ErrMalformedResponse       = errors.New("malformed verification response")
	ErrSandboxRedirect         = errors.New("sandbox receipt sent to production")
	ErrRemoteRejected          = errors.New("receipt rejected by verification service")
	ErrNoPurchasesFound        = errors.New("no in-app purchases found in receipt")
	ErrMalformedPurchaseRecord = errors.New("malformed in-app purchase record")
)

var statusText = map[int64]string{
	21000: "request was not an HTTP POST",
	21002: "receipt data was malformed",
	21003: "receipt could not be authenticated",
	21004: "shared secret does not match",
	21005: "receipt server is unavailable",
	21006: "subscription has expired",
	21007: "sandbox receipt sent to production",
	21008: "production receipt sent to sandbox",
	21009: "internal data access error",
	21010: "user account cannot be found",
}

// RejectedError is a non-zero status reported by the verification service.
type RejectedError struct {
	Status int64
}

func (e *RejectedError) Error() string {
	if text, ok := statusText[e.Status]; ok {
		return fmt.Sprintf("receipt rejected with status %d: %s", e.Status, text)
	}
	return fmt.Sprintf("receipt rejected with status %d", e.Status)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRemoteRejected
}

// Parse decodes a verification response body and extracts the authoritative
// purchase. A sandbox receipt sent to production yields ErrSandboxRedirect.
func Parse(body []byte) (*Receipt, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var resp map[string]any
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after response", ErrMalformedResponse)
	}
	return ParseResponse(resp)
}

// ParseResponse is Parse over an already decoded JSON object.
func ParseResponse(resp map[string]any) (*Receipt, error) {
	status, ok := intValue(resp["status"])
	if !ok {
		return nil, fmt.Errorf("%w: missing integer status", ErrMalformedResponse)
	}

	switch status {
	case StatusOK:
	case StatusSandboxReceipt:
		return nil, ErrSandboxRedirect
	default:
		return nil, &RejectedError{Status: status}
	}

	records, ok := inAppRecords(resp)
	if !ok {
		return nil, ErrNoPurchasesFound
	}

	latest := records[authoritativeIndex(records)]

	productID, ok := latest["product_id"].(string)
	if !ok || productID == "" {
		return nil, ErrMalformedPurchaseRecord
	}

	r := &Receipt{
		ProductID:      productID,
		ExpirationDate: recordDate(latest, "expires_date_ms", "expires_date"),
		PurchaseDate:   recordDate(latest, "purchase_date_ms", "purchase_date"),
		IsTrialPeriod:  latest["is_trial_period"] == "true",
	}
	if txID, ok := latest["transaction_id"].(string); ok {
		r.TransactionID = txID
	}
	if group, ok := latest["subscription_group_identifier"]; ok && group != nil {
		r.IsSubscription = true
	}
	return r, nil
}

func inAppRecords(resp map[string]any) ([]map[string]any, bool) {
	body, ok := resp["receipt"].(map[string]any)
	if !ok {
		return nil, false
	}
	raw, ok := body["in_app"].([]any)
	if !ok || len(raw) == 0 {
		return nil, false
	}

	records := make([]map[string]any, len(raw))
	for i, item := range raw {
		record, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		records[i] = record
	}
	return records, true
}

// authoritativeIndex picks the record expiring last. Records without an
// expiration rank below any dated record; ties keep the earliest index.
func authoritativeIndex(records []map[string]any) int {
	var (
		best    int
		bestAt  time.Time
		hasDate bool
	)
	for i, record := range records {
		at := recordDate(record, "expires_date_ms", "expires_date")
		if at == nil {
			continue
		}
		if !hasDate || at.After(bestAt) {
			best, bestAt, hasDate = i, *at, true
		}
	}
	return best
}

func recordDate(record map[string]any, keys ...string) *time.Time {
	for _, key := range keys {
		raw, ok := stringValue(record[key])
		if !ok {
			continue
		}
		if t, ok := ParseDate(raw); ok {
			return &t
		}
	}
	return nil
}

func stringValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}

func intValue(v any) (int64, bool) {
	switch val := v.(type) {
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return int64(val), true
	case int:
		return int64(val), true
	case int64:
		return val, true
	default:
		return 0, false
	}
}
