package receipt

import (
	"strings"
	"time"
)

// Receipt is the authoritative purchase extracted from a verification
// response. ProductID is always non-empty.
type Receipt struct {
	ProductID      string
	ExpirationDate *time.Time
	PurchaseDate   *time.Time
	TransactionID  string
	IsTrialPeriod  bool
	IsSubscription bool
}

// ActiveAt reports whether the receipt still grants access at t. Receipts
// without an expiration date never lapse.
func (r *Receipt) ActiveAt(t time.Time) bool {
	if r.ExpirationDate == nil {
		return true
	}
	return r.ExpirationDate.After(t)
}

func (r *Receipt) Clone() *Receipt {
	cloned := *r
	if r.ExpirationDate != nil {
		at := *r.ExpirationDate
		cloned.ExpirationDate = &at
	}
	if r.PurchaseDate != nil {
		at := *r.PurchaseDate
		cloned.PurchaseDate = &at
	}
	return &cloned
}

type SubscriptionPeriod string

const (
	SubscriptionPeriodUnknown SubscriptionPeriod = ""
	SubscriptionPeriodDaily   SubscriptionPeriod = "Daily"
	SubscriptionPeriodWeekly  SubscriptionPeriod = "Weekly"
	SubscriptionPeriodMonthly SubscriptionPeriod = "Monthly"
	SubscriptionPeriodYearly  SubscriptionPeriod = "Yearly"
)

// ParseSubscriptionPeriod classifies an ISO 8601 period such as "P1M" or
// "P3D" by its unit. Only single-unit periods are recognized.
func ParseSubscriptionPeriod(period string) SubscriptionPeriod {
	period = strings.ToUpper(strings.TrimSpace(period))
	if len(period) < 3 || period[0] != 'P' {
		return SubscriptionPeriodUnknown
	}
	for _, c := range period[1 : len(period)-1] {
		if c < '0' || c > '9' {
			return SubscriptionPeriodUnknown
		}
	}

	switch period[len(period)-1] {
	case 'D':
		return SubscriptionPeriodDaily
	case 'W':
		return SubscriptionPeriodWeekly
	case 'M':
		return SubscriptionPeriodMonthly
	case 'Y':
		return SubscriptionPeriodYearly
	default:
		return SubscriptionPeriodUnknown
	}
}
