package billing

import (
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
)

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// ProviderFamily folds provider variants that share one plan catalog.
func ProviderFamily(provider string) string {
	return providerFamily(provider)
}

func providerFamily(provider string) string {
	switch p := normalizeProvider(provider); p {
	case models.BillingProviderStripeOXXO:
		return models.BillingProviderStripe
	default:
		return p
	}
}

// IsEntitlingStatus reports whether a subscription in status keeps access.
func IsEntitlingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.BillingStatusActive, models.BillingStatusTrialing, models.BillingStatusPastDue:
		return true
	default:
		return false
	}
}

// IsKnownStatus reports whether status belongs to the normalized status set.
func IsKnownStatus(status string) bool {
	switch status {
	case models.BillingStatusActive,
		models.BillingStatusTrialing,
		models.BillingStatusPastDue,
		models.BillingStatusCanceled,
		models.BillingStatusIncomplete,
		models.BillingStatusIncompleteExpired,
		models.BillingStatusUnpaid,
		models.BillingStatusPaused:
		return true
	default:
		return false
	}
}
