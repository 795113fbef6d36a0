package eventstore

import (
	"net/url"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
)

// categoryPrefixes is matched in order; the first hit wins.
var categoryPrefixes = []struct {
	prefix   string
	category string
}{
	{"page_", models.EventCategoryNavigation},
	{"lp_", models.EventCategoryAcquisition},
	{"lead_", models.EventCategoryAcquisition},
	{"registration_", models.EventCategoryRegistration},
	{"checkout_", models.EventCategoryCheckout},
	{"payment_", models.EventCategoryPurchase},
	{"purchase_", models.EventCategoryPurchase},
	{"support_", models.EventCategorySupport},
	{"download_", models.EventCategoryActivation},
	{"retention_", models.EventCategoryRetention},
}

// InferCategory maps an event name to its category by prefix.
func InferCategory(eventName string) string {
	name := strings.ToLower(eventName)
	for _, p := range categoryPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.category
		}
	}
	return models.EventCategorySystem
}

func trimmedOrEmpty(s string) string {
	return strings.TrimSpace(s)
}

// nullable trims s and cuts it to max runes; empty becomes nil.
func nullable(s string, max int) *string {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	if max > 0 {
		if r := []rune(v); len(r) > max {
			v = string(r[:max])
		}
	}
	return &v
}

// ReferrerHost extracts the lowercased host of a referrer URL.
func ReferrerHost(referrer string) *string {
	raw := strings.TrimSpace(referrer)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil
	}
	return &host
}
