package backfill

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

var providerAliases = map[string]string{
	models.BillingProviderStripe:     models.BillingProviderStripe,
	models.BillingProviderStripeOXXO: models.BillingProviderStripe,
	"oxxo":                           models.BillingProviderStripe,
	models.BillingProviderPaypal:     models.BillingProviderPaypal,
	"pp":                             models.BillingProviderPaypal,
	models.BillingProviderConekta:    models.BillingProviderConekta,
	"spei":                           models.BillingProviderConekta,
	models.BillingProviderPatreon:    models.BillingProviderPatreon,
}

// ParseProviders turns a comma list with aliases into sorted provider
// families. An empty list selects every provider.
func ParseProviders(raw string) ([]string, error) {
	seen := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		family, ok := providerAliases[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		seen[family] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for family := range seen {
		out = append(out, family)
	}
	sort.Strings(out)
	return out, nil
}

// LegacyProvider guesses the provider of an order created before
// payment_provider existed from its free-text payment method.
// Legacy shim: only rows with an empty payment_provider go through here.
func LegacyProvider(paymentMethod string) string {
	m := strings.ToLower(paymentMethod)
	switch {
	case strings.Contains(m, "oxxo"):
		return models.BillingProviderStripeOXXO
	case strings.Contains(m, "stripe"):
		return models.BillingProviderStripe
	case strings.Contains(m, "paypal"):
		return models.BillingProviderPaypal
	case strings.Contains(m, "conekta"), strings.Contains(m, "spei"):
		return models.BillingProviderConekta
	default:
		return ""
	}
}

// OrderProvider is the stored provider, else the legacy guess, else "unknown".
func OrderProvider(o *models.Order) string {
	if p := strings.ToLower(strings.TrimSpace(o.PaymentProvider)); p != "" {
		return p
	}
	if p := LegacyProvider(o.PaymentMethod); p != "" {
		return p
	}
	return "unknown"
}

type providerSet map[string]struct{}

func newProviderSet(families []string) providerSet {
	if len(families) == 0 {
		return nil
	}
	set := make(providerSet, len(families))
	for _, f := range families {
		set[billing.ProviderFamily(f)] = struct{}{}
	}
	return set
}

// allows reports whether provider belongs to a selected family. A nil set
// selects everything.
func (s providerSet) allows(provider string) bool {
	if s == nil {
		return true
	}
	_, ok := s[billing.ProviderFamily(provider)]
	return ok
}
