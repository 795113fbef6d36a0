package eventstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/PayFox/app/models"
)

func TestInferCategory(t *testing.T) {
	tests := map[string]string{
		"page_view":              models.EventCategoryNavigation,
		"lp_to_register":         models.EventCategoryAcquisition,
		"lead_captured":          models.EventCategoryAcquisition,
		"registration_completed": models.EventCategoryRegistration,
		"checkout_started":       models.EventCategoryCheckout,
		"payment_success":        models.EventCategoryPurchase,
		"purchase_refunded":      models.EventCategoryPurchase,
		"support_chat_opened":    models.EventCategorySupport,
		"download_started":       models.EventCategoryActivation,
		"retention_ping":         models.EventCategoryRetention,
		"web_vital_reported":     models.EventCategorySystem,
		"Page_View":              models.EventCategoryNavigation,
	}
	for name, want := range tests {
		assert.Equal(t, want, InferCategory(name), name)
	}
}

func TestReferrerHost(t *testing.T) {
	tests := []struct {
		in   string
		want *string
	}{
		{"https://WWW.Google.com/search?q=x", strPtr("www.google.com")},
		{"http://localhost:3000/", strPtr("localhost")},
		{"", nil},
		{"not a url", nil},
		{"://broken", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReferrerHost(tt.in), tt.in)
	}
}

func TestHashIP(t *testing.T) {
	assert.Nil(t, HashIP("", "1.2.3.4"))
	assert.Nil(t, HashIP("salt", ""))

	a := HashIP("salt", "1.2.3.4")
	b := HashIP("salt", "1.2.3.4")
	c := HashIP("other", "1.2.3.4")
	assert.Equal(t, *a, *b)
	assert.NotEqual(t, *a, *c)
	assert.Len(t, *a, 64)
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable("   ", 10))
	assert.Equal(t, "abc", *nullable(" abc ", 10))
	assert.Equal(t, "ab", *nullable("abc", 2))
}

func strPtr(s string) *string { return &s }
