package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Normalize turns a stored webhook payload into a SubscriptionTransition.
// Events the lifecycle has no use for come back with ActionIgnore.
func Normalize(provider, eventType string, payload []byte) (*SubscriptionTransition, error) {
	switch providerFamily(provider) {
	case models.BillingProviderStripe:
		return NormalizeStripe(payload)
	case models.BillingProviderConekta:
		return NormalizeConekta(payload)
	case models.BillingProviderPaypal:
		return NormalizePaypal(payload)
	case models.BillingProviderPatreon:
		return NormalizePatreon(eventType, payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
}

// ExtractIdentity reads the provider event id and type from a raw payload.
// Patreon carries neither in the body; its type travels in a header.
func ExtractIdentity(provider string, payload []byte) (eventID, eventType string, err error) {
	var raw struct {
		ID        string `json:"id"`
		EventID   string `json:"event_id"`
		Type      string `json:"type"`
		EventType string `json:"event_type"`
	}
	if err := decodeObject(payload, &raw); err != nil {
		return "", "", err
	}

	switch providerFamily(provider) {
	case models.BillingProviderStripe, models.BillingProviderConekta:
		eventID, eventType = raw.ID, raw.Type
	case models.BillingProviderPaypal:
		eventID, eventType = firstNonEmpty(raw.ID, raw.EventID), raw.EventType
	case models.BillingProviderPatreon:
		return "", "", nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}

	eventID, eventType = strings.TrimSpace(eventID), strings.TrimSpace(eventType)
	if eventID == "" || eventType == "" {
		return "", "", fmt.Errorf("%w: missing event id or type", ErrInvalidPayload)
	}
	return eventID, eventType, nil
}

// decodeObject requires payload to be a JSON object.
func decodeObject(payload []byte, v interface{}) error {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed[0] != '{' {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func fromCents(cents int64) *decimal.Decimal {
	if cents <= 0 {
		return nil
	}
	d := decimal.New(cents, -2)
	return &d
}

// metadataUint reads a positive integer stored under any of keys, accepting
// JSON numbers and numeric strings.
func metadataUint(meta map[string]interface{}, keys ...string) uint {
	for _, k := range keys {
		switch v := meta[k].(type) {
		case float64:
			if v >= 1 {
				return uint(v)
			}
		case string:
			if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
				return uint(n)
			}
		case json.Number:
			if n, err := strconv.ParseUint(v.String(), 10, 64); err == nil && n > 0 {
				return uint(n)
			}
		}
	}
	return 0
}

func metadataBool(meta map[string]interface{}, key string) bool {
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	case float64:
		return v != 0
	}
	return false
}

// idOrObject decodes fields that are either an id string or an expanded object.
type idOrObject string

func (s *idOrObject) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*s = idOrObject(obj.ID)
		return nil
	}
	var str *string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if str != nil {
		*s = idOrObject(*str)
	}
	return nil
}
