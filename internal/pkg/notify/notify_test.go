package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	to, subject, body string
}

func TestPaymentReceipt(t *testing.T) {
	var mu sync.Mutex
	var sent []sentMail
	d := NewDispatcher(func(to, subject, body string) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, sentMail{to, subject, body})
		return nil
	}, "", "")

	amount := decimal.RequireFromString("199")
	until := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	d.PaymentReceipt(context.Background(), Receipt{UserID: 1, Email: "a@example.com", Name: "<Ana>", PlanName: "Pro", Amount: &amount, Currency: "mxn", OrderID: 7, AccessUntil: &until, TrialConverted: true})
	d.PaymentReceipt(context.Background(), Receipt{UserID: 2})
	d.Wait()

	require.Len(t, sent, 1)
	assert.Equal(t, "a@example.com", sent[0].to)
	assert.Equal(t, "Your trial is now a subscription", sent[0].subject)
	assert.Contains(t, sent[0].body, "&lt;Ana&gt;")
	assert.Contains(t, sent[0].body, "199.00 MXN")
	assert.Contains(t, sent[0].body, "2026-07-01")
	assert.Contains(t, sent[0].body, "Order #7")
}

func TestPaymentReceiptFailureIsSwallowed(t *testing.T) {
	d := NewDispatcher(func(string, string, string) error { return errors.New("smtp down") }, "", "")
	d.PaymentReceipt(context.Background(), Receipt{UserID: 1, Email: "a@example.com"})
	d.Wait()
}

func TestTag(t *testing.T) {
	var mu sync.Mutex
	var got []map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = append(got, body)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(nil, srv.URL, "crm-token")
	d.Tag(context.Background(), 5, "b@example.com", TagTrialConverted, TagSuccessfulPayment)
	d.Tag(context.Background(), 5, "b@example.com")
	d.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, "Bearer crm-token", auth)
	assert.Equal(t, "b@example.com", got[0]["email"])
	assert.EqualValues(t, 5, got[0]["user_id"])
	assert.Equal(t, []interface{}{TagTrialConverted, TagSuccessfulPayment}, got[0]["tags"])
}

func TestTagWithoutCRMIsNoop(t *testing.T) {
	d := NewDispatcher(nil, "", "")
	d.Tag(context.Background(), 5, "b@example.com", TagFailedPayment)
	d.Wait()
}
