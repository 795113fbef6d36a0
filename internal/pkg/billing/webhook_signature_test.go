package billing

import (
	"crypto"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPatreonWebhookSignature(t *testing.T) {
	payload := []byte(`{"foo":"bar"}`)
	secret := "top-secret"

	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(payload)
	validSig := hex.EncodeToString(mac.Sum(nil))

	if !VerifyPatreonWebhookSignature(payload, validSig, secret) {
		t.Fatalf("expected signature to validate")
	}

	macSHA256 := hmac.New(sha256.New, []byte(secret))
	macSHA256.Write(payload)
	validSHA256 := hex.EncodeToString(macSHA256.Sum(nil))
	if !VerifyPatreonWebhookSignature(payload, validSHA256, secret) {
		t.Fatalf("expected sha256 fallback signature to validate")
	}
	if VerifyPatreonWebhookSignature(payload, "deadbeef", secret) {
		t.Fatalf("expected invalid signature to fail")
	}
}

func stripeHeader(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyStripeSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header string
		secret string
		want   bool
	}{
		{"valid", stripeHeader(payload, secret, now), secret, true},
		{"valid within tolerance", stripeHeader(payload, secret, now.Add(-4*time.Minute)), secret, true},
		{"too old", stripeHeader(payload, secret, now.Add(-6*time.Minute)), secret, false},
		{"wrong secret", stripeHeader(payload, "other", now), secret, false},
		{"extra v0 entry", stripeHeader(payload, secret, now) + ",v0=abc", secret, true},
		{"missing timestamp", "v1=deadbeef", secret, false},
		{"no secret configured", stripeHeader(payload, secret, now), "", false},
		{"garbage", "nonsense", secret, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyStripeSignature(payload, tt.header, tt.secret, now))
		})
	}
}

func TestVerifyConektaSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	pkcs1PEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}))

	payload := []byte(`{"id":"evt_c1","type":"order.paid"}`)
	sum := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	require.NoError(t, err)
	digest := base64.StdEncoding.EncodeToString(sig)

	tests := []struct {
		name    string
		payload []byte
		header  string
		key     string
		want    bool
	}{
		{"pkix key", payload, digest, pubPEM, true},
		{"pkcs1 key", payload, digest, pkcs1PEM, true},
		{"escaped newlines from env", payload, digest, strings.ReplaceAll(pubPEM, "\n", `\n`), true},
		{"sha-256 prefix", payload, "sha-256=" + digest, pubPEM, true},
		{"tampered body", []byte(`{"id":"evt_c2"}`), digest, pubPEM, false},
		{"empty header", payload, "", pubPEM, false},
		{"bad key", payload, digest, "not a key", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyConektaSignature(tt.payload, tt.header, tt.key))
		})
	}
}
