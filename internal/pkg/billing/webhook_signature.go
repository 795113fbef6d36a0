package billing

import (
	"crypto"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"hash"
	"strconv"
	"strings"
	"time"
)

// StripeSignatureTolerance bounds the age of a Stripe-Signature timestamp.
const StripeSignatureTolerance = 5 * time.Minute

func VerifyPatreonWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	// Patreon docs describe HMAC-MD5 for X-Patreon-Signature.
	if verifyHMAC(payload, decodedSig, []byte(secret), md5.New) {
		return true
	}
	// Backward-compatible fallback in case environments were configured for SHA256.
	return verifyHMAC(payload, decodedSig, []byte(secret), sha256.New)
}

// VerifyStripeSignature checks a "t=<unix>,v1=<hex>" header against the raw body.
func VerifyStripeSignature(payload []byte, signatureHeader, webhookSecret string, now time.Time) bool {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return false
	}

	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(signatureHeader, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if decoded, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, decoded)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > StripeSignatureTolerance || age < -StripeSignatureTolerance {
		return false
	}

	signed := make([]byte, 0, len(ts)+1+len(payload))
	signed = append(signed, ts...)
	signed = append(signed, '.')
	signed = append(signed, payload...)
	for _, sig := range sigs {
		if verifyHMAC(signed, sig, []byte(secret), sha256.New) {
			return true
		}
	}
	return false
}

// VerifyConektaSignature checks the base64 RSA-SHA256 "digest" header against
// the raw body. A "sha-256=" prefix on the header is accepted.
func VerifyConektaSignature(payload []byte, digestHeader, publicKeyPEM string) bool {
	digest := strings.TrimSpace(digestHeader)
	if i := strings.Index(digest, "="); i > 0 && strings.EqualFold(digest[:i], "sha-256") {
		digest = digest[i+1:]
	}
	if digest == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(digest)
	if err != nil {
		return false
	}

	key, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, sum[:], sig) == nil
}

func parseRSAPublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(strings.ReplaceAll(publicKeyPEM, `\n`, "\n"))))
	if block == nil {
		return nil, x509.ErrUnsupportedAlgorithm
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, x509.ErrUnsupportedAlgorithm
	}
	return key, nil
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
