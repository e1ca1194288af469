package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/models"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" on webhook deliveries
const SignatureHeader = "Payment-Signature"

// DefaultSignatureTolerance bounds the age of a signed timestamp
const DefaultSignatureTolerance = 5 * time.Minute

var placeholderSecrets = map[string]bool{
	"whsec_dummy": true,
	"changeme":    true,
	"placeholder": true,
}

// IsUsableSecret reports whether secret is set and not a known placeholder.
func IsUsableSecret(secret string) bool {
	s := strings.ToLower(strings.TrimSpace(secret))
	return s != "" && !placeholderSecrets[s]
}

// SignPayload produces a signature header value for payload at ts
func SignPayload(payload []byte, secret string, ts time.Time) string {
	unix := ts.Unix()
	return "t=" + strconv.FormatInt(unix, 10) + ",v1=" + computeSignature(payload, secret, unix)
}

// VerifySignature checks the header against payload. Any v1 entry may match,
// which lets the sender roll secrets.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	const op = "webhook.VerifySignature"

	if !IsUsableSecret(secret) {
		return models.AuthenticationError(op, "webhook secret is not configured")
	}
	if strings.TrimSpace(header) == "" {
		return models.AuthenticationError(op, "missing signature header")
	}

	var ts int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return models.AuthenticationError(op, "malformed signature timestamp")
			}
			ts = n
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if ts == 0 || len(signatures) == 0 {
		return models.AuthenticationError(op, "malformed signature header")
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return models.AuthenticationError(op, "signature timestamp outside tolerance")
		}
	}

	expected, _ := hex.DecodeString(computeSignature(payload, secret, ts))
	for _, sig := range signatures {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return models.AuthenticationError(op, "signature mismatch")
}

func computeSignature(payload []byte, secret string, unix int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
