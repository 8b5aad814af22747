package escrow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
)

// VerifyWebhookSignature checks the HMAC-SHA256 signature the gateway attaches
// to callback deliveries. The signature covers the notification URL
// concatenated with the raw body.
func VerifyWebhookSignature(secret, notificationURL string, body []byte, signature string) error {
	if secret == "" {
		return pkgerrors.New(pkgerrors.CodeInternal, "webhook secret not configured")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "webhook signature mismatch")
	}
	return nil
}
