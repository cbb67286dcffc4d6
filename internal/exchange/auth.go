package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// Credentials holds the OKX API key triple. All three are required for
// private endpoints; public market data needs none.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

func (c Credentials) empty() bool {
	return c.APIKey == "" && c.SecretKey == "" && c.Passphrase == ""
}

// signTimestamp formats t the way the venue expects in OK-ACCESS-TIMESTAMP:
// ISO 8601 UTC with millisecond precision.
func signTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// sign computes the OK-ACCESS-SIGN header: Base64(HMAC-SHA256(secret,
// timestamp + method + requestPath + body)). requestPath includes the query
// string; body is empty for GET.
func sign(secret, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
