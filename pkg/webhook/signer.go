package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signing headers added when the connector carries a secret.
const (
	HeaderTimestamp = "X-AWT-Timestamp"
	HeaderSignature = "X-AWT-Signature"
)

/*
Sign computes the hex HMAC-SHA-256 of "<ts>.<body>" under the connector
secret. The timestamp is unix milliseconds.
*/
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

/*
Verify checks a received signature against the expected one in constant
time. Receivers use this; the dispatcher only signs.
*/
func Verify(secret string, ts int64, body []byte, signature string) bool {
	expected := Sign(secret, ts, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
