package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const maxRequestAge = 5 * time.Minute

func VerifySignature(signingSecret string, headers http.Header, body []byte) bool {
	return verifySignatureAt(signingSecret, headers, body, time.Now())
}

func verifySignatureAt(signingSecret string, headers http.Header, body []byte, now time.Time) bool {
	timestamp := headers.Get("X-Slack-Request-Timestamp")
	if timestamp == "" {
		return false
	}

	// Check if timestamp is within 5 minutes to prevent replay attacks
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > maxRequestAge || age < -maxRequestAge {
		return false
	}

	// Compare with received signature
	receivedSignature := headers.Get("X-Slack-Signature")
	return hmac.Equal([]byte(sign(signingSecret, timestamp, body)), []byte(receivedSignature))
}

func sign(signingSecret, timestamp string, body []byte) string {
	baseString := fmt.Sprintf("v0:%s:%s", timestamp, string(body))

	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(baseString))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}
