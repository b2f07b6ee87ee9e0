package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrVerificationFailed is returned when the challenge token mismatches.
	ErrVerificationFailed = errors.New("channel: webhook verification failed")
	// ErrBadSignature is returned when the payload signature does not match.
	ErrBadSignature = errors.New("channel: invalid payload signature")
)

// VerifyChallenge validates a webhook subscription handshake and returns the
// challenge to echo back. Meta sends the parameters dotted (hub.mode); some
// frameworks re-encode them with underscores, so both spellings are accepted.
func VerifyChallenge(query url.Values, verifyToken string) (string, error) {
	mode := queryParam(query, "hub.mode", "hub_mode")
	token := queryParam(query, "hub.verify_token", "hub_verify_token")
	challenge := queryParam(query, "hub.challenge", "hub_challenge")

	if mode != "subscribe" || challenge == "" {
		return "", ErrVerificationFailed
	}
	if verifyToken == "" || !subtleEquals(token, verifyToken) {
		return "", ErrVerificationFailed
	}
	return challenge, nil
}

func queryParam(query url.Values, names ...string) string {
	for _, name := range names {
		if v := query.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// ValidateSignature checks the X-Hub-Signature-256 header against an HMAC of
// the raw body keyed by the app secret. An empty appSecret disables the check
// for channels that have none configured (the web widget).
func ValidateSignature(body []byte, header, appSecret string) error {
	if appSecret == "" {
		return nil
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}
	return nil
}

func subtleEquals(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
