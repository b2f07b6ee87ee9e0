package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"testing"
)

func TestVerifyChallenge(t *testing.T) {
	tests := []struct {
		name    string
		query   url.Values
		token   string
		want    string
		wantErr bool
	}{
		{
			name: "valid dotted params",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {"s3cret"},
				"hub.challenge":    {"challenge_1"},
			},
			token: "s3cret",
			want:  "challenge_1",
		},
		{
			name: "valid underscore params",
			query: url.Values{
				"hub_mode":         {"subscribe"},
				"hub_verify_token": {"s3cret"},
				"hub_challenge":    {"challenge_2"},
			},
			token: "s3cret",
			want:  "challenge_2",
		},
		{
			name: "wrong token",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {"wrong"},
				"hub.challenge":    {"c"},
			},
			token:   "s3cret",
			wantErr: true,
		},
		{
			name: "wrong mode",
			query: url.Values{
				"hub.mode":         {"unsubscribe"},
				"hub.verify_token": {"s3cret"},
				"hub.challenge":    {"c"},
			},
			token:   "s3cret",
			wantErr: true,
		},
		{
			name: "no configured token never verifies",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {""},
				"hub.challenge":    {"c"},
			},
			token:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VerifyChallenge(tt.query, tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrVerificationFailed) {
					t.Fatalf("expected ErrVerificationFailed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("challenge = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateSignature(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	secret := "app_secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if err := ValidateSignature(body, good, secret); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := ValidateSignature(body, good, "other_secret"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for wrong secret, got %v", err)
	}
	if err := ValidateSignature(body, "sha256=zz", secret); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for bad hex, got %v", err)
	}
	if err := ValidateSignature(body, "md5=abc", secret); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for wrong scheme, got %v", err)
	}
	// No secret configured disables the check.
	if err := ValidateSignature(body, "", ""); err != nil {
		t.Fatalf("expected nil with empty secret, got %v", err)
	}
}
