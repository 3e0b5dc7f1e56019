package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateMissingToken(t *testing.T) {
	v := NewValidator(Config{})
	result := v.Validate("")
	if result.Reason != ReasonMissing {
		t.Fatalf("Reason = %q, want %q", result.Reason, ReasonMissing)
	}
}

func TestGuestTokenRoundTrip(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	token := NewGuestToken(issuedAt)

	clock := issuedAt
	v := NewValidator(Config{Clock: func() time.Time { return clock }})

	result := v.Validate(token)
	if result.Failed() {
		t.Fatalf("Validate() failed unexpectedly: %+v", result)
	}
	if !result.Guest {
		t.Fatalf("Guest = false, want true")
	}
}

func TestGuestTokenReplayExpiry(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	token := NewGuestToken(issuedAt)

	clock := issuedAt.Add(59 * time.Minute)
	v := NewValidator(Config{Clock: func() time.Time { return clock }})
	if result := v.Validate(token); result.Failed() {
		t.Fatalf("at t=59min expected valid, got %+v", result)
	}

	clock = issuedAt.Add(61 * time.Minute)
	if result := v.Validate(token); result.Reason != ReasonExpired {
		t.Fatalf("at t=61min Reason = %q, want %q", result.Reason, ReasonExpired)
	}
}

func TestGuestTokenRejectsMalformedUUID(t *testing.T) {
	v := NewValidator(Config{})
	result := v.Validate("guest_not-a-uuid_123456")
	if result.Reason != ReasonInvalid {
		t.Fatalf("Reason = %q, want %q", result.Reason, ReasonInvalid)
	}
}

func TestValidateJWTHappyPath(t *testing.T) {
	secret := "test-signing-secret"
	v := NewValidator(Config{SigningSecret: secret, Issuer: "twincore-accounts", Audience: "twincore-core"})

	claims := jwt.MapClaims{
		"sub": "user-42",
		"iss": "twincore-accounts",
		"aud": "twincore-core",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	result := v.Validate(signed)
	if result.Failed() {
		t.Fatalf("Validate() failed: %+v", result)
	}
	if result.UserID != "user-42" {
		t.Fatalf("UserID = %q, want %q", result.UserID, "user-42")
	}
}

func TestValidateJWTExpired(t *testing.T) {
	secret := "test-signing-secret"
	v := NewValidator(Config{SigningSecret: secret, Issuer: "twincore-accounts", Audience: "twincore-core"})

	claims := jwt.MapClaims{
		"sub": "user-42",
		"iss": "twincore-accounts",
		"aud": "twincore-core",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := tok.SignedString([]byte(secret))

	result := v.Validate(signed)
	if result.Reason != ReasonExpired {
		t.Fatalf("Reason = %q, want %q", result.Reason, ReasonExpired)
	}
}

func TestValidateJWTWrongSignature(t *testing.T) {
	v := NewValidator(Config{SigningSecret: "correct-secret", Issuer: "twincore-accounts", Audience: "twincore-core"})

	claims := jwt.MapClaims{"sub": "user-42", "iss": "twincore-accounts", "aud": "twincore-core"}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := tok.SignedString([]byte("wrong-secret"))

	result := v.Validate(signed)
	if result.Reason != ReasonInvalid {
		t.Fatalf("Reason = %q, want %q", result.Reason, ReasonInvalid)
	}
}
