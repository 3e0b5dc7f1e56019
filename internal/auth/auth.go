// Package auth validates the bearer-style credentials presented once per
// connection (spec §6): a JWT issued by the account service, or a guest
// token of the form guest_<uuid-v4>_<millis> validated by shape and age
// only.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Reason classifies why authentication failed, matching the error codes
// named in spec §6 and §7.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonMissing Reason = "AUTH_REQUIRED"
	ReasonInvalid Reason = "AUTH_INVALID"
	ReasonExpired Reason = "AUTH_EXPIRED"
)

// Result is the outcome of validating one bearer token.
type Result struct {
	UserID string
	Guest  bool
	Reason Reason
}

// Failed reports whether authentication did not succeed.
func (r Result) Failed() bool { return r.Reason != ReasonNone }

const guestTokenPrefix = "guest_"

// Validator validates bearer tokens presented on connection.
type Validator struct {
	secret      []byte
	issuer      string
	audience    string
	guestMaxAge time.Duration
	now         func() time.Time
}

// Config tunes a [Validator].
type Config struct {
	SigningSecret string
	Issuer        string
	Audience      string
	GuestMaxAge   time.Duration

	// Clock, if set, replaces time.Now for guest-token age checks. Tests use
	// this to exercise the S4 replay scenario without sleeping.
	Clock func() time.Time
}

// NewValidator builds a [Validator]. A zero GuestMaxAge defaults to one
// hour, matching spec §6's "within one hour of the current time".
func NewValidator(cfg Config) *Validator {
	maxAge := cfg.GuestMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Validator{
		secret:      []byte(cfg.SigningSecret),
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		guestMaxAge: maxAge,
		now:         clock,
	}
}

// Validate checks a raw bearer token (without the "Bearer " prefix already
// stripped by the caller) and classifies it as a signed JWT or a guest
// token. An empty token yields [ReasonMissing].
func (v *Validator) Validate(token string) Result {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{Reason: ReasonMissing}
	}
	if strings.HasPrefix(token, guestTokenPrefix) {
		return v.validateGuestToken(token)
	}
	return v.validateJWT(token)
}

func (v *Validator) validateJWT(token string) Result {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Result{Reason: ReasonExpired}
		}
		return Result{Reason: ReasonInvalid}
	}
	if !parsed.Valid {
		return Result{Reason: ReasonInvalid}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Result{Reason: ReasonInvalid}
	}
	return Result{UserID: sub}
}

// validateGuestToken checks the guest_<uuid-v4>_<millis> shape and age.
// No cryptographic verification is performed: guest tokens grant no
// user-scoped data access, per spec §9.
func (v *Validator) validateGuestToken(token string) Result {
	rest := strings.TrimPrefix(token, guestTokenPrefix)
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return Result{Reason: ReasonInvalid}
	}
	rawUUID, rawMillis := rest[:idx], rest[idx+1:]

	id, err := uuid.Parse(rawUUID)
	if err != nil || id.Version() != 4 {
		return Result{Reason: ReasonInvalid}
	}

	millis, err := strconv.ParseInt(rawMillis, 10, 64)
	if err != nil || millis <= 0 {
		return Result{Reason: ReasonInvalid}
	}

	issuedAt := time.UnixMilli(millis)
	age := v.now().Sub(issuedAt)
	if age < 0 {
		age = -age
	}
	if age > v.guestMaxAge {
		return Result{Reason: ReasonExpired}
	}

	return Result{UserID: "guest_" + id.String(), Guest: true}
}

// NewGuestToken mints a guest token for the current instant, in the shape
// [Validator.Validate] accepts. Used by clients/tests exercising the
// generate∘validate round trip (spec §8).
func NewGuestToken(at time.Time) string {
	return fmt.Sprintf("%s%s_%d", guestTokenPrefix, uuid.NewString(), at.UnixMilli())
}
