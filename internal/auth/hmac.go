package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates a malformed token or a signature mismatch.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrWrongAudience is returned when the token targets another service.
	ErrWrongAudience = errors.New("token audience mismatch")
)

const tokenHeader = `{"alg":"HS256","typ":"JWT"}`

// Claims is the compact HS256 payload accepted by the monitor feed.
type Claims struct {
	Subject   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type wireClaims struct {
	Subject  string `json:"sub"`
	Audience string `json:"aud,omitempty"`
	Issued   int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// Verifier signs and validates HS256 tokens with a shared secret.
type Verifier struct {
	secret   []byte
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier builds a verifier. A non-empty audience must match the token's aud claim.
func NewVerifier(secret, audience string, leeway time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Verifier{secret: []byte(secret), audience: audience, leeway: leeway, now: time.Now}, nil
}

// WithClock overrides the verifier clock.
func (v *Verifier) WithClock(clock func() time.Time) {
	if clock != nil {
		v.now = clock
	}
}

// Sign issues a token for subject valid for ttl.
func (v *Verifier) Sign(subject string, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	now := v.now()
	payload, err := json.Marshal(wireClaims{
		Subject:  subject,
		Audience: v.audience,
		Issued:   now.Unix(),
		Expires:  now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	signingInput := encodeSegment([]byte(tokenHeader)) + "." + encodeSegment(payload)
	return signingInput + "." + encodeSegment(v.mac([]byte(signingInput))), nil
}

// Verify checks the signature, expiry and audience and returns the claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Only HS256 is accepted; anything else is rejected before touching the MAC.
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := decodeJSONSegment(parts[0], &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	//2.- Compare signatures in constant time.
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, v.mac([]byte(parts[0]+"."+parts[1]))) {
		return nil, ErrInvalidToken
	}

	//3.- Validate the claims themselves.
	var payload wireClaims
	if err := decodeJSONSegment(parts[1], &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}
	if v.audience != "" && payload.Audience != v.audience {
		return nil, ErrWrongAudience
	}
	return &Claims{
		Subject:   payload.Subject,
		Audience:  payload.Audience,
		IssuedAt:  time.Unix(payload.Issued, 0),
		ExpiresAt: expiresAt,
	}, nil
}

func (v *Verifier) mac(input []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(input)
	return h.Sum(nil)
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeJSONSegment(segment string, dst any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
