// Package preflight implements the check-before-run credential: a short
// lived HMAC-signed token binding one (path, argument-set) pair to a prior
// approval. Tokens are never stored server-side; validity is purely a
// function of signature and expiry, so scaling out only requires sharing
// the secret.
package preflight

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Verification outcomes. Mismatch covers both a different path and a
// different argument list than the one approved.
const (
	ReasonMissing          = "missing"
	ReasonMalformed        = "malformed"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonExpired          = "expired"
	ReasonMismatch         = "mismatch"
)

type Outcome struct {
	Valid  bool
	Reason string
}

type claims struct {
	Path     string `json:"path"`
	ArgsHash string `json:"args_hash"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(secret []byte, ttl time.Duration) (*Service, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("preflight secret too short: got %d bytes, need at least 16", len(secret))
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the canonical path and argument list and returns
// it with its expiry.
func (s *Service) Issue(canonPath string, args []string) (token string, expiresAt time.Time, err error) {
	now := s.now().UTC()
	expiresAt = now.Add(s.ttl)
	c := claims{
		Path:     canonPath,
		ArgsHash: ArgsHash(args),
		IssuedAt: now.Unix(),
		Expires:  expiresAt.Unix(),
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal claims: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.sign(body), expiresAt, nil
}

// Verify checks a presented token against the path and args of the current
// request. The path and hash are recomputed from the request, never taken
// from the token, so any drift since issuance surfaces as a mismatch.
func (s *Service) Verify(token, canonPath string, args []string) Outcome {
	if strings.TrimSpace(token) == "" {
		return Outcome{Reason: ReasonMissing}
	}
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return Outcome{Reason: ReasonMalformed}
	}
	if !hmac.Equal([]byte(s.sign(body)), []byte(sig)) {
		return Outcome{Reason: ReasonSignatureInvalid}
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Outcome{Reason: ReasonMalformed}
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Outcome{Reason: ReasonMalformed}
	}
	if s.now().UTC().Unix() >= c.Expires {
		return Outcome{Reason: ReasonExpired}
	}
	if c.Path != canonPath || c.ArgsHash != ArgsHash(args) {
		return Outcome{Reason: ReasonMismatch}
	}
	return Outcome{Valid: true}
}

func (s *Service) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ArgsHash computes a stable digest of the argument list. An empty and a nil
// list hash identically; any reordering or added token changes the digest.
func ArgsHash(args []string) string {
	h := sha256.New()
	for _, a := range args {
		fmt.Fprintf(h, "%d:%s;", len(a), a)
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
