// Package token verifies the manager tokens NPC clients present at
// handshake: compact h.b.s capability tokens signed with HMAC-SHA256.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Failure kinds. The verifier only checks the token itself; matching the
// payload against the joining agent and namespace is the handshake's job.
var (
	ErrInvalidFormat          = errors.New("token is not a three-segment compact token")
	ErrInvalidSegmentEncoding = errors.New("token segment is not valid base64url")
	ErrInvalidSignature       = errors.New("token signature mismatch")
	ErrTokenExpired           = errors.New("token expired")
	ErrSecretMissing          = errors.New("no signing secret available")
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)

// Payload is the decoded manager-token body. All fields are optional;
// unrecognised fields are preserved in Extra.
type Payload struct {
	AgentID       string `json:"agentId,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	NamespaceSlug string `json:"namespaceSlug,omitempty"`
	OfficeID      string `json:"officeId,omitempty"`
	Exp           int64  `json:"exp,omitempty"`
	Iat           int64  `json:"iat,omitempty"`
	Jti           string `json:"jti,omitempty"`

	Extra map[string]any `json:"-"`
}

// IntendedNamespace returns whichever namespace field the token carries.
func (p *Payload) IntendedNamespace() string {
	if p.Namespace != "" {
		return p.Namespace
	}
	return p.NamespaceSlug
}

var knownPayloadFields = map[string]struct{}{
	"agentId": {}, "namespace": {}, "namespaceSlug": {},
	"officeId": {}, "exp": {}, "iat": {}, "jti": {},
}

// Verify checks a compact token against a shared secret and returns its
// decoded payload. nowSeconds is the clock used for the exp check.
func Verify(tokenString, secret string, nowSeconds int64) (*Payload, error) {
	if secret == "" {
		return nil, ErrSecretMissing
	}

	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidFormat
	}
	for _, part := range parts {
		if !segmentPattern.MatchString(part) {
			return nil, ErrInvalidFormat
		}
	}

	signingInput := parts[0] + "." + parts[1]
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	expected := mac.Sum(nil)

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidSegmentEncoding
	}
	// hmac.Equal is constant time; it also rejects length mismatches outright.
	if !hmac.Equal(expected, signature) {
		return nil, ErrInvalidSignature
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidSegmentEncoding
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSegmentEncoding, err)
	}

	payload := &Payload{}
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSegmentEncoding, err)
	}
	for k, v := range raw {
		if _, known := knownPayloadFields[k]; known {
			continue
		}
		if payload.Extra == nil {
			payload.Extra = map[string]any{}
		}
		payload.Extra[k] = v
	}

	if payload.Exp > 0 && nowSeconds > payload.Exp {
		return nil, ErrTokenExpired
	}

	return payload, nil
}

// Sign produces a compact token for a payload. Production tokens are issued
// elsewhere; this signer backs tests and local tooling.
func Sign(payload *Payload, secret string) (string, error) {
	if secret == "" {
		return "", ErrSecretMissing
	}

	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}

	body := map[string]any{}
	for k, v := range payload.Extra {
		body[k] = v
	}
	if payload.AgentID != "" {
		body["agentId"] = payload.AgentID
	}
	if payload.Namespace != "" {
		body["namespace"] = payload.Namespace
	}
	if payload.NamespaceSlug != "" {
		body["namespaceSlug"] = payload.NamespaceSlug
	}
	if payload.OfficeID != "" {
		body["officeId"] = payload.OfficeID
	}
	if payload.Exp != 0 {
		body["exp"] = payload.Exp
	}
	if payload.Iat != 0 {
		body["iat"] = payload.Iat
	}
	if payload.Jti != "" {
		body["jti"] = payload.Jti
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(bodyBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
