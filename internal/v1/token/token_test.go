package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "a-presence-shared-secret-for-tests"

func TestVerify_RoundTrip(t *testing.T) {
	payload := &Payload{
		AgentID:   "ada.acme.office.xyz",
		Namespace: "acme",
		OfficeID:  "office-1",
		Iat:       time.Now().Unix(),
		Jti:       "tok-1",
		Extra:     map[string]any{"issuer": "manager"},
	}

	signed, err := Sign(payload, testSecret)
	require.NoError(t, err)

	got, err := Verify(signed, testSecret, time.Now().Unix())
	require.NoError(t, err)
	assert.Equal(t, payload.AgentID, got.AgentID)
	assert.Equal(t, payload.Namespace, got.Namespace)
	assert.Equal(t, payload.OfficeID, got.OfficeID)
	assert.Equal(t, payload.Jti, got.Jti)
	assert.Equal(t, "manager", got.Extra["issuer"])
}

// Tokens minted by a stock JWT library must verify, since the wire format is
// the standard compact HS256 layout.
func TestVerify_AcceptsJwtLibraryTokens(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agentId":   "bob.acme.office.xyz",
		"namespace": "acme",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)

	got, err := Verify(signed, testSecret, time.Now().Unix())
	require.NoError(t, err)
	assert.Equal(t, "bob.acme.office.xyz", got.AgentID)
	assert.Equal(t, "acme", got.Namespace)
}

func TestVerify_WrongSecret(t *testing.T) {
	signed, err := Sign(&Payload{AgentID: "a"}, testSecret)
	require.NoError(t, err)

	_, err = Verify(signed, "another-secret", time.Now().Unix())
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_TamperedSegments(t *testing.T) {
	signed, err := Sign(&Payload{AgentID: "a", Namespace: "acme"}, testSecret)
	require.NoError(t, err)
	parts := strings.Split(signed, ".")

	cases := []struct {
		name  string
		token string
	}{
		{"tampered header", "eyJhbGciOiJub25lIn0." + parts[1] + "." + parts[2]},
		{"tampered body", parts[0] + "." + parts[1] + "x." + parts[2]},
		{"truncated signature", parts[0] + "." + parts[1] + "." + parts[2][:8]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Verify(tc.token, testSecret, time.Now().Unix())
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestVerify_Format(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two segments", "aa.bb"},
		{"four segments", "aa.bb.cc.dd"},
		{"illegal characters", "a+a.bb.cc"},
		{"empty segment", "aa..cc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Verify(tc.token, testSecret, 0)
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestVerify_Expiry(t *testing.T) {
	now := time.Now().Unix()

	expired, err := Sign(&Payload{AgentID: "a", Exp: now - 10}, testSecret)
	require.NoError(t, err)
	_, err = Verify(expired, testSecret, now)
	assert.ErrorIs(t, err, ErrTokenExpired)

	fresh, err := Sign(&Payload{AgentID: "a", Exp: now + 60}, testSecret)
	require.NoError(t, err)
	_, err = Verify(fresh, testSecret, now)
	assert.NoError(t, err)

	// exp boundary itself is still valid
	boundary, err := Sign(&Payload{AgentID: "a", Exp: now}, testSecret)
	require.NoError(t, err)
	_, err = Verify(boundary, testSecret, now)
	assert.NoError(t, err)
}

func TestVerify_MissingSecret(t *testing.T) {
	_, err := Verify("aa.bb.cc", "", 0)
	assert.ErrorIs(t, err, ErrSecretMissing)
}

func TestPayload_IntendedNamespace(t *testing.T) {
	assert.Equal(t, "a", (&Payload{Namespace: "a", NamespaceSlug: "b"}).IntendedNamespace())
	assert.Equal(t, "b", (&Payload{NamespaceSlug: "b"}).IntendedNamespace())
	assert.Equal(t, "", (&Payload{}).IntendedNamespace())
}
