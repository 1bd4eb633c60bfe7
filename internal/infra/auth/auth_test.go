package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, c domain.ApproverClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, c).SignedString(key)
	require.NoError(t, err)
	return s
}

func claims(user string, ttl time.Duration, scopes ...string) domain.ApproverClaims {
	c := domain.ApproverClaims{
		UserID:         user,
		OrganizationID: "org-1",
		Scopes:         map[string]bool{},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "idp",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	for _, s := range scopes {
		c.Scopes[s] = true
	}
	return c
}

func TestRSAValidator(t *testing.T) {
	key := newKey(t)
	v := NewRSAValidator(&key.PublicKey, "idp")

	t.Run("valid bearer", func(t *testing.T) {
		got, err := v.VerifyToken("Bearer " + sign(t, key, claims("alice", time.Hour, "approvals.decide")))
		require.NoError(t, err)
		assert.Equal(t, "alice", got.UserID)
		assert.True(t, got.HasScope("approvals.decide"))
		assert.False(t, got.HasScope("policies.write"))
	})

	t.Run("subject fallback", func(t *testing.T) {
		c := claims("", time.Hour)
		c.Subject = "bob"
		got, err := v.VerifyToken(sign(t, key, c))
		require.NoError(t, err)
		assert.Equal(t, "bob", got.UserID)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := v.VerifyToken(sign(t, key, claims("alice", -time.Minute)))
		assert.Error(t, err)
	})

	t.Run("foreign key", func(t *testing.T) {
		_, err := v.VerifyToken(sign(t, newKey(t), claims("alice", time.Hour)))
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := claims("alice", time.Hour)
		c.Issuer = "evil"
		_, err := v.VerifyToken(sign(t, key, c))
		assert.Error(t, err)
	})

	t.Run("hmac rejected", func(t *testing.T) {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims("alice", time.Hour)).SignedString([]byte("k"))
		require.NoError(t, err)
		_, err = v.VerifyToken(s)
		assert.Error(t, err)
	})

	t.Run("no identity", func(t *testing.T) {
		_, err := v.VerifyToken(sign(t, key, claims("", time.Hour)))
		assert.Error(t, err)
	})
}

func TestParseRSAPublicKey(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	pub, err := ParseRSAPublicKey(data)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))

	_, err = ParseRSAPublicKey(nil)
	assert.Error(t, err)
	_, err = ParseRSAPublicKey([]byte("garbage"))
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	key := newKey(t)
	v := NewRSAValidator(&key.PublicKey, "")

	var seen *domain.ApproverClaims
	h := NewMiddleware(v, zap.NewNop())(RequireScope("approvals.decide")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = ClaimsFrom(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"missing scope", "Bearer " + sign(t, key, claims("alice", time.Hour)), http.StatusForbidden},
		{"admin", "Bearer " + sign(t, key, claims("root", time.Hour, "admin")), http.StatusNoContent},
		{"ok", "Bearer " + sign(t, key, claims("alice", time.Hour, "approvals.decide")), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/approvals/x/approve", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.UserID)
}
