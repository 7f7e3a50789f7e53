package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/gtmlake/internal/auth"
	"github.com/ashita-ai/gtmlake/internal/testutil"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$"))
	assert.NotContains(t, hash, ",", "hash must fit in a comma-separated list")
	assert.NotContains(t, hash, ":")

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey("x", "not-a-hash")
	require.Error(t, err)
	_, err = auth.VerifyAPIKey("x", "bcrypt$a$b")
	require.Error(t, err)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mgr.Expiration())

	token, expiresAt, err := mgr.IssueToken("crm-sync")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "crm-sync", claims.ClientID)
	assert.Equal(t, "crm-sync", claims.Subject)
	assert.Equal(t, "gtmlake", claims.Issuer)

	_, _, err = mgr.IssueToken("")
	require.Error(t, err)
}

func TestJWTManagerDefaultsExpiration(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 0, testutil.TestLogger())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mgr.Expiration())
}

// writeKeyPair writes an Ed25519 key pair to temp PEM files.
func writeKeyPair(t *testing.T) (privPath, pubPath string, priv ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath = filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath = filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))
	return privPath, pubPath, priv
}

func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	privPath, pubPath, priv := writeKeyPair(t)
	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	return mgr, priv
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func TestValidateToken_Rejections(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	now := time.Now().UTC()

	base := func() auth.Claims {
		return auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "crm-sync",
				Issuer:    "gtmlake",
				Audience:  jwt.ClaimStrings{"gtmlake"},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
				ID:        uuid.New().String(),
			},
			ClientID: "crm-sync",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *auth.Claims)
		wantErr string
	}{
		{"wrong issuer", func(c *auth.Claims) { c.Issuer = "someone-else" }, "invalid issuer"},
		{"empty issuer", func(c *auth.Claims) { c.Issuer = "" }, "invalid issuer"},
		{"wrong audience", func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"other"} }, "validate token"},
		{"expired", func(c *auth.Claims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute)) }, "validate token"},
		{"no expiry", func(c *auth.Claims) { c.ExpiresAt = nil }, "validate token"},
		{"subject mismatch", func(c *auth.Claims) { c.Subject = "other" }, "does not match"},
		{"empty client", func(c *auth.Claims) { c.ClientID = ""; c.Subject = "" }, "does not match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			_, err := mgr.ValidateToken(forgeToken(t, privKey, &c))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("forged with another key", func(t *testing.T) {
		_, other, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		c := base()
		_, err = mgr.ValidateToken(forgeToken(t, other, &c))
		require.Error(t, err)
	})

	t.Run("hmac algorithm", func(t *testing.T) {
		c := base()
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &c).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = mgr.ValidateToken(signed)
		require.Error(t, err)
	})
}

func TestNewJWTManager_KeyFileErrors(t *testing.T) {
	privPath, pubPath, _ := writeKeyPair(t)
	otherPriv, otherPub, _ := writeKeyPair(t)

	_, err := auth.NewJWTManager(privPath, otherPub, time.Hour, testutil.TestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	_, err = auth.NewJWTManager(filepath.Join(t.TempDir(), "missing.pem"), pubPath, time.Hour, testutil.TestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read private key")

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0600))
	_, err = auth.NewJWTManager(garbage, pubPath, time.Hour, testutil.TestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode private key PEM")

	mgr, err := auth.NewJWTManager(otherPriv, otherPub, time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	require.NotNil(t, mgr)
}
