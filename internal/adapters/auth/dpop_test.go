package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigningKeyEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := NewSigningKey()
	require.NoError(t, err)

	encoded, err := EncodeSigningKey(key)
	require.NoError(t, err)
	assert.Contains(t, encoded, "EC PRIVATE KEY")

	decoded, err := DecodeSigningKey(encoded)
	require.NoError(t, err)
	assert.True(t, key.Equal(decoded))
}

func TestDecodeSigningKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecodeSigningKey("not a pem block")
	assert.Error(t, err)
}

func TestProofSignerBuildsVerifiableProof(t *testing.T) {
	t.Parallel()

	key, err := NewSigningKey()
	require.NoError(t, err)

	signer := &ProofSigner{key: key, now: func() time.Time { return time.Unix(1_700_000_000, 0) }}

	proof, err := signer.Sign(ProofRequest{
		Method: "GET",
		URL:    "https://pds.example/xrpc/app.bsky.notification.listNotifications?limit=50#frag",
	})
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(proof, claims, func(token *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
	require.NoError(t, err)

	assert.Equal(t, "dpop+jwt", parsed.Header["typ"])

	jwk, ok := parsed.Header["jwk"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "EC", jwk["kty"])
	assert.Equal(t, "P-256", jwk["crv"])
	assert.NotEmpty(t, jwk["x"])
	assert.NotEmpty(t, jwk["y"])

	assert.Equal(t, "GET", claims["htm"])
	assert.Equal(t, "https://pds.example/xrpc/app.bsky.notification.listNotifications", claims["htu"])
	assert.NotEmpty(t, claims["jti"])
	assert.EqualValues(t, 1_700_000_000, claims["iat"])
	assert.NotContains(t, claims, "nonce")
	assert.NotContains(t, claims, "ath")
}

func TestProofSignerIncludesNonceAndAccessTokenHash(t *testing.T) {
	t.Parallel()

	key, err := NewSigningKey()
	require.NoError(t, err)
	signer := NewProofSigner(key)

	proof, err := signer.Sign(ProofRequest{
		Method:      "GET",
		URL:         "https://pds.example/xrpc/chat.bsky.convo.listConvos",
		Nonce:       "server-nonce",
		AccessToken: "access-1",
	})
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(proof, claims, func(token *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
	require.NoError(t, err)

	assert.Equal(t, "server-nonce", claims["nonce"])

	hash := sha256.Sum256([]byte("access-1"))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), claims["ath"])
}

func TestProofSignerFreshJTIPerProof(t *testing.T) {
	t.Parallel()

	key, err := NewSigningKey()
	require.NoError(t, err)
	signer := NewProofSigner(key)

	request := ProofRequest{Method: "GET", URL: "https://pds.example/xrpc/test"}

	jtis := map[any]bool{}
	for i := 0; i < 3; i++ {
		proof, err := signer.Sign(request)
		require.NoError(t, err)

		claims := jwt.MapClaims{}
		_, err = jwt.ParseWithClaims(proof, claims, func(token *jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
		require.NoError(t, err)

		assert.False(t, jtis[claims["jti"]])
		jtis[claims["jti"]] = true
	}
}

func TestProofSignerRequiresMethodAndURL(t *testing.T) {
	t.Parallel()

	key, err := NewSigningKey()
	require.NoError(t, err)
	signer := NewProofSigner(key)

	_, err = signer.Sign(ProofRequest{URL: "https://pds.example"})
	assert.Error(t, err)

	_, err = signer.Sign(ProofRequest{Method: "GET"})
	assert.Error(t, err)
}
