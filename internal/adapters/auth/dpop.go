package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const signingKeyPEMType = "EC PRIVATE KEY"

// NewSigningKey generates the per-account P-256 key pair used for
// proof-of-possession token binding.
func NewSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}

func EncodeSigningKey(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal signing key: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: signingKeyPEMType, Bytes: der})), nil
}

func DecodeSigningKey(raw string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil || block.Type != signingKeyPEMType {
		return nil, errors.New("signing key is not a PEM EC private key")
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	return key, nil
}

// ProofSigner builds DPoP proof JWTs bound to one account's key pair.
type ProofSigner struct {
	key *ecdsa.PrivateKey
	now func() time.Time
}

func NewProofSigner(key *ecdsa.PrivateKey) *ProofSigner {
	return &ProofSigner{key: key, now: time.Now}
}

// ProofRequest describes one outbound API call. Nonce is set only after the
// server issued a DPoP-Nonce challenge; AccessToken is set for resource
// requests so the proof carries the ath confirmation hash.
type ProofRequest struct {
	Method      string
	URL         string
	Nonce       string
	AccessToken string
}

// Sign returns the value for the DPoP header: an ES256 JWT over htm/htu/jti
// with the public key embedded as a JWK.
func (s *ProofSigner) Sign(req ProofRequest) (string, error) {
	if req.Method == "" || req.URL == "" {
		return "", errors.New("proof request needs method and url")
	}

	htu, err := normalizeHTU(req.URL)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": req.Method,
		"htu": htu,
		"iat": s.now().Unix(),
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.AccessToken != "" {
		hash := sha256.Sum256([]byte(req.AccessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(hash[:])
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = publicJWK(&s.key.PublicKey)

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign dpop proof: %w", err)
	}

	return signed, nil
}

// normalizeHTU strips query and fragment; the htu claim covers scheme, host
// and path only.
func normalizeHTU(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse proof url: %w", err)
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

func publicJWK(pub *ecdsa.PublicKey) map[string]string {
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	x := pub.X.FillBytes(make([]byte, byteLen))
	y := pub.Y.FillBytes(make([]byte, byteLen))

	return map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	}
}
