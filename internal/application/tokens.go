package application

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenPair is the serialized form of one account's credentials in the
// secret store. Access and refresh token live in a single record so a
// successful exchange or refresh rotates both in one write; there is no
// window where only one of them is updated.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

func decodeTokenPair(secretValue string) (TokenPair, error) {
	var pair TokenPair
	if err := json.Unmarshal([]byte(secretValue), &pair); err != nil {
		return TokenPair{}, fmt.Errorf("decode token pair: %w", err)
	}
	if strings.TrimSpace(pair.AccessToken) == "" || strings.TrimSpace(pair.RefreshToken) == "" {
		return TokenPair{}, fmt.Errorf("token pair missing access or refresh token")
	}
	return pair, nil
}

func encodeTokenPair(pair TokenPair) (string, error) {
	payload, err := json.Marshal(pair)
	if err != nil {
		return "", fmt.Errorf("encode token pair: %w", err)
	}
	return string(payload), nil
}

func withCalculatedExpiry(pair TokenPair, expiresIn int64, now time.Time) TokenPair {
	if expiresIn > 0 {
		pair.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second).Unix()
	}
	return pair
}

func tokenExpiringSoon(pair TokenPair, now time.Time, skew time.Duration) bool {
	if pair.ExpiresAt <= 0 {
		return false
	}
	expiresAt := time.Unix(pair.ExpiresAt, 0)
	return !expiresAt.After(now.Add(skew))
}
