package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// apiKeyPrefix marks memoryx-issued keys.
const apiKeyPrefix = "mx-"

// NewAPIKey mints a random API key. Only its hash is stored.
func NewAPIKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(raw), nil
}

// HashAPIKey derives the stored lookup hash for an API key using the
// server's secret key.
func HashAPIKey(secret, key string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}
