package repository

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const sdkSecretHashCost = bcrypt.DefaultCost

// HashSDKSecret returns a salted bcrypt hash of an SDK credential secret,
// suitable for the environments.sdk_key_hash column.
func HashSDKSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), sdkSecretHashCost)
	if err != nil {
		return "", fmt.Errorf("hash sdk secret: %w", err)
	}
	return string(hash), nil
}
