package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// GenerateOTP produces a random 6-digit verification code.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashOTP hashes a code with the configured cost.
func HashOTP(code string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CompareOTP verifies a code against its hashed value.
func CompareOTP(hashed, code string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(code))
}
