package core

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// NewUserID returns a random id for a new local user.
func NewUserID() string {
	return uuid.NewString()
}

// newNumericCode returns a uniformly random code of n decimal digits (leading zeros kept).
func newNumericCode(n int) (string, error) {
	if n <= 0 || n > 18 {
		return "", fmt.Errorf("invalid code length %d", n)
	}
	limit := big.NewInt(1)
	for i := 0; i < n; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v.Int64()), nil
}
