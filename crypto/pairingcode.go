package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const pairingCodeDigits = 6

var pairingCodeSpace = big.NewInt(1000000)

// GeneratePairingCode returns a uniformly random 6-digit numeric code.
//
// Collision checking against currently-pending codes is the caller's job;
// this function only supplies the randomness.
func GeneratePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, pairingCodeSpace)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%0*d", pairingCodeDigits, n), nil
}

// FormatPairingCode renders a code in display groups ("123 456").
func FormatPairingCode(code string) string {
	if len(code) != pairingCodeDigits {
		return code
	}
	return code[:3] + " " + code[3:]
}

// ValidPairingCode reports whether a submitted code has the expected shape.
func ValidPairingCode(code string) bool {
	if len(code) != pairingCodeDigits {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
