package session

import (
	"crypto/rand"
	"math/big"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewValue returns a CSPRNG string over [A-Za-z0-9] of the given length,
// used for auth codes (>=32) and refresh tokens alike.
func NewValue(length int) string {
	return randomString(length)
}

func randomString(length int) string {
	b := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand failure is unrecoverable
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b)
}
