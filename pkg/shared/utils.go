package helpers

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
)

// CloseOrLog closes c and logs a failure, for use in defer
func CloseOrLog(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Error("Error closing I/O", "error", err)
	}
}

// RandomHex returns n random bytes hex encoded
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
