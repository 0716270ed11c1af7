package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	helpers "sdcc-bnl/nbhub/pkg/shared"
)

// EnvCookieSecret takes precedence over the cookie secret file when set
const EnvCookieSecret = "JPY_COOKIE_SECRET"

const cookieSecretBytes = 32

// LoadCookieSecret reads the hex encoded cookie secret from path, creating it with a fresh random secret
// when it does not exist. A file readable by group or others is refused.
func LoadCookieSecret(path string) ([]byte, error) {
	if env := strings.TrimSpace(os.Getenv(EnvCookieSecret)); env != "" {
		secret, err := hex.DecodeString(env)
		if err != nil {
			return nil, fmt.Errorf("%s is not hex encoded: %w", EnvCookieSecret, err)
		}
		return secret, nil
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return createCookieSecret(path)
	case err != nil:
		return nil, fmt.Errorf("stat cookie secret: %w", err)
	}

	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("cookie secret file %s has permissions %#o, it must not be readable by group or others", path, info.Mode().Perm())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookie secret: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("cookie secret file %s is not hex encoded: %w", path, err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("cookie secret file %s is empty", path)
	}
	return secret, nil
}

func createCookieSecret(path string) ([]byte, error) {
	encoded, err := helpers.RandomHex(cookieSecretBytes)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write cookie secret: %w", err)
	}
	slog.Info("Wrote new cookie secret", "path", path)
	return hex.DecodeString(encoded)
}
