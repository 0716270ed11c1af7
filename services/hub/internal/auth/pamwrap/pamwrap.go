package pamwrap

import (
	"context"
	"errors"

	"sdcc-bnl/nbhub/pkg/config"
	"sdcc-bnl/nbhub/services/hub/internal/auth"
)

var ErrUnsupported = errors.New("PAM auth is only supported on Linux builds with cgo")

type Authenticator interface {
	auth.Authenticator
	AuthenticateCredentials(ctx context.Context, username, password string) (*auth.User, error)
}

func New(cfg config.PAMConfig) (Authenticator, error) {
	return newImpl(cfg)
}
