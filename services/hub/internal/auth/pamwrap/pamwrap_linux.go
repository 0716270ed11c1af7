//go:build linux && cgo

package pamwrap

import (
	"sdcc-bnl/nbhub/pkg/config"
	authpam "sdcc-bnl/nbhub/services/hub/internal/auth/pam"
)

func newImpl(cfg config.PAMConfig) (Authenticator, error) {
	return authpam.New(cfg), nil
}
