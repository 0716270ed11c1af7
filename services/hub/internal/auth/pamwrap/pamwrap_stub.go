//go:build !linux || !cgo

package pamwrap

import (
	"sdcc-bnl/nbhub/pkg/config"
)

func newImpl(cfg config.PAMConfig) (Authenticator, error) {
	return nil, ErrUnsupported
}
