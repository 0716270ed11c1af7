//go:build linux && cgo

// Package pam authenticates hub logins against the host's PAM stack
package pam

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/msteinert/pam"

	"sdcc-bnl/nbhub/pkg/config"
	"sdcc-bnl/nbhub/services/hub/internal/auth"
)

type PAMAuthenticator struct {
	serviceName string
}

func New(cfg config.PAMConfig) *PAMAuthenticator {
	service := cfg.ServiceName
	if service == "" {
		service = "login"
	}
	return &PAMAuthenticator{serviceName: service}
}

// Authenticate reads the username and password posted by the login form
func (p *PAMAuthenticator) Authenticate(_ http.ResponseWriter, r *http.Request) (*auth.User, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return p.AuthenticateCredentials(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
}

func (p *PAMAuthenticator) AuthenticateCredentials(_ context.Context, username, password string) (*auth.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, auth.ErrUnauthenticated
	}

	t, err := pam.StartFunc(p.serviceName, username, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff, pam.PromptEchoOn:
			return password, nil
		default:
			return "", nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("pam start: %w", err)
	}

	if err := t.Authenticate(0); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err)
	}
	if err := t.AcctMgmt(0); err != nil {
		return nil, fmt.Errorf("%w: account check failed: %v", auth.ErrForbidden, err)
	}

	return &auth.User{
		Name:     username,
		Asserted: username,
		Source:   auth.SourcePAM,
		Claims:   map[string]any{},
	}, nil
}
