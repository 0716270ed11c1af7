// Package localuser maps authenticated users onto accounts on the hub host, creating them when allowed
package localuser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"os/user"
	"regexp"
	"strings"

	"sdcc-bnl/nbhub/pkg/config"
	"sdcc-bnl/nbhub/services/hub/internal/auth"
)

var (
	ErrNoSystemUser = fmt.Errorf("%w: no system account", auth.ErrForbidden)
	ErrInvalidName  = errors.New("invalid system user name")
)

var validName = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Authenticator wraps another authenticator and makes sure every user it admits has a host account
type Authenticator struct {
	inner  auth.Authenticator
	create bool
	addCmd []string

	lookup func(name string) (*user.User, error)
	run    func(ctx context.Context, argv []string) ([]byte, error)
}

func Wrap(inner auth.Authenticator, cfg config.LocalAuthenticatorConfig) *Authenticator {
	return &Authenticator{
		inner:  inner,
		create: cfg.CreateSystemUsers,
		addCmd: cfg.AddUserCmd,
		lookup: user.Lookup,
		run:    runCommand,
	}
}

func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

func (a *Authenticator) Unwrap() auth.Authenticator { return a.inner }

func (a *Authenticator) Authenticate(w http.ResponseWriter, r *http.Request) (*auth.User, error) {
	u, err := a.inner.Authenticate(w, r)
	if err != nil {
		return nil, err
	}
	if err := a.EnsureUser(r.Context(), u.Name); err != nil {
		return nil, err
	}
	return u, nil
}

// EnsureUser looks up name on the host and runs the add user command when the account is missing
func (a *Authenticator) EnsureUser(ctx context.Context, name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	_, err := a.lookup(name)
	if err == nil {
		return nil
	}
	var unknown user.UnknownUserError
	if !errors.As(err, &unknown) {
		return fmt.Errorf("lookup %s: %w", name, err)
	}

	if !a.create {
		return fmt.Errorf("%w: %s", ErrNoSystemUser, name)
	}
	if len(a.addCmd) == 0 {
		return errors.New("local_authenticator.add_user_cmd is empty")
	}

	argv := append(append([]string{}, a.addCmd...), name)
	slog.Info("Creating system user", "user", name, "cmd", strings.Join(argv, " "))
	if out, err := a.run(ctx, argv); err != nil {
		return fmt.Errorf("create system user %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}

	if _, err := a.lookup(name); err != nil {
		return fmt.Errorf("system user %s missing after creation: %w", name, err)
	}
	return nil
}
