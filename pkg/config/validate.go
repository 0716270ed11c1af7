package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks the relationships between settings. It does not touch the filesystem; paths are
// checked by the components that open them.
func (c *Config) Validate() error {
	var errs []error

	authClass, err := ResolveAuthenticatorClass(c.Hub.AuthenticatorClass)
	if err != nil {
		errs = append(errs, err)
	}
	if _, err := ResolveSpawnerClass(c.Hub.SpawnerClass); err != nil {
		errs = append(errs, err)
	}

	if (c.Hub.SSLCert == "") != (c.Hub.SSLKey == "") {
		errs = append(errs, errors.New("hub.ssl_cert and hub.ssl_key must be set together"))
	}

	if authClass.UsesOAuth() {
		u, err := url.Parse(c.COManage.OAuthCallbackURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			errs = append(errs, fmt.Errorf("comanage.oauth_callback_url must be an absolute URL, got %q", c.COManage.OAuthCallbackURL))
		}
	}

	if _, err := url.Parse(c.Hub.BindURL); err != nil {
		errs = append(errs, fmt.Errorf("hub.bind_url: %w", err))
	}

	if len(c.Spawner.Cmd) == 0 {
		errs = append(errs, errors.New("spawner.cmd must not be empty"))
	}

	if c.LocalAuthenticator.CreateSystemUsers && len(c.LocalAuthenticator.AddUserCmd) == 0 {
		errs = append(errs, errors.New("local_authenticator.add_user_cmd must not be empty when create_system_users is set"))
	}

	return errors.Join(errs...)
}
