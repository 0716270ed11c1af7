package config

import (
	"fmt"
	"os"
	"sort"
)

// Process environment consumed by the identity provider client and the auth state store
const (
	EnvCILogonHost         = "CILOGON_HOST"
	EnvCILogonClientID     = "CILOGON_CLIENT_ID"
	EnvCILogonClientSecret = "CILOGON_CLIENT_SECRET"
	EnvCryptKey            = "JUPYTERHUB_CRYPT_KEY"
)

// ApplyEnvironment exports the environment section. setenv defaults to os.Setenv.
func (c *Config) ApplyEnvironment(setenv func(key, value string) error) error {
	if setenv == nil {
		setenv = os.Setenv
	}

	keys := make([]string, 0, len(c.Environment))
	for k := range c.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := setenv(k, c.Environment[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

// IdentityProvider is the OAuth client registration read from the process environment
type IdentityProvider struct {
	Host         string
	ClientID     string
	ClientSecret string
}

// IssuerURL is the OIDC discovery base for the host
func (p IdentityProvider) IssuerURL() string {
	return "https://" + p.Host
}

// IdentityProviderFromEnv reads the identity provider settings. getenv defaults to os.Getenv.
func IdentityProviderFromEnv(getenv func(string) string) IdentityProvider {
	if getenv == nil {
		getenv = os.Getenv
	}
	host := getenv(EnvCILogonHost)
	if host == "" {
		host = "cilogon.org"
	}
	return IdentityProvider{
		Host:         host,
		ClientID:     getenv(EnvCILogonClientID),
		ClientSecret: getenv(EnvCILogonClientSecret),
	}
}
