package config

import (
	"fmt"
	"strings"
)

type AuthenticatorClass string

const (
	PAMAuthenticator            AuthenticatorClass = "PAMAuthenticator"
	DummyAuthenticator          AuthenticatorClass = "DummyAuthenticator"
	COManageOAuthenticator      AuthenticatorClass = "COManageOAuthenticator"
	LocalCOManageOAuthenticator AuthenticatorClass = "LocalCOManageOAuthenticator"
)

type SpawnerClass string

const (
	LocalProcessSpawner SpawnerClass = "LocalProcessSpawner"
	DockerSpawner       SpawnerClass = "DockerSpawner"
)

// Class names are matched case-insensitively, with or without their Python module path
var authenticatorAliases = map[string]AuthenticatorClass{
	"pam":                              PAMAuthenticator,
	"jupyterhub.auth.pamauthenticator": PAMAuthenticator,

	"dummy":                              DummyAuthenticator,
	"jupyterhub.auth.dummyauthenticator": DummyAuthenticator,

	"comanage": COManageOAuthenticator,
	"oauthenticator.comanage.comanageoauthenticator": COManageOAuthenticator,

	"local-comanage": LocalCOManageOAuthenticator,
	"oauthenticator.comanage.localcomanageoauthenticator": LocalCOManageOAuthenticator,
}

var spawnerAliases = map[string]SpawnerClass{
	"localprocess":                           LocalProcessSpawner,
	"jupyterhub.spawner.localprocessspawner": LocalProcessSpawner,
	"docker":                                 DockerSpawner,
	"dockerspawner.dockerspawner":            DockerSpawner,
}

func init() {
	for _, c := range []AuthenticatorClass{PAMAuthenticator, DummyAuthenticator, COManageOAuthenticator, LocalCOManageOAuthenticator} {
		authenticatorAliases[strings.ToLower(string(c))] = c
	}
	for _, c := range []SpawnerClass{LocalProcessSpawner, DockerSpawner} {
		spawnerAliases[strings.ToLower(string(c))] = c
	}
}

func ResolveAuthenticatorClass(name string) (AuthenticatorClass, error) {
	if c, ok := authenticatorAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown authenticator class %q", name)
}

func ResolveSpawnerClass(name string) (SpawnerClass, error) {
	if c, ok := spawnerAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown spawner class %q", name)
}

// IsLocal reports whether the authenticator maps logins onto host accounts
func (c AuthenticatorClass) IsLocal() bool {
	return c == PAMAuthenticator || c == LocalCOManageOAuthenticator
}

func (c AuthenticatorClass) UsesOAuth() bool {
	return c == COManageOAuthenticator || c == LocalCOManageOAuthenticator
}
