package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"sdcc-bnl/nbhub/pkg/config"
	"sdcc-bnl/nbhub/services/hub/internal/auth"
	"sdcc-bnl/nbhub/services/hub/internal/auth/comanage"
	"sdcc-bnl/nbhub/services/hub/internal/auth/localuser"
	"sdcc-bnl/nbhub/services/hub/internal/auth/pamwrap"
	"sdcc-bnl/nbhub/services/hub/internal/authstate"
	"sdcc-bnl/nbhub/services/hub/internal/database"
	"sdcc-bnl/nbhub/services/hub/internal/hub"
	"sdcc-bnl/nbhub/services/hub/internal/proxy"
	"sdcc-bnl/nbhub/services/hub/internal/spawner"
)

func buildAuthenticator(ctx context.Context, cfg *config.Config, getenv func(string) string) (auth.Authenticator, error) {
	class, err := config.ResolveAuthenticatorClass(cfg.Hub.AuthenticatorClass)
	if err != nil {
		return nil, err
	}

	var inner auth.Authenticator
	switch class {
	case config.PAMAuthenticator:
		inner, err = pamwrap.New(cfg.PAM)
	case config.DummyAuthenticator:
		slog.Warn("DummyAuthenticator accepts any username, do not use it in production")
		inner = auth.DummyAuthenticator{}
	case config.COManageOAuthenticator, config.LocalCOManageOAuthenticator:
		idp := config.IdentityProviderFromEnv(getenv)
		inner, err = comanage.New(ctx, comanage.Options{
			IssuerURL:       idp.IssuerURL(),
			ClientID:        idp.ClientID,
			ClientSecret:    idp.ClientSecret,
			CallbackURL:     cfg.COManage.OAuthCallbackURL,
			Scopes:          cfg.COManage.Scopes,
			UsernameClaim:   cfg.COManage.UsernameClaim,
			IDPWhitelist:    cfg.COManage.IDPWhitelist,
			GroupWhitelist:  cfg.COManage.GroupWhitelist,
			EnableAuthState: cfg.Authenticator.EnableAuthState,
		})
	default:
		return nil, fmt.Errorf("authenticator class %s is not supported", class)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", class, err)
	}

	if class.IsLocal() {
		return localuser.Wrap(inner, cfg.LocalAuthenticator), nil
	}
	return inner, nil
}

// buildCrypt returns nil when auth state is disabled and fails when it is enabled without a usable key
func buildCrypt(cfg *config.Config) (*authstate.CryptKeeper, error) {
	if !cfg.Authenticator.EnableAuthState {
		return nil, nil
	}
	ck, err := authstate.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("enable_auth_state requires a valid %s: %w", config.EnvCryptKey, err)
	}
	return ck, nil
}

// buildHub assembles the hub from cfg. The returned store must be closed by the caller.
func buildHub(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*hub.Hub, *database.Store, error) {
	secret, err := auth.LoadCookieSecret(cfg.Hub.CookieSecretFile)
	if err != nil {
		return nil, nil, err
	}
	crypt, err := buildCrypt(cfg)
	if err != nil {
		return nil, nil, err
	}

	authenticator, err := buildAuthenticator(ctx, cfg, os.Getenv)
	if err != nil {
		return nil, nil, err
	}

	spawnerClass, err := config.ResolveSpawnerClass(cfg.Hub.SpawnerClass)
	if err != nil {
		return nil, nil, err
	}
	sp, err := spawner.New(spawnerClass, cfg.Spawner, logger)
	if err != nil {
		return nil, nil, err
	}

	store, err := database.Open(ctx, cfg.Hub.DBURL)
	if err != nil {
		return nil, nil, err
	}

	secure := cfg.Hub.SSLCert != "" && cfg.Hub.SSLKey != ""
	h := hub.New(hub.Options{
		Config:   cfg,
		Logger:   logger,
		Auth:     authenticator,
		Spawner:  sp,
		Proxy:    proxy.New(cfg.Proxy, logger),
		Store:    store,
		Sessions: auth.NewSessions(secret, time.Duration(cfg.Hub.CookieMaxAgeDays)*24*time.Hour, secure),
		Tokens:   auth.NewTokens(secret),
		Crypt:    crypt,
	})
	return h, store, nil
}
