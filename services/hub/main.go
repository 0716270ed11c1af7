package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"sdcc-bnl/nbhub/pkg/config"
	helpers "sdcc-bnl/nbhub/pkg/shared"
	"sdcc-bnl/nbhub/pkg/tlsutil"
)

func main() {
	logger := helpers.NewLogger("nbhub", "info")
	slog.SetDefault(logger)

	id := uuid.New()
	slog.Info("Starting hub", "uuid", id.String())

	pflag.String("config", "", "Path to config file (default: ./hub_config.yaml, then /etc/nbhub/hub_config.yaml)")
	pflag.String("log_level", "info", "Log level (debug|info|warn|error or 10|20|30|40)")
	pflag.String("bind_url", "http://:8000", "URL the hub listens on")
	pflag.String("authenticator_class", "PAMAuthenticator", "Authenticator class")
	pflag.String("spawner_class", "LocalProcessSpawner", "Spawner class")
	pflag.String("db_url", "sqlite:///jupyterhub.sqlite", "Database URL (sqlite:///path or postgres://...)")
	pflag.Bool("show_config", false, "Print the effective configuration as YAML and exit")
	pflag.String("override", "", "Override simple config values (string, int, bool) as comma-separated key:value pairs (e.g., hub.log_level:debug,proxy.debug:true)")

	pflag.Parse()

	config.BindFlags(map[string]string{
		"log_level":           "hub.log_level",
		"bind_url":            "hub.bind_url",
		"authenticator_class": "hub.authenticator_class",
		"spawner_class":       "hub.spawner_class",
		"db_url":              "hub.db_url",
	})

	cfg := config.Load(pflag.Lookup("config").Value.String(), pflag.Lookup("override").Value.String())

	// Update the logger to use the configured log level
	logger = helpers.NewLogger("nbhub", cfg.Hub.LogLevel)
	slog.SetDefault(logger)

	if show, _ := pflag.CommandLine.GetBool("show_config"); show {
		if err := writeConfig(os.Stdout, viper.AllSettings()); err != nil {
			slog.Error("Failed to print config", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnvironment(nil); err != nil {
		slog.Error("Failed to apply environment", "error", err)
		os.Exit(1)
	}

	// Global context that stops all single-user servers on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, store, err := buildHub(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialise hub", "error", err)
		os.Exit(1)
	}
	defer helpers.CloseOrLog(store)

	bind, err := url.Parse(cfg.Hub.BindURL)
	if err != nil {
		slog.Error("Invalid bind_url", "error", err)
		os.Exit(1)
	}
	server := &http.Server{
		Addr:              bind.Host,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.Hub.SSLCert != "" && cfg.Hub.SSLKey != ""
	if useTLS {
		reloader, err := tlsutil.NewKeyPairReloader(cfg.Hub.SSLCert, cfg.Hub.SSLKey, logger)
		if err != nil {
			slog.Error("Failed to load TLS key pair", "error", err)
			os.Exit(1)
		}
		if err := reloader.Watch(ctx); err != nil {
			slog.Warn("TLS key pair will not be reloaded on change", "error", err)
		}
		server.TLSConfig = reloader.TLSConfig()
	}

	// Run server in background
	go func() {
		slog.Info("Hub listening", "addr", server.Addr, "tls", useTLS, "base_url", cfg.Hub.BaseURL)
		var err error
		if useTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ListenAndServe error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	slog.Info("Signal received, shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error stopping single-user servers", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server Shutdown error", "error", err)
	} else {
		slog.Info("HTTP server shut down gracefully")
	}

	slog.Info("Hub exited gracefully")
}
