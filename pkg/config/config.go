// Package config provides the hub settings registry using Viper
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type HubConfig struct {
	AuthenticatorClass string `mapstructure:"authenticator_class"`
	SpawnerClass       string `mapstructure:"spawner_class"`
	CookieSecretFile   string `mapstructure:"cookie_secret_file"`
	CookieMaxAgeDays   int    `mapstructure:"cookie_max_age_days"`
	// LogLevel accepts names (debug, info, ...) or numeric levels (10, 20, ...)
	LogLevel string `mapstructure:"log_level"`
	SSLCert  string `mapstructure:"ssl_cert"`
	SSLKey   string `mapstructure:"ssl_key"`
	BindURL  string `mapstructure:"bind_url"`
	BaseURL  string `mapstructure:"base_url"`
	DBURL    string `mapstructure:"db_url"`
}

type COManageConfig struct {
	OAuthCallbackURL string   `mapstructure:"oauth_callback_url"`
	IDPWhitelist     []string `mapstructure:"idp_whitelist"`
	GroupWhitelist   []string `mapstructure:"comanage_group_whitelist"`
	Scopes           []string `mapstructure:"scopes"`
	UsernameClaim    string   `mapstructure:"username_claim"`
}

type ProxyConfig struct {
	Debug bool `mapstructure:"debug"`
}

type DockerConfig struct {
	Image   string `mapstructure:"image"`
	Network string `mapstructure:"network"`
}

type SpawnerConfig struct {
	Debug        bool          `mapstructure:"debug"`
	Cmd          []string      `mapstructure:"cmd"`
	Args         []string      `mapstructure:"args"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	NotebookDir  string        `mapstructure:"notebook_dir"`
	Docker       DockerConfig  `mapstructure:"docker"`
}

type AuthenticatorConfig struct {
	AdminUsers      []string `mapstructure:"admin_users"`
	EnableAuthState bool     `mapstructure:"enable_auth_state"`
}

type LocalAuthenticatorConfig struct {
	CreateSystemUsers bool     `mapstructure:"create_system_users"`
	AddUserCmd        []string `mapstructure:"add_user_cmd"`
}

type PAMConfig struct {
	ServiceName string `mapstructure:"service_name"` // e.g. "login"
}

// Config holds every setting the hub and its plugins read at startup
type Config struct {
	// Environment is exported into the process environment before any plugin starts.
	// Keys are upper case.
	Environment map[string]string `mapstructure:"environment"`

	Hub                HubConfig                `mapstructure:"hub"`
	COManage           COManageConfig           `mapstructure:"comanage"`
	Proxy              ProxyConfig              `mapstructure:"proxy"`
	Spawner            SpawnerConfig            `mapstructure:"spawner"`
	Authenticator      AuthenticatorConfig      `mapstructure:"authenticator"`
	LocalAuthenticator LocalAuthenticatorConfig `mapstructure:"local_authenticator"`
	PAM                PAMConfig                `mapstructure:"pam"`
}

func setHubDefaults(v *viper.Viper) {
	v.SetDefault("hub.authenticator_class", string(PAMAuthenticator))
	v.SetDefault("hub.spawner_class", string(LocalProcessSpawner))
	v.SetDefault("hub.cookie_secret_file", "jupyterhub_cookie_secret")
	v.SetDefault("hub.cookie_max_age_days", 14)
	v.SetDefault("hub.log_level", "info")
	v.SetDefault("hub.ssl_cert", "")
	v.SetDefault("hub.ssl_key", "")
	v.SetDefault("hub.bind_url", "http://:8000")
	v.SetDefault("hub.base_url", "/")
	v.SetDefault("hub.db_url", "sqlite:///jupyterhub.sqlite")
}

func setAuthDefaults(v *viper.Viper) {
	v.SetDefault("comanage.oauth_callback_url", "")
	v.SetDefault("comanage.idp_whitelist", []string{})
	v.SetDefault("comanage.comanage_group_whitelist", []string{})
	v.SetDefault("comanage.scopes", []string{"openid", "email", "profile", "org.cilogon.userinfo"})
	v.SetDefault("comanage.username_claim", "eppn")

	v.SetDefault("authenticator.admin_users", []string{})
	v.SetDefault("authenticator.enable_auth_state", false)

	v.SetDefault("local_authenticator.create_system_users", false)
	v.SetDefault("local_authenticator.add_user_cmd", []string{"useradd", "-m"})

	v.SetDefault("pam.service_name", "login")
}

func setSpawnerDefaults(v *viper.Viper) {
	v.SetDefault("spawner.debug", false)
	v.SetDefault("spawner.cmd", []string{"jupyterhub-singleuser"})
	v.SetDefault("spawner.args", []string{})
	v.SetDefault("spawner.http_timeout", 30*time.Second)
	v.SetDefault("spawner.start_timeout", 60*time.Second)
	v.SetDefault("spawner.notebook_dir", "")
	v.SetDefault("spawner.docker.image", "quay.io/jupyter/base-notebook:latest")
	v.SetDefault("spawner.docker.network", "")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", map[string]string{})
	v.SetDefault("proxy.debug", false)

	setHubDefaults(v)
	setAuthDefaults(v)
	setSpawnerDefaults(v)
}

func ConfigureViper(v *viper.Viper) {
	// Settings can also come from env variables with an `NBHUB_` prefix
	v.SetEnvPrefix("NBHUB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigName("hub_config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nbhub")
}

func init() {
	ConfigureViper(viper.GetViper())
}

// Load loads the hub configuration into the global viper instance, exiting the process on failure
func Load(configPath string, overrideStr string) *Config {
	cfg, err := LoadFrom(viper.GetViper(), configPath, overrideStr)
	if err != nil {
		slog.Error("Failed to load config", "error", err, "config_file", viper.ConfigFileUsed())
		os.Exit(1)
	}
	return cfg
}

// LoadFrom reads configuration into v. A missing file is only an error when configPath was given
// explicitly. Overrides are comma-separated key:value pairs and take precedence over everything else.
func LoadFrom(v *viper.Viper, configPath string, overrideStr string) (*Config, error) {
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	fileRead := false
	err := v.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		slog.Info("No config file found, using defaults")
	} else {
		fileRead = true
		slog.Info("Loaded config file", "path", v.ConfigFileUsed())
	}

	if overrideStr != "" {
		for _, pair := range strings.Split(overrideStr, ",") {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid override %q, expected key:value", pair)
			}
			v.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}

	if err := validateSchema(v.AllSettings()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	// Viper folds keys to lower case. Environment names keep the spelling of the config file,
	// names only set through overrides are upper-cased.
	var spelled map[string]string
	if fileRead {
		spelled = environmentSpelling(v.ConfigFileUsed())
	}
	env := make(map[string]string, len(cfg.Environment))
	for k, val := range cfg.Environment {
		name, ok := spelled[strings.ToLower(k)]
		if !ok {
			name = strings.ToUpper(k)
		}
		env[name] = val
	}
	cfg.Environment = env

	return &cfg, nil
}

// environmentSpelling maps the lower-cased names of the file's environment section to their written form
func environmentSpelling(path string) map[string]string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc struct {
		Environment map[string]any `yaml:"environment"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		slog.Debug("Could not re-read environment names, upper-casing them", "path", path, "error", err)
		return nil
	}
	out := make(map[string]string, len(doc.Environment))
	for k := range doc.Environment {
		out[strings.ToLower(k)] = k
	}
	return out
}

// BindFlags binds pflags to viper keys. bindFlags is a map of pflag names to viper keys.
func BindFlags(bindFlags map[string]string) {
	for flagName, viperKey := range bindFlags {
		if err := viper.BindPFlag(viperKey, pflag.Lookup(flagName)); err != nil {
			slog.Error("Failed to bind flag", "flag", flagName, "error", err)
			os.Exit(1)
		}
	}
}
