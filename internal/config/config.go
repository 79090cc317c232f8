package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "MAKOTO"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "makoto.db"
	defaultLogLevel     = "info"
	defaultTokenTTLMin  = 60
	defaultStateTTLMin  = 10

	defaultLineAuthorizeURL = "https://access.line.me/oauth2/v2.1/authorize"
	defaultLineTokenURL     = "https://api.line.me/oauth2/v2.1/token"
	defaultLineProfileURL   = "https://api.line.me/v2/profile"

	defaultTwitterAuthorizeURL = "https://twitter.com/i/oauth2/authorize"
	defaultTwitterTokenURL     = "https://api.twitter.com/2/oauth2/token"
	defaultTwitterProfileURL   = "https://api.twitter.com/2/users/me"
)

// ProviderConfig holds the OAuth endpoints and credentials for one identity provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	ProfileURL   string
	RedirectURL  string
}

// Enabled reports whether the provider has been configured with credentials.
func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.ClientID) != ""
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	AdminToken    string
	TokenTTL      time.Duration
	StateTTL      time.Duration
	// AllowedOrigins restricts which page origins may initiate a login.
	// Empty means any origin is accepted.
	AllowedOrigins []string
	Line           ProviderConfig
	Twitter        ProviderConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("login.state_ttl_minutes", defaultStateTTLMin)

	configViper.SetDefault("providers.line.authorize_url", defaultLineAuthorizeURL)
	configViper.SetDefault("providers.line.token_url", defaultLineTokenURL)
	configViper.SetDefault("providers.line.profile_url", defaultLineProfileURL)

	configViper.SetDefault("providers.twitter.authorize_url", defaultTwitterAuthorizeURL)
	configViper.SetDefault("providers.twitter.token_url", defaultTwitterTokenURL)
	configViper.SetDefault("providers.twitter.profile_url", defaultTwitterProfileURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		AdminToken:     configViper.GetString("admin.token"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		StateTTL:       time.Duration(configViper.GetInt("login.state_ttl_minutes")) * time.Minute,
		AllowedOrigins: configViper.GetStringSlice("login.allowed_origins"),
		Line:           loadProvider(configViper, "line"),
		Twitter:        loadProvider(configViper, "twitter"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func loadProvider(configViper *viper.Viper, name string) ProviderConfig {
	prefix := "providers." + name + "."
	return ProviderConfig{
		ClientID:     configViper.GetString(prefix + "client_id"),
		ClientSecret: configViper.GetString(prefix + "client_secret"),
		AuthorizeURL: configViper.GetString(prefix + "authorize_url"),
		TokenURL:     configViper.GetString(prefix + "token_url"),
		ProfileURL:   configViper.GetString(prefix + "profile_url"),
		RedirectURL:  configViper.GetString(prefix + "redirect_url"),
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AdminToken) == "" {
		return fmt.Errorf("admin.token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if !c.Line.Enabled() && !c.Twitter.Enabled() {
		return fmt.Errorf("at least one login provider must be configured")
	}
	for _, provider := range []struct {
		name string
		cfg  ProviderConfig
	}{{"line", c.Line}, {"twitter", c.Twitter}} {
		if !provider.cfg.Enabled() {
			continue
		}
		if strings.TrimSpace(provider.cfg.RedirectURL) == "" {
			return fmt.Errorf("providers.%s.redirect_url is required", provider.name)
		}
	}
	return nil
}
