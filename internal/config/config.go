package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/auth"
)

// DefaultPath is read when no --config flag is given. A missing file is not
// an error.
const DefaultPath = "mailsync.yaml"

// ErrMissingCredentials means the selected provider cannot authenticate.
var ErrMissingCredentials = auth.ErrMissingCredentials

type GoogleConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURI  string   `mapstructure:"redirect_uri"`
	RefreshToken string   `mapstructure:"refresh_token"`
	User         string   `mapstructure:"user"`
	Topic        string   `mapstructure:"topic"`
	LabelIDs     []string `mapstructure:"label_ids"`
}

type OutlookConfig struct {
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	Tenant          string `mapstructure:"tenant"`
	RefreshToken    string `mapstructure:"refresh_token"`
	User            string `mapstructure:"user"`
	Folder          string `mapstructure:"folder"`
	NotificationURL string `mapstructure:"notification_url"`
	ClientState     string `mapstructure:"client_state"`
}

// BetterAuthConfig is an alternative token source: tokens are fetched from
// a BetterAuth server on behalf of the user identified by JWT.
type BetterAuthConfig struct {
	URL string `mapstructure:"url"`
	JWT string `mapstructure:"jwt"`
}

type LeaseConfig struct {
	RenewMargin   time.Duration `mapstructure:"renew_margin"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	VerifyPush   bool   `mapstructure:"verify_push"`
	PushAudience string `mapstructure:"push_audience"`
	PushEmail    string `mapstructure:"push_email"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	PushSubject   string `mapstructure:"push_subject"`
	Durable       string `mapstructure:"durable"`
}

type AMQPConfig struct {
	URL       string `mapstructure:"url"`
	PushQueue string `mapstructure:"push_queue"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete service configuration.
type Config struct {
	Provider     string        `mapstructure:"provider"`
	OwnerID      string        `mapstructure:"owner_id"`
	Folder       string        `mapstructure:"folder"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Lease      LeaseConfig      `mapstructure:"lease"`
	Google     GoogleConfig     `mapstructure:"google"`
	Outlook    OutlookConfig    `mapstructure:"outlook"`
	BetterAuth BetterAuthConfig `mapstructure:"betterauth"`
	Store      StoreConfig      `mapstructure:"store"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	NATS       NATSConfig       `mapstructure:"nats"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	Log        LogConfig        `mapstructure:"log"`
}

// legacyEnv are bare variable names accepted alongside MAILSYNC_*.
var legacyEnv = map[string]string{
	"google.client_id":     "GOOGLE_CLIENT_ID",
	"google.client_secret": "GOOGLE_CLIENT_SECRET",
	"google.redirect_uri":  "GOOGLE_REDIRECT_URI",
	"google.refresh_token": "GOOGLE_REFRESH_TOKEN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "gmail")
	v.SetDefault("owner_id", "")
	v.SetDefault("folder", "inbox")
	v.SetDefault("poll_interval", 30*time.Second)

	v.SetDefault("lease.renew_margin", 24*time.Hour)
	v.SetDefault("lease.retry_interval", 5*time.Minute)

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.redirect_uri", "urn:ietf:wg:oauth:2.0:oob")
	v.SetDefault("google.refresh_token", "")
	v.SetDefault("google.user", "me")
	v.SetDefault("google.topic", "")
	v.SetDefault("google.label_ids", []string{"INBOX"})

	v.SetDefault("outlook.client_id", "")
	v.SetDefault("outlook.client_secret", "")
	v.SetDefault("outlook.tenant", "common")
	v.SetDefault("outlook.refresh_token", "")
	v.SetDefault("outlook.user", "")
	v.SetDefault("outlook.folder", "inbox")
	v.SetDefault("outlook.notification_url", "")
	v.SetDefault("outlook.client_state", "")

	v.SetDefault("betterauth.url", "")
	v.SetDefault("betterauth.jwt", "")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "data/mailsync.db")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.verify_push", false)
	v.SetDefault("http.push_audience", "")
	v.SetDefault("http.push_email", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "MAILSYNC")
	v.SetDefault("nats.subject_prefix", "mailsync")
	v.SetDefault("nats.push_subject", "")
	v.SetDefault("nats.durable", "mailsync-push")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.push_queue", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path (optional) and the environment. An empty path tries
// DefaultPath.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "MAILSYNC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), !explicit && errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// AuthProvider maps the configured mail provider to its OAuth provider.
func (c *Config) AuthProvider() auth.Provider {
	if c.Provider == "outlook" {
		return auth.ProviderMicrosoft
	}
	return auth.ProviderGoogle
}

// Credentials returns the OAuth credentials of the selected provider.
func (c *Config) Credentials() auth.Credentials {
	if c.Provider == "outlook" {
		return auth.Credentials{
			ClientID:     c.Outlook.ClientID,
			ClientSecret: c.Outlook.ClientSecret,
			RefreshToken: c.Outlook.RefreshToken,
			Tenant:       c.Outlook.Tenant,
		}
	}
	return auth.Credentials{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		RedirectURL:  c.Google.RedirectURI,
		RefreshToken: c.Google.RefreshToken,
	}
}

// UseBetterAuth reports whether tokens come from BetterAuth instead of a
// local refresh token.
func (c *Config) UseBetterAuth() bool {
	return c.BetterAuth.URL != "" && c.BetterAuth.JWT != ""
}

// Validate checks the settings the sync engine cannot start without.
func (c *Config) Validate() error {
	switch c.Provider {
	case "gmail", "outlook":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if !c.Credentials().Complete() && !c.UseBetterAuth() {
		return fmt.Errorf("%s: %w", c.Provider, ErrMissingCredentials)
	}
	if c.Provider == "gmail" && c.Google.Topic == "" {
		return errors.New("google.topic is required")
	}
	if c.Provider == "outlook" {
		if c.Outlook.User == "" {
			return errors.New("outlook.user is required")
		}
		if c.Outlook.NotificationURL == "" {
			return errors.New("outlook.notification_url is required")
		}
	}
	if c.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.HTTP.VerifyPush && c.HTTP.PushAudience == "" {
		return errors.New("http.verify_push requires http.push_audience")
	}
	return nil
}

// Apply configures the global logrus logger.
func (l LogConfig) Apply() error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)

	switch l.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", l.Format)
	}
	return nil
}

// Subscription returns what the lease manager subscribes to.
func (c *Config) Subscription() (topic string, filter []string) {
	if c.Provider == "outlook" {
		return c.Outlook.NotificationURL, nil
	}
	return c.Google.Topic, c.Google.LabelIDs
}
