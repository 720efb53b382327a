// Package config holds the settings, the site families and the
// subscription database of the tracker.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the process configuration.
type Settings struct {
	Data     DataSettings    `mapstructure:"data"`
	Timing   Timing          `mapstructure:"timing"`
	Announce bool            `mapstructure:"announce"`
	DryRun   bool            `mapstructure:"dry_run"`
	Email    EmailSettings   `mapstructure:"email"`
	SMS      SMSSettings     `mapstructure:"sms"`
	Browser  BrowserSettings `mapstructure:"browser"`
	HTTP     HTTPSettings    `mapstructure:"http"`
	Log      LogSettings     `mapstructure:"log"`
	Audit    AuditSettings   `mapstructure:"audit"`
	Sites    []SiteFamily    `mapstructure:"sites"`
}

// DataSettings locates the subscription database. SQLite wins when set.
type DataSettings struct {
	Items       string `mapstructure:"items"`
	Subscribers string `mapstructure:"subscribers"`
	SQLite      string `mapstructure:"sqlite"`
}

// EmailSettings configures the SMTP channel.
type EmailSettings struct {
	Server     string        `mapstructure:"server"`
	Port       int           `mapstructure:"port"`
	Sender     string        `mapstructure:"sender"`
	Password   string        `mapstructure:"password"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
	RequireTLS bool          `mapstructure:"require_tls"`
}

// SMSSettings configures the Twilio channel.
type SMSSettings struct {
	Sender    string `mapstructure:"sender"`
	AccountID string `mapstructure:"account_id"`
	AuthToken string `mapstructure:"auth_token"`
	BaseURL   string `mapstructure:"base_url"`
}

// BrowserSettings configures Chrome.
type BrowserSettings struct {
	Remote          string        `mapstructure:"remote"`
	Bin             string        `mapstructure:"bin"`
	Headful         bool          `mapstructure:"headful"`
	Stealth         bool          `mapstructure:"stealth"`
	BlockResources  []string      `mapstructure:"block_resources"`
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout"`
}

// HTTPSettings configures the static fetcher.
type HTTPSettings struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
	// StatsInterval paces the periodic watch counters line. Zero disables it.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// AuditSettings configures the SQLite audit trail. Empty DB disables it.
type AuditSettings struct {
	DB            string `mapstructure:"db"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// DefaultTiming mirrors the long-standing defaults of the tracker.
var DefaultTiming = Timing{
	SiteLoad:     10 * time.Second,
	Poll:         10 * time.Second,
	MaxWait:      10 * time.Second,
	MaxRefreshes: 3,
	Confirms:     1,
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STOCKWATCH"

// legacyEnv maps keys to the unprefixed variable names older deployments
// export.
var legacyEnv = map[string]string{
	"email.server":   "SERVER",
	"email.port":     "PORT",
	"email.sender":   "EMAIL_SENDER",
	"email.password": "EMAIL_SENDER_PASS",
	"sms.sender":     "SMS_SENDER",
	"sms.account_id": "SMS_ACCOUNT_ID",
	"sms.auth_token": "SMS_AUTH_TOKEN",
}

// Load reads the settings file (stockwatch.yaml in the working directory
// when cfgFile is empty) and applies environment overrides.
func Load(cfgFile string) (*Settings, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("stockwatch")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	s.applyDefaults()
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.items", "items.json")
	v.SetDefault("data.subscribers", "subscribers.json")
	v.SetDefault("data.sqlite", "")
	v.SetDefault("timing.site_load", DefaultTiming.SiteLoad)
	v.SetDefault("timing.poll", DefaultTiming.Poll)
	v.SetDefault("timing.max_wait", DefaultTiming.MaxWait)
	v.SetDefault("timing.max_refreshes", DefaultTiming.MaxRefreshes)
	v.SetDefault("timing.confirms", DefaultTiming.Confirms)
	v.SetDefault("announce", false)
	v.SetDefault("dry_run", false)
	v.SetDefault("email.server", "")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.sender", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.max_retries", 3)
	v.SetDefault("email.backoff", "2s")
	v.SetDefault("email.require_tls", true)
	v.SetDefault("sms.sender", "")
	v.SetDefault("sms.account_id", "")
	v.SetDefault("sms.auth_token", "")
	v.SetDefault("sms.base_url", "")
	v.SetDefault("browser.remote", "")
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.headful", false)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.block_resources", []string{"images", "fonts", "media"})
	v.SetDefault("browser.navigate_timeout", "30s")
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.stats_interval", "5m")
	v.SetDefault("audit.db", "")
	v.SetDefault("audit.retention_days", 90)
}

func (s *Settings) applyDefaults() {
	s.Timing = s.Timing.Merge(DefaultTiming)
	if s.Email.MaxRetries <= 0 {
		s.Email.MaxRetries = 3
	}
}

// SiteFamilies returns the built-in families with the configured ones
// applied on top.
func (s *Settings) SiteFamilies() Sites {
	return Builtin().With(s.Sites)
}

// TimingFor returns the effective timing of a family.
func (s *Settings) TimingFor(site SiteFamily) Timing {
	return site.Timing.Merge(s.Timing)
}
