// Package config holds the folio configuration: a JSON (or YAML) file,
// overridden by environment variables the way most PaaS hosts expect.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr    = ":3001"
	DefaultListenAddrTLS = ":3443"
	DefaultSMTPHost      = "smtp.qq.com"
	DefaultSMTPPort      = 587
	DefaultSMTPTimeout   = 30
	DefaultBanMinutes    = 24 * 60
)

type MetaConfig struct {
	Version         string        `json:"-" yaml:"-"`
	ListenAddr      string        `json:"listen" yaml:"listen"`
	ListenAddrTLS   string        `json:"listentls" yaml:"listentls"`
	SSLCert         string        `json:"sslcert" yaml:"sslcert"`
	SSLKey          string        `json:"sslkey" yaml:"sslkey"`
	SiteName        string        `json:"sitename" yaml:"sitename"`
	SiteURL         string        `json:"siteurl" yaml:"siteurl"`
	DevelopmentMode bool          `json:"devmode" yaml:"devmode"`
	CopyrightName   string        `json:"copyright-name" yaml:"copyright-name"`
	PathPublic      string        `json:"publicdir" yaml:"publicdir"` // empty serves the embedded assets
	Animate         AnimateConfig `json:"animate" yaml:"animate"`
}

// AnimateConfig is handed to the scroll-animation engine as-is, so the json
// names follow the engine's option names.
type AnimateConfig struct {
	Duration int    `json:"duration" yaml:"duration"`
	Offset   int    `json:"offset" yaml:"offset"`
	Once     bool   `json:"once" yaml:"once"`
	Mirror   bool   `json:"mirror" yaml:"mirror"`
	Easing   string `json:"easing" yaml:"easing"`
}

// MailConfig describes the outbound SMTP account. The contact form mails the
// account itself unless From/To say otherwise.
type MailConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Username       string `json:"user" yaml:"user"`
	Password       string `json:"pass" yaml:"pass"`
	From           string `json:"from" yaml:"from"`
	To             string `json:"to" yaml:"to"`
	TimeoutSeconds int    `json:"timeout" yaml:"timeout"`
	SkipVerify     bool   `json:"skip-verify" yaml:"skip-verify"` // skip the startup credential check

	// OpportunisticTLS sends in plaintext when the relay offers no STARTTLS.
	// Leave off for anything but a local relay.
	OpportunisticTLS bool `json:"opportunistic-tls" yaml:"opportunistic-tls"`
}

type SecurityConfig struct {
	CSRFKey       string   `json:"csrf-key" yaml:"csrf-key"` // 32 bytes, enables CSRF on /api/ when set
	CookieName    string   `json:"cookie-name" yaml:"cookie-name"`
	Whitelist     string   `json:"whitelist" yaml:"whitelist"`
	Blacklist     string   `json:"blacklist" yaml:"blacklist"`
	AllMethods    bool     `json:"greylist-all-methods" yaml:"greylist-all-methods"`
	TrustProxy    bool     `json:"trust-proxy" yaml:"trust-proxy"`   // take the client address from X-Forwarded-For / X-Real-IP
	MaxAttempts   int      `json:"max-attempts" yaml:"max-attempts"` // 0 never bans
	BanMinutes    int      `json:"ban-minutes" yaml:"ban-minutes"`
	AutocertHosts []string `json:"autocert-hosts" yaml:"autocert-hosts"`
	AutocertCache string   `json:"autocert-cache" yaml:"autocert-cache"`
}

type Config struct {
	Meta           MetaConfig     `json:"Meta,omitempty" yaml:"Meta,omitempty"`
	Mail           MailConfig     `json:"Mail,omitempty" yaml:"Mail,omitempty"`
	Sec            SecurityConfig `json:"Security,omitempty" yaml:"Security,omitempty"`
	ConfigFilePath string         `json:"-" yaml:"-"` // empty if stdin or no file
}

// Default returns a config that serves on :3001 and relays through the
// default SMTP host once credentials are supplied via the environment.
func Default() *Config {
	return &Config{
		Meta: MetaConfig{
			ListenAddr:    DefaultListenAddr,
			ListenAddrTLS: DefaultListenAddrTLS,
			SiteName:      "folio",
			Animate: AnimateConfig{
				Duration: 800,
				Offset:   100,
				Once:     false,
				Mirror:   true,
				Easing:   "ease-in-out",
			},
		},
		Mail: MailConfig{
			Host:           DefaultSMTPHost,
			Port:           DefaultSMTPPort,
			TimeoutSeconds: DefaultSMTPTimeout,
		},
		Sec: SecurityConfig{
			CookieName: "folio",
			BanMinutes: DefaultBanMinutes,
		},
	}
}

// Load reads the config at path on top of Default. An empty path returns the
// defaults, "-" reads JSON from stdin.
func Load(path string) (*Config, error) {
	config := Default()
	switch path {
	case "":
		return config, nil
	case "-":
		if err := decode(os.Stdin, ".json", config); err != nil {
			return nil, fmt.Errorf("error decoding config from stdin: %w", err)
		}
		return config, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()
	if err := decode(f, filepath.Ext(path), config); err != nil {
		return nil, fmt.Errorf("error decoding config %q: %w", path, err)
	}
	config.ConfigFilePath = path
	return config, nil
}

func decode(r io.Reader, ext string, config *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err := yaml.NewDecoder(r).Decode(config)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	default:
		return json.NewDecoder(r).Decode(config)
	}
}

// LoadDotEnv loads KEY=value pairs from filename into the environment.
// A missing file is not an error.
func LoadDotEnv(filename string) error {
	err := godotenv.Load(filename)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error loading %s: %w", filename, err)
	}
	return nil
}

// Check applies environment overrides, fills defaults and validates the
// config. Missing SMTP credentials only produce a warning: the server still
// starts, and every send fails until they are provided.
func Check(config *Config, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if config.Meta.Version == "" {
		config.Meta.Version = "folio"
	}

	// override if $PORT or $SITEURL are used (heroku, etc)
	if port := os.Getenv("PORT"); port != "" {
		log.Info("overriding listen address with $PORT", zap.String("port", port))
		config.Meta.ListenAddr = ":" + port
	}
	if siteurl := os.Getenv("SITEURL"); siteurl != "" {
		log.Info("overriding site url with $SITEURL", zap.String("siteurl", siteurl))
		config.Meta.SiteURL = siteurl
	}
	if user := os.Getenv("EMAIL_USER"); user != "" {
		config.Mail.Username = user
	}
	if pass := os.Getenv("EMAIL_PASS"); pass != "" {
		config.Mail.Password = pass
	}

	if config.Meta.ListenAddr == "" {
		config.Meta.ListenAddr = DefaultListenAddr
	}
	if config.Mail.Host == "" {
		config.Mail.Host = DefaultSMTPHost
	}
	if config.Mail.Port == 0 {
		config.Mail.Port = DefaultSMTPPort
	}
	if config.Mail.Port < 0 || config.Mail.Port > 65535 {
		return fmt.Errorf("config has invalid Mail.port %d", config.Mail.Port)
	}
	if config.Mail.TimeoutSeconds <= 0 {
		config.Mail.TimeoutSeconds = DefaultSMTPTimeout
	}
	if config.Mail.From == "" {
		config.Mail.From = config.Mail.Username
	}
	if config.Mail.To == "" {
		config.Mail.To = config.Mail.From
	}
	if config.Mail.Username == "" || config.Mail.Password == "" {
		log.Warn("no SMTP credentials, set EMAIL_USER and EMAIL_PASS; contact submissions will fail")
	}

	if config.Sec.CSRFKey != "" && len(config.Sec.CSRFKey) != 32 {
		return fmt.Errorf("config Security.csrf-key must be 32 bytes, got %d", len(config.Sec.CSRFKey))
	}
	if config.Sec.CookieName == "" {
		config.Sec.CookieName = "folio"
	}
	if config.Sec.MaxAttempts < 0 {
		return fmt.Errorf("config has negative Security.max-attempts")
	}
	if config.Sec.BanMinutes <= 0 {
		config.Sec.BanMinutes = DefaultBanMinutes
	}
	if len(config.Sec.AutocertHosts) > 0 && config.Sec.AutocertCache == "" {
		config.Sec.AutocertCache = "autocert"
	}

	if config.Meta.PathPublic != "" {
		if err := resolvePublic(config, log); err != nil {
			return err
		}
	}
	return nil
}

func resolvePublic(config *Config, log *zap.Logger) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	if config.ConfigFilePath != "" {
		dir, err = filepath.Abs(filepath.Dir(config.ConfigFilePath))
		if err != nil {
			return err
		}
	}
	if !filepath.IsAbs(config.Meta.PathPublic) {
		config.Meta.PathPublic = filepath.Join(dir, config.Meta.PathPublic)
		log.Debug("public path made absolute", zap.String("publicdir", config.Meta.PathPublic))
	}
	s, err := os.Stat(config.Meta.PathPublic)
	if err != nil {
		return fmt.Errorf("no public web assets found: %w", err)
	}
	if !s.IsDir() {
		return fmt.Errorf("is not a dir: %v", config.Meta.PathPublic)
	}
	return nil
}
