package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"

	"github.com/turnuphosting/latest-varnish/pkg/validate"
)

const DefaultPath = "/etc/cpvarnish/config.yaml"

type Ports struct {
	HTTP          int `yaml:"http" json:"http"`
	HTTPS         int `yaml:"https" json:"https"`
	BackendHTTP   int `yaml:"backendHttp" json:"backendHttp"`
	BackendHTTPS  int `yaml:"backendHttps" json:"backendHttps"`
	InternalProxy int `yaml:"internalProxy" json:"internalProxy"`
	VarnishAdmin  int `yaml:"varnishAdmin" json:"varnishAdmin"`
}

type Varnish struct {
	Memory      string   `yaml:"memory"`
	BackendHost string   `yaml:"backendHost"`
	VCLPath     string   `yaml:"vclPath"`
	SecretPath  string   `yaml:"secretPath"`
	UnitDropIn  string   `yaml:"unitDropIn"`
	ACL         []string `yaml:"acl"`
	DefaultTTL  string   `yaml:"defaultTtl"`
	StaticTTL   string   `yaml:"staticTtl"`
	Grace       string   `yaml:"grace"`
}

type Hitch struct {
	ConfigPath string `yaml:"configPath"`
	CertDir    string `yaml:"certDir"`
	User       string `yaml:"user"`
	Group      string `yaml:"group"`
	Ciphers    string `yaml:"ciphers"`
	Workers    int    `yaml:"workers"`
}

type Paths struct {
	BackupDir       string   `yaml:"backupDir"`
	StateDir        string   `yaml:"stateDir"`
	InstallLog      string   `yaml:"installLog"`
	OSRelease       string   `yaml:"osRelease"`
	CPanelBinary    string   `yaml:"cpanelBinary"`
	CPanelConfig    string   `yaml:"cpanelConfig"`
	WHMAPI          string   `yaml:"whmapi"`
	Scripts         string   `yaml:"scripts"`
	AppConfigDir    string   `yaml:"appConfigDir"`
	PanelCGI        string   `yaml:"panelCgi"`
	UserCGI         string   `yaml:"userCgi"`
	PanelBinary     string   `yaml:"panelBinary"`
	CLIBinary       string   `yaml:"cliBinary"`
	UserDomains     string   `yaml:"userDomains"`
	ApacheConf      []string `yaml:"apacheConf"`
	CertSearchDirs  []string `yaml:"certSearchDirs"`
	KeySearchDirs   []string `yaml:"keySearchDirs"`
	CronFile        string   `yaml:"cronFile"`
	MetricsTextfile string   `yaml:"metricsTextfile"`
	PanelSecret     string   `yaml:"panelSecret"`
}

type Retry struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type Panel struct {
	Bind        string        `yaml:"bind"`
	CORSOrigins []string      `yaml:"corsOrigins"`
	TokenTTL    time.Duration `yaml:"tokenTtl"`
	// Group owns the panel and varnishadm secrets; the panel binary is
	// installed setgid to it so cPanel users can read them.
	Group string `yaml:"group"`
}

type CertSync struct {
	Schedule string `yaml:"schedule"`
}

type Config struct {
	Ports    Ports    `yaml:"ports"`
	Varnish  Varnish  `yaml:"varnish"`
	Hitch    Hitch    `yaml:"hitch"`
	Paths    Paths    `yaml:"paths"`
	Retry    Retry    `yaml:"retry"`
	Panel    Panel    `yaml:"panel"`
	CertSync CertSync `yaml:"certSync"`
	Logging  struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	LogLevel zerolog.Level `yaml:"-"`
	Source   string        `yaml:"-"`
}

// Defaults match a stock cPanel host: Varnish on 80, Hitch on 443, Apache moved
// to 8080/8443 and Hitch handing decrypted traffic to Varnish on 4443 with PROXY v2.
func Defaults() Config {
	c := Config{
		Ports: Ports{HTTP: 80, HTTPS: 443, BackendHTTP: 8080, BackendHTTPS: 8443, InternalProxy: 4443, VarnishAdmin: 6082},
		Varnish: Varnish{
			Memory:      "256M",
			BackendHost: "127.0.0.1",
			VCLPath:     "/etc/varnish/default.vcl",
			SecretPath:  "/etc/varnish/secret",
			UnitDropIn:  "/etc/systemd/system/varnish.service.d/cpvarnish.conf",
			ACL:         []string{"127.0.0.1", "::1"},
			DefaultTTL:  "120s",
			StaticTTL:   "7d",
			Grace:       "6h",
		},
		Hitch: Hitch{
			ConfigPath: "/etc/hitch/hitch.conf",
			CertDir:    "/etc/hitch/certs",
			User:       "hitch",
			Group:      "hitch",
			Ciphers:    "EECDH+AESGCM:EDH+AESGCM",
			Workers:    2,
		},
		Paths: Paths{
			BackupDir:    "/var/lib/cpvarnish/backups",
			StateDir:     "/var/lib/cpvarnish",
			InstallLog:   "/var/log/cpvarnish/install.log",
			OSRelease:    "/etc/os-release",
			CPanelBinary: "/usr/local/cpanel/cpanel",
			CPanelConfig: "/var/cpanel/cpanel.config",
			WHMAPI:       "/usr/local/cpanel/bin/whmapi1",
			Scripts:      "/usr/local/cpanel/scripts",
			AppConfigDir: "/var/cpanel/apps",
			PanelCGI:     "/usr/local/cpanel/whostmgr/docroot/cgi/cpvarnish/cpvarnish-panel.cgi",
			UserCGI:      "/usr/local/cpanel/base/3rdparty/cpvarnish/cpvarnish-panel.cgi",
			PanelBinary:  "/usr/local/bin/cpvarnish-panel",
			CLIBinary:    "/usr/local/bin/cpvarnish",
			UserDomains:  "/etc/userdomains",
			ApacheConf:   []string{"/etc/apache2/conf/httpd.conf"},
			CertSearchDirs: []string{
				"/var/cpanel/ssl/apache_tls/*",
				"/etc/ssl/certs",
				"/etc/pki/tls/certs",
			},
			KeySearchDirs:   []string{"/etc/ssl/private", "/etc/pki/tls/private"},
			CronFile:        "/etc/cron.d/cpvarnish",
			MetricsTextfile: "/var/lib/node_exporter/textfile_collector/cpvarnish.prom",
			PanelSecret:     "/var/lib/cpvarnish/panel.key",
		},
		Retry:    Retry{MaxAttempts: 3, Backoff: 3 * time.Second},
		Panel:    Panel{Bind: "127.0.0.1:9180", TokenTTL: 2 * time.Hour, Group: "varnish"},
		CertSync: CertSync{Schedule: "17 3 * * *"},
	}
	c.Logging.Level = "info"
	c.LogLevel = zerolog.InfoLevel
	return c
}

// Load builds the configuration from defaults, the YAML file at path (when it
// exists) and CPV_* environment variables, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("CPV_CONFIG")
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Source = path
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || cfg.Logging.Level == "" {
		lvl = zerolog.InfoLevel
	}
	cfg.LogLevel = lvl
	return cfg, nil
}

func applyEnv(c *Config) error {
	ints := map[string]*int{
		"CPV_HTTP_PORT":           &c.Ports.HTTP,
		"CPV_HTTPS_PORT":          &c.Ports.HTTPS,
		"CPV_BACKEND_HTTP_PORT":   &c.Ports.BackendHTTP,
		"CPV_BACKEND_HTTPS_PORT":  &c.Ports.BackendHTTPS,
		"CPV_INTERNAL_PROXY_PORT": &c.Ports.InternalProxy,
		"CPV_RETRY_ATTEMPTS":      &c.Retry.MaxAttempts,
	}
	for k, dst := range ints {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = n
		}
	}
	strs := map[string]*string{
		"CPV_VARNISH_MEMORY":     &c.Varnish.Memory,
		"CPV_STATE_DIR":          &c.Paths.StateDir,
		"CPV_BACKUP_DIR":         &c.Paths.BackupDir,
		"CPV_INSTALL_LOG":        &c.Paths.InstallLog,
		"CPV_PANEL_BIND":         &c.Panel.Bind,
		"CPV_PANEL_GROUP":        &c.Panel.Group,
		"CPV_CERT_SYNC_SCHEDULE": &c.CertSync.Schedule,
		"CPV_LOG":                &c.Logging.Level,
	}
	for k, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("CPV_RETRY_BACKOFF")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CPV_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := strings.TrimSpace(os.Getenv("CPV_PANEL_CORS_ORIGINS")); v != "" {
		c.Panel.CORSOrigins = strings.Split(v, ",")
	}
	return nil
}

// Validate rejects configurations that cannot produce a working install.
func (c Config) Validate() error {
	named := []struct {
		name string
		port int
	}{
		{"ports.http", c.Ports.HTTP},
		{"ports.https", c.Ports.HTTPS},
		{"ports.backendHttp", c.Ports.BackendHTTP},
		{"ports.backendHttps", c.Ports.BackendHTTPS},
		{"ports.internalProxy", c.Ports.InternalProxy},
		{"ports.varnishAdmin", c.Ports.VarnishAdmin},
	}
	seen := map[int]string{}
	for _, p := range named {
		if err := validate.Port(p.port); err != nil {
			return fmt.Errorf("%s=%d: %w", p.name, p.port, err)
		}
		if other, dup := seen[p.port]; dup {
			return fmt.Errorf("%s and %s both use port %d", other, p.name, p.port)
		}
		seen[p.port] = p.name
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1")
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("retry.backoff must not be negative")
	}
	if strings.TrimSpace(c.Panel.Group) == "" {
		return fmt.Errorf("panel.group must be set")
	}
	if err := ValidateSchedule(c.CertSync.Schedule); err != nil {
		return fmt.Errorf("certSync.schedule %q: %w", c.CertSync.Schedule, err)
	}
	return nil
}

// crontabParser accepts what /etc/cron.d understands: five fields or an
// @daily style descriptor.
var crontabParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule rejects schedules system cron cannot run, including the
// robfig-only "@every" form and TZ prefixes.
func ValidateSchedule(schedule string) error {
	s := strings.TrimSpace(schedule)
	switch {
	case strings.ContainsAny(s, "\r\n"):
		return errors.New("must be a single line")
	case strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ="):
		return errors.New("time zone prefixes are not supported")
	case strings.HasPrefix(s, "@every"):
		return errors.New("@every is not understood by system cron")
	}
	_, err := crontabParser.Parse(s)
	return err
}
