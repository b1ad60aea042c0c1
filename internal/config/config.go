package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const defaultConfigRelPath = ".ccssgen/config.yaml"

type SiteConfig struct {
	URL            string            `yaml:"url" env:"CCSSGEN_SITE_URL"`
	DocRoot        string            `yaml:"doc_root" env:"CCSSGEN_SITE_DOC_ROOT"`
	MultiTenant    bool              `yaml:"multi_tenant" env:"CCSSGEN_SITE_MULTI_TENANT"`
	SeparateMobile bool              `yaml:"separate_mobile" env:"CCSSGEN_SITE_SEPARATE_MOBILE"`
	RoleGroups     map[string]string `yaml:"role_groups" env:"CCSSGEN_SITE_ROLE_GROUPS"`
	VaryCookie     string            `yaml:"vary_cookie" env:"CCSSGEN_SITE_VARY_COOKIE"`
	CookiePrefix   string            `yaml:"cookie_prefix" env:"CCSSGEN_SITE_COOKIE_PREFIX"`
}

type RemoteConfig struct {
	BaseURL     string        `yaml:"base_url" env:"CCSSGEN_REMOTE_BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"CCSSGEN_REMOTE_API_KEY"`
	CCSSTimeout time.Duration `yaml:"ccss_timeout" env:"CCSSGEN_REMOTE_CCSS_TIMEOUT" validate:"gt=0"`
	UCSSTimeout time.Duration `yaml:"ucss_timeout" env:"CCSSGEN_REMOTE_UCSS_TIMEOUT" validate:"gt=0"`
	MaxRetries  int           `yaml:"max_retries" env:"CCSSGEN_REMOTE_MAX_RETRIES" validate:"gte=0,lte=10"`
	DailyQuota  int           `yaml:"daily_quota" env:"CCSSGEN_REMOTE_DAILY_QUOTA" validate:"gte=0"`
}

type GeneratorConfig struct {
	Cooldown        time.Duration `yaml:"cooldown" env:"CCSSGEN_GENERATOR_COOLDOWN" validate:"gt=0"`
	Interval        time.Duration `yaml:"interval" env:"CCSSGEN_GENERATOR_INTERVAL" validate:"gt=0"`
	Debug           bool          `yaml:"debug" env:"CCSSGEN_GENERATOR_DEBUG"`
	UCSSEnabled     bool          `yaml:"ucss_enabled" env:"CCSSGEN_GENERATOR_UCSS_ENABLED"`
	UCSSWhitelist   []string      `yaml:"ucss_whitelist" env:"CCSSGEN_GENERATOR_UCSS_WHITELIST"`
	FontCDNPatterns []string      `yaml:"font_cdn_patterns" env:"CCSSGEN_GENERATOR_FONT_CDN_PATTERNS"`
	DefaultCCSS     string        `yaml:"default_ccss" env:"CCSSGEN_GENERATOR_DEFAULT_CCSS"`

	ExcludePaths      []string `yaml:"exclude_paths" env:"CCSSGEN_GENERATOR_EXCLUDE_PATHS"`
	ExcludeExtensions []string `yaml:"exclude_extensions" env:"CCSSGEN_GENERATOR_EXCLUDE_EXTENSIONS"`
	ExcludeQueryKeys  []string `yaml:"exclude_query_keys" env:"CCSSGEN_GENERATOR_EXCLUDE_QUERY_KEYS"`
}

type RenderConfig struct {
	BypassParam string        `yaml:"bypass_param" env:"CCSSGEN_RENDER_BYPASS_PARAM" validate:"required"`
	BypassValue string        `yaml:"bypass_value" env:"CCSSGEN_RENDER_BYPASS_VALUE" validate:"required"`
	Timeout     time.Duration `yaml:"timeout" env:"CCSSGEN_RENDER_TIMEOUT" validate:"gt=0"`
	Browser     bool          `yaml:"browser" env:"CCSSGEN_RENDER_BROWSER"`
}

type CacheConfig struct {
	Dir string `yaml:"dir" env:"CCSSGEN_CACHE_DIR" validate:"required"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn" env:"CCSSGEN_STORE_DSN"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"CCSSGEN_SERVER_HOST"`
	Port int    `yaml:"port" env:"CCSSGEN_SERVER_PORT" validate:"min=1,max=65535"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret" env:"CCSSGEN_AUTH_SECRET"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"CCSSGEN_AUTH_TOKEN_TTL" validate:"gt=0"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"CCSSGEN_TELEMETRY_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"CCSSGEN_TELEMETRY_SERVICE_NAME"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"CCSSGEN_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"CCSSGEN_LOG_FORMAT" validate:"oneof=text json"`
}

type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Remote    RemoteConfig    `yaml:"remote"`
	Generator GeneratorConfig `yaml:"generator"`
	Render    RenderConfig    `yaml:"render"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

// BaseDir returns the directory holding the default config and database.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, filepath.Dir(defaultConfigRelPath)), nil
}

func (c *Config) SetDefaults() {
	if c.Site.VaryCookie == "" {
		c.Site.VaryCookie = "_ccss_vary"
	}
	if c.Site.CookiePrefix == "" {
		c.Site.CookiePrefix = "ccss"
	}
	if c.Remote.CCSSTimeout == 0 {
		c.Remote.CCSSTimeout = 30 * time.Second
	}
	if c.Remote.UCSSTimeout == 0 {
		c.Remote.UCSSTimeout = 180 * time.Second
	}
	if c.Remote.MaxRetries == 0 {
		c.Remote.MaxRetries = 2
	}
	if c.Generator.Cooldown == 0 {
		c.Generator.Cooldown = 300 * time.Second
	}
	if c.Generator.Interval == 0 {
		c.Generator.Interval = time.Minute
	}
	if len(c.Generator.FontCDNPatterns) == 0 {
		c.Generator.FontCDNPatterns = []string{"fonts.googleapis.com"}
	}
	if len(c.Generator.ExcludeExtensions) == 0 {
		c.Generator.ExcludeExtensions = []string{".xml", ".json", ".txt", ".css", ".js"}
	}
	if c.Render.BypassParam == "" {
		c.Render.BypassParam = "ccss_ctrl"
	}
	if c.Render.BypassValue == "" {
		c.Render.BypassValue = "before_optm"
	}
	if c.Render.Timeout == 0 {
		c.Render.Timeout = 30 * time.Second
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "./static"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ccssgen"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		return errors.New("cache.dir cannot be empty")
	}
	if err := ensureWritableDir(c.Cache.Dir); err != nil {
		return fmt.Errorf("cache.dir not writable: %w", err)
	}
	return nil
}

// ValidateGenerate enforces generate-specific requirements.
func (c *Config) ValidateGenerate() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		return errors.New("remote.base_url cannot be empty")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("remote.base_url is not an absolute url: %q", c.Remote.BaseURL)
	}
	return nil
}

// ValidateServe enforces serve-specific requirements.
func (c *Config) ValidateServe() error {
	if err := c.ValidateGenerate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("auth.secret cannot be empty")
	}
	u, err := url.Parse(c.Site.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.url is not an absolute url: %q", c.Site.URL)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
