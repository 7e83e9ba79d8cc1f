package config

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`
	Services  []ServiceConfig `yaml:"services" mapstructure:"services"`
	Capture   CaptureConfig   `yaml:"capture" mapstructure:"capture"`
	Progress  ProgressConfig  `yaml:"progress" mapstructure:"progress"`
	Web       WebConfig       `yaml:"web" mapstructure:"web"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode     string         `yaml:"mode" mapstructure:"mode"`
	Silence  bool           `yaml:"silence" mapstructure:"silence"`
	BodyView BodyViewConfig `yaml:"body_view" mapstructure:"body_view"`
}

// BodyViewConfig controls how captured bodies are rendered
type BodyViewConfig struct {
	MaxPreviewBytes int  `yaml:"max_preview_bytes" mapstructure:"max_preview_bytes"`
	FullBody        bool `yaml:"full_body" mapstructure:"full_body"`
	PrettyJSON      bool `yaml:"pretty_json" mapstructure:"pretty_json"`
	PrettyHTML      bool `yaml:"pretty_html" mapstructure:"pretty_html"`
	PrettyXML       bool `yaml:"pretty_xml" mapstructure:"pretty_xml"`
}

// TransportConfig holds connection defaults shared by every service
type TransportConfig struct {
	Timeout               time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries            int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff          time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	MaxRetryBackoff       time.Duration `yaml:"max_retry_backoff" mapstructure:"max_retry_backoff"`
	MaxIdleConns          int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify bool          `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
	HTTP2                 bool          `yaml:"http2" mapstructure:"http2"`
	UserAgent             string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// ServiceConfig declares one registry key
type ServiceConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// Module groups captured records; defaults to Key
	Module       string             `yaml:"module" mapstructure:"module"`
	Timeout      time.Duration      `yaml:"timeout" mapstructure:"timeout"`
	Retries      *int               `yaml:"retries" mapstructure:"retries"`
	Headers      map[string]string  `yaml:"headers" mapstructure:"headers"`
	Capture      *bool              `yaml:"capture" mapstructure:"capture"`
	PathStrategy PathStrategyConfig `yaml:"path_strategy" mapstructure:"path_strategy"`
}

// PathStrategyConfig configures request path rewriting for a service
type PathStrategyConfig struct {
	Mode        string              `yaml:"mode" mapstructure:"mode"`
	StripPrefix string              `yaml:"strip_prefix" mapstructure:"strip_prefix"`
	Rules       []RewriteRuleConfig `yaml:"rules" mapstructure:"rules"`
}

// RewriteRuleConfig defines a rewrite rule when mode is rewrite
type RewriteRuleConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Match   string `yaml:"match" mapstructure:"match"`
	Replace string `yaml:"replace" mapstructure:"replace"`
	Regex   bool   `yaml:"regex" mapstructure:"regex"`
}

// CaptureConfig traffic capture and storage parameters
type CaptureConfig struct {
	Enable        bool          `yaml:"enable" mapstructure:"enable"`
	Driver        string        `yaml:"driver" mapstructure:"driver"`
	Path          string        `yaml:"path" mapstructure:"path"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxRecords    int           `yaml:"max_records" mapstructure:"max_records"`
	Retention     time.Duration `yaml:"retention" mapstructure:"retention"`
	PruneSchedule string        `yaml:"prune_schedule" mapstructure:"prune_schedule"`
	AsyncBuffer   int           `yaml:"async_buffer" mapstructure:"async_buffer"`
	WriteTimeout  time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	EncryptionKey string        `yaml:"encryption_key" mapstructure:"encryption_key"`
	RedactHeaders []string      `yaml:"redact_headers" mapstructure:"redact_headers"`
	Include       []string      `yaml:"include" mapstructure:"include"`
	Exclude       []string      `yaml:"exclude" mapstructure:"exclude"`
}

// ProgressConfig progress reporting parameters
type ProgressConfig struct {
	Refresh time.Duration `yaml:"refresh" mapstructure:"refresh"`
	// Serial delivers every progress callback on one goroutine.
	Serial  bool          `yaml:"serial" mapstructure:"serial"`
}

// WebConfig inspection API configuration
type WebConfig struct {
	Enable    bool            `yaml:"enable" mapstructure:"enable"`
	Listen    string          `yaml:"listen" mapstructure:"listen"`
	AdminPath string          `yaml:"admin_path" mapstructure:"admin_path"`
	PageSize  int             `yaml:"page_size" mapstructure:"page_size"`
	Auth      WebAuthConfig   `yaml:"auth" mapstructure:"auth"`
	Export    WebExportConfig `yaml:"export" mapstructure:"export"`
}

// WebAuthConfig bearer token authentication
type WebAuthConfig struct {
	Enable bool             `yaml:"enable" mapstructure:"enable"`
	Tokens []WebTokenConfig `yaml:"tokens" mapstructure:"tokens"`
}

// WebTokenConfig a static API token and its role
type WebTokenConfig struct {
	Name  string `yaml:"name" mapstructure:"name"`
	Token string `yaml:"token" mapstructure:"token"`
	Role  string `yaml:"role" mapstructure:"role"`
}

// WebExportConfig export configuration
type WebExportConfig struct {
	Enable  bool     `yaml:"enable" mapstructure:"enable"`
	Formats []string `yaml:"formats" mapstructure:"formats"`
}

// MetricsConfig Prometheus endpoint configuration
type MetricsConfig struct {
	Enable bool   `yaml:"enable" mapstructure:"enable"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// ModuleName returns the capture module of the service.
func (s ServiceConfig) ModuleName() string {
	if s.Module != "" {
		return s.Module
	}
	return s.Key
}

// RetriesOr returns the service retry count or def when unset.
func (s ServiceConfig) RetriesOr(def int) int {
	if s.Retries != nil {
		return *s.Retries
	}
	return def
}

// CaptureOr reports whether the service is captured, defaulting to def.
func (s ServiceConfig) CaptureOr(def bool) bool {
	if s.Capture != nil {
		return *s.Capture
	}
	return def
}

// Service looks up a service by key.
func (c *Config) Service(key string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.Key == key {
			return s, true
		}
	}
	return ServiceConfig{}, false
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("TAPKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tapkit")
		v.AddConfigPath("/etc/tapkit")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Unmarshal leaves zero values where a flag bound to viper carries the real value
	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults apply default values to zero-value fields in the struct
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	cfg.Output.Silence = v.GetBool("output.silence")
	if cfg.Output.BodyView.MaxPreviewBytes == 0 {
		cfg.Output.BodyView.MaxPreviewBytes = v.GetInt("output.body_view.max_preview_bytes")
	}

	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = v.GetDuration("transport.timeout")
	}
	if cfg.Transport.RetryBackoff == 0 {
		cfg.Transport.RetryBackoff = v.GetDuration("transport.retry_backoff")
	}
	if cfg.Transport.MaxRetryBackoff == 0 {
		cfg.Transport.MaxRetryBackoff = v.GetDuration("transport.max_retry_backoff")
	}
	if cfg.Transport.UserAgent == "" {
		cfg.Transport.UserAgent = v.GetString("transport.user_agent")
	}
	cfg.Transport.HTTP2 = v.GetBool("transport.http2")
	cfg.Transport.TLSInsecureSkipVerify = v.GetBool("transport.tls_insecure_skip_verify")

	for i := range cfg.Services {
		cfg.Services[i].Key = strings.TrimSpace(cfg.Services[i].Key)
		cfg.Services[i].Headers = canonicalizeHeaders(cfg.Services[i].Headers)
	}

	cfg.Capture.Enable = v.GetBool("capture.enable")
	if cfg.Capture.Driver == "" {
		cfg.Capture.Driver = v.GetString("capture.driver")
	}
	if cfg.Capture.Path == "" {
		cfg.Capture.Path = v.GetString("capture.path")
	}
	if cfg.Capture.MaxBodyBytes == 0 {
		cfg.Capture.MaxBodyBytes = v.GetInt64("capture.max_body_bytes")
	}
	if cfg.Capture.AsyncBuffer == 0 {
		cfg.Capture.AsyncBuffer = v.GetInt("capture.async_buffer")
	}
	if cfg.Capture.WriteTimeout == 0 {
		cfg.Capture.WriteTimeout = v.GetDuration("capture.write_timeout")
	}
	if cfg.Capture.RedactHeaders == nil {
		cfg.Capture.RedactHeaders = v.GetStringSlice("capture.redact_headers")
	}

	if cfg.Progress.Refresh == 0 {
		cfg.Progress.Refresh = v.GetDuration("progress.refresh")
	}

	cfg.Web.Enable = v.GetBool("web.enable")
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = v.GetString("web.listen")
	}
	if cfg.Web.AdminPath == "" {
		cfg.Web.AdminPath = v.GetString("web.admin_path")
	}
	if cfg.Web.PageSize == 0 {
		cfg.Web.PageSize = v.GetInt("web.page_size")
	}
	cfg.Web.Auth.Enable = v.GetBool("web.auth.enable")
	cfg.Web.Export.Enable = v.GetBool("web.export.enable")
	if len(cfg.Web.Export.Formats) == 0 {
		cfg.Web.Export.Formats = v.GetStringSlice("web.export.formats")
	}

	cfg.Metrics.Enable = v.GetBool("metrics.enable")
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = v.GetString("metrics.path")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./tapkit.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
	v.SetDefault("output.body_view.max_preview_bytes", 32*1024)
	v.SetDefault("output.body_view.full_body", false)
	v.SetDefault("output.body_view.pretty_json", true)
	v.SetDefault("output.body_view.pretty_html", false)
	v.SetDefault("output.body_view.pretty_xml", true)

	v.SetDefault("transport.timeout", "30s")
	v.SetDefault("transport.max_retries", 2)
	v.SetDefault("transport.retry_backoff", "1s")
	v.SetDefault("transport.max_retry_backoff", "30s")
	v.SetDefault("transport.max_idle_conns", 100)
	v.SetDefault("transport.max_idle_conns_per_host", 10)
	v.SetDefault("transport.max_conns_per_host", 0)
	v.SetDefault("transport.idle_conn_timeout", "90s")
	v.SetDefault("transport.response_header_timeout", "15s")
	v.SetDefault("transport.tls_handshake_timeout", "10s")
	v.SetDefault("transport.tls_insecure_skip_verify", false)
	v.SetDefault("transport.http2", true)
	v.SetDefault("transport.user_agent", "tapkit")

	v.SetDefault("capture.enable", true)
	v.SetDefault("capture.driver", "file")
	v.SetDefault("capture.path", "./data/captures")
	v.SetDefault("capture.max_body_bytes", int64(64*1024))
	v.SetDefault("capture.max_records", 10000)
	v.SetDefault("capture.retention", "168h")
	v.SetDefault("capture.prune_schedule", "@every 10m")
	v.SetDefault("capture.async_buffer", 256)
	v.SetDefault("capture.write_timeout", "5s")
	v.SetDefault("capture.encryption_key", "")
	v.SetDefault("capture.redact_headers", []string{
		"Authorization",
		"Proxy-Authorization",
		"Cookie",
		"Set-Cookie",
		"X-Api-Key",
		"X-Auth-Token",
	})

	v.SetDefault("progress.refresh", "200ms")
	v.SetDefault("progress.serial", false)

	v.SetDefault("web.enable", true)
	v.SetDefault("web.listen", "127.0.0.1:38890")
	v.SetDefault("web.admin_path", "/api")
	v.SetDefault("web.page_size", 200)
	v.SetDefault("web.auth.enable", false)
	v.SetDefault("web.export.enable", true)
	v.SetDefault("web.export.formats", []string{"json", "csv", "yaml"})

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration and fills in derived values
func (c *Config) Validate() error {
	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}
	if c.Output.BodyView.MaxPreviewBytes < 0 {
		return fmt.Errorf("output.body_view.max_preview_bytes cannot be negative")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	if c.Transport.Timeout < 0 {
		return fmt.Errorf("transport timeout cannot be negative")
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("transport max retries cannot be negative")
	}

	seen := make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		if svc.Key == "" {
			return fmt.Errorf("service %d key cannot be empty", i+1)
		}
		if _, dup := seen[svc.Key]; dup {
			return fmt.Errorf("service %q declared twice", svc.Key)
		}
		seen[svc.Key] = struct{}{}
		if svc.BaseURL != "" {
			u, err := url.Parse(svc.BaseURL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("service %q base_url must be an absolute URL", svc.Key)
			}
		}
		if svc.Timeout < 0 {
			return fmt.Errorf("service %q timeout cannot be negative", svc.Key)
		}
		if svc.Retries != nil && *svc.Retries < 0 {
			return fmt.Errorf("service %q retries cannot be negative", svc.Key)
		}
		switch strings.ToLower(svc.PathStrategy.Mode) {
		case "", "none", "strip_prefix":
		case "rewrite":
			if len(svc.PathStrategy.Rules) == 0 {
				return fmt.Errorf("service %q path strategy rules cannot be empty when mode is rewrite", svc.Key)
			}
			for j, rule := range svc.PathStrategy.Rules {
				if rule.Match == "" {
					return fmt.Errorf("service %q path rule %d match cannot be empty", svc.Key, j+1)
				}
			}
		default:
			return fmt.Errorf("service %q path strategy mode must be none, strip_prefix, or rewrite", svc.Key)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Capture.Driver)) {
	case "", "file":
		c.Capture.Driver = "file"
	case "sqlite", "sqlite3":
		c.Capture.Driver = "sqlite"
	default:
		return fmt.Errorf("capture driver must be file or sqlite")
	}
	if c.Capture.Enable && strings.TrimSpace(c.Capture.Path) == "" {
		return fmt.Errorf("capture path cannot be empty")
	}
	if c.Capture.MaxRecords < 0 {
		return fmt.Errorf("capture max_records cannot be negative")
	}
	if c.Capture.Retention < 0 {
		return fmt.Errorf("capture retention cannot be negative")
	}
	if c.Capture.AsyncBuffer < 0 {
		return fmt.Errorf("capture async_buffer cannot be negative")
	}
	if c.Capture.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.Capture.PruneSchedule); err != nil {
			return fmt.Errorf("capture prune_schedule is invalid: %w", err)
		}
	}

	if c.Progress.Refresh < 0 {
		return fmt.Errorf("progress refresh cannot be negative")
	}

	if c.Web.Enable {
		if c.Web.Listen == "" {
			return fmt.Errorf("web listen address cannot be empty")
		}
		if c.Web.AdminPath == "" || !strings.HasPrefix(c.Web.AdminPath, "/") {
			return fmt.Errorf("web admin path must start with '/'")
		}
		if c.Web.PageSize < 1 {
			return fmt.Errorf("web page size must be at least 1")
		}
		if c.Web.Auth.Enable {
			if len(c.Web.Auth.Tokens) == 0 {
				return fmt.Errorf("web auth requires at least one token")
			}
			for i, tok := range c.Web.Auth.Tokens {
				if tok.Token == "" {
					return fmt.Errorf("web auth token %d cannot be empty", i+1)
				}
				switch strings.ToLower(tok.Role) {
				case "", "viewer", "admin":
				default:
					return fmt.Errorf("web auth token %d role must be admin or viewer", i+1)
				}
			}
		}
		if c.Web.Export.Enable && len(c.Web.Export.Formats) == 0 {
			return fmt.Errorf("web export formats cannot be empty when export enabled")
		}
	}

	if c.Metrics.Enable && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/'")
	}

	return nil
}

func canonicalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	canonical := make(map[string]string, len(headers))
	for key, value := range headers {
		canonical[http.CanonicalHeaderKey(key)] = value
	}
	return canonical
}
