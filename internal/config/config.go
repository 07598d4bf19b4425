package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/scriptgate/scriptgate/pkg/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
	Audit       AuditConfig       `yaml:"audit"`
	Policy      PolicyConfig      `yaml:"policy"`
	Limits      LimitsConfig      `yaml:"limits"`
	Preflight   PreflightConfig   `yaml:"preflight"`
	Development DevelopmentConfig `yaml:"development"`
}

type ServerConfig struct {
	HTTP       ServerHTTPConfig       `yaml:"http"`
	UnixSocket ServerUnixSocketConfig `yaml:"unix_socket"`
}

type ServerHTTPConfig struct {
	Addr string `yaml:"addr"`

	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	MaxRequestSize string `yaml:"max_request_size"`
}

type ServerUnixSocketConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"` // e.g. "0660"
}

type AuthConfig struct {
	Type   string           `yaml:"type"` // none | api_key
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
}

type AuthAPIKeyConfig struct {
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

type AuditConfig struct {
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
	OutputDir  string `yaml:"output_dir"` // per-execution output logs
}

// PolicyConfig is the process-wide global policy. The allowed root, flag
// superset and env allowlist are the outer fence: no rule or overlay can
// widen past them.
type PolicyConfig struct {
	File           string   `yaml:"file"` // rule/overlay document
	AllowedRoot    string   `yaml:"allowed_root"`
	AllowedScripts []string `yaml:"allowed_scripts"`
	Flags          []string `yaml:"flags"`
	ValueFlags     []string `yaml:"value_flags"` // flags that consume the next token
	EnvAllowlist   []string `yaml:"env_allowlist"`

	Profiles map[string]ProfileConfig `yaml:"profiles"`

	Watch bool `yaml:"watch"` // reload the document on external edits
}

type ProfileConfig struct {
	Caps         types.CapSet `yaml:"caps"`
	FlagsAllowed []string     `yaml:"flags_allowed"`
}

type LimitsConfig struct {
	DefaultTimeout     string `yaml:"default_timeout"`
	MaxTimeout         string `yaml:"max_timeout"`
	MaxOutputBytes     int64  `yaml:"max_output_bytes"`
	MaxStdoutLines     int    `yaml:"max_stdout_lines"`
	MaxLineBytes       int    `yaml:"max_line_bytes"`
	DefaultConcurrency int    `yaml:"default_concurrency"`
}

type PreflightConfig struct {
	Enforce    bool   `yaml:"enforce"`
	TokenTTL   string `yaml:"token_ttl"`
	SecretEnv  string `yaml:"secret_env"`
	SecretFile string `yaml:"secret_file"`

	// SessionFallback enables the legacy in-memory (session, path, args)
	// record consulted when no token is supplied. Strictly weaker than the
	// signed-token path: it trusts a header-carried session identifier.
	SessionFallback bool   `yaml:"session_fallback"`
	SessionTTL      string `yaml:"session_ttl"`
}

type DevelopmentConfig struct {
	DisableAuth bool `yaml:"disable_auth"`

	PProf DevelopmentPProfConfig `yaml:"pprof"`
}

type DevelopmentPProfConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config built purely from defaults and environment
// overrides, for running without a config file.
func Default() (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:8080"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "5m"
	}
	if cfg.Server.HTTP.MaxRequestSize == "" {
		cfg.Server.HTTP.MaxRequestSize = "1MB"
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Auth.APIKey.HeaderName == "" {
		cfg.Auth.APIKey.HeaderName = "X-API-Key"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "/var/lib/scriptgate/audit"
	}
	if cfg.Audit.SQLitePath == "" {
		cfg.Audit.SQLitePath = "/var/lib/scriptgate/executions.db"
	}
	if cfg.Audit.OutputDir == "" {
		cfg.Audit.OutputDir = filepath.Join(cfg.Audit.Dir, "output")
	}
	if cfg.Policy.File == "" {
		cfg.Policy.File = "/var/lib/scriptgate/policy.json"
	}
	if cfg.Limits.DefaultTimeout == "" {
		cfg.Limits.DefaultTimeout = "90s"
	}
	if cfg.Limits.MaxTimeout == "" {
		cfg.Limits.MaxTimeout = "10m"
	}
	if cfg.Limits.MaxOutputBytes <= 0 {
		cfg.Limits.MaxOutputBytes = 262144
	}
	if cfg.Limits.MaxStdoutLines <= 0 {
		cfg.Limits.MaxStdoutLines = 1500
	}
	if cfg.Limits.MaxLineBytes <= 0 {
		cfg.Limits.MaxLineBytes = 8192
	}
	if cfg.Limits.DefaultConcurrency <= 0 {
		cfg.Limits.DefaultConcurrency = 2
	}
	if cfg.Preflight.TokenTTL == "" {
		cfg.Preflight.TokenTTL = "5m"
	}
	if cfg.Preflight.SessionTTL == "" {
		cfg.Preflight.SessionTTL = "5m"
	}
	if cfg.Preflight.SecretEnv == "" && cfg.Preflight.SecretFile == "" {
		cfg.Preflight.SecretEnv = "SCRIPTGATE_PREFLIGHT_SECRET"
	}
	if cfg.Development.PProf.Addr == "" {
		cfg.Development.PProf.Addr = "localhost:6060"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCRIPTGATE_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("SCRIPTGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SCRIPTGATE_DATA_DIR"); v != "" {
		cfg.Audit.Dir = filepath.Join(v, "audit")
		cfg.Audit.OutputDir = filepath.Join(v, "audit", "output")
		cfg.Audit.SQLitePath = filepath.Join(v, "executions.db")
		cfg.Policy.File = filepath.Join(v, "policy.json")
	}
	if v := os.Getenv("SCRIPTGATE_ALLOWED_ROOT"); v != "" {
		cfg.Policy.AllowedRoot = v
	}
	if v := os.Getenv("SCRIPTGATE_ALLOWED_SCRIPTS"); v != "" {
		cfg.Policy.AllowedScripts = splitList(v)
	}
	if v := os.Getenv("SCRIPTGATE_ALLOWED_FLAGS"); v != "" {
		cfg.Policy.Flags = splitList(v)
	}
	if v := os.Getenv("SCRIPTGATE_ENV_ALLOWLIST"); v != "" {
		cfg.Policy.EnvAllowlist = splitList(v)
	}
	if v := os.Getenv("SCRIPTGATE_DEFAULT_TIMEOUT"); v != "" {
		cfg.Limits.DefaultTimeout = v
	}
	if v := os.Getenv("SCRIPTGATE_MAX_OUTPUT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Limits.MaxOutputBytes = n
		}
	}
	if v := os.Getenv("SCRIPTGATE_REQUIRE_PREFLIGHT"); v != "" {
		cfg.Preflight.Enforce = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SCRIPTGATE_PREFLIGHT_TTL"); v != "" {
		cfg.Preflight.TokenTTL = v
	}
}

// splitList splits a colon- or semicolon-separated list, trimming blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ':' || r == ';' }) {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	switch cfg.Auth.Type {
	case "none", "api_key":
	default:
		return fmt.Errorf("invalid auth.type %q", cfg.Auth.Type)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	for _, d := range []struct {
		name, val string
	}{
		{"server.http.read_timeout", cfg.Server.HTTP.ReadTimeout},
		{"server.http.write_timeout", cfg.Server.HTTP.WriteTimeout},
		{"limits.default_timeout", cfg.Limits.DefaultTimeout},
		{"limits.max_timeout", cfg.Limits.MaxTimeout},
		{"preflight.token_ttl", cfg.Preflight.TokenTTL},
		{"preflight.session_ttl", cfg.Preflight.SessionTTL},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
	}
	if _, err := ParseByteSize(cfg.Server.HTTP.MaxRequestSize); err != nil {
		return fmt.Errorf("parse server.http.max_request_size: %w", err)
	}
	if cfg.Policy.AllowedRoot != "" && !filepath.IsAbs(cfg.Policy.AllowedRoot) {
		return fmt.Errorf("policy.allowed_root must be absolute, got %q", cfg.Policy.AllowedRoot)
	}
	return nil
}

// Duration parses a duration field that validateConfig already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
