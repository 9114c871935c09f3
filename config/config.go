// Package config loads the agent configuration.
//
// Sources are layered, lowest first: built-in defaults, a YAML file,
// KEELHAUL_* environment variables, then command-line flags. Nested keys map
// to environment variables by upper-casing and replacing "." and "-" with
// "_" (log.gelf-address -> KEELHAUL_LOG_GELF_ADDRESS).
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"keelhaul/internal/policy"
)

const EnvPrefix = "KEELHAUL"

// Credential sources for registry.credentials.
const (
	CredentialsDockerConfig = "docker-config"
	CredentialsStatic       = "static"
	CredentialsNone         = "none"
)

type Config struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxConcurrent int           `mapstructure:"max-concurrent" yaml:"max-concurrent"`
	CallTimeout   time.Duration `mapstructure:"call-timeout" yaml:"call-timeout"`
	PassTimeout   time.Duration `mapstructure:"pass-timeout" yaml:"pass-timeout"`
	DryRun        bool          `mapstructure:"dry-run" yaml:"dry-run"`
	DataDir       string        `mapstructure:"data-dir" yaml:"data-dir"`

	Docker   Docker   `mapstructure:"docker" yaml:"docker"`
	Policy   Policy   `mapstructure:"policy" yaml:"policy"`
	Registry Registry `mapstructure:"registry" yaml:"registry"`
	Log      Log      `mapstructure:"log" yaml:"log"`
	Metrics  Metrics  `mapstructure:"metrics" yaml:"metrics"`
	Health   Health   `mapstructure:"health" yaml:"health"`
	History  History  `mapstructure:"history" yaml:"history"`
	Tracing  Tracing  `mapstructure:"tracing" yaml:"tracing"`
	Notify   Notify   `mapstructure:"notify" yaml:"notify"`
}

type Docker struct {
	Host       string   `mapstructure:"host" yaml:"host"`
	APIVersion string   `mapstructure:"api-version" yaml:"api-version"`
	TLSCACert  string   `mapstructure:"tls-ca-cert" yaml:"tls-ca-cert"`
	TLSCert    string   `mapstructure:"tls-cert" yaml:"tls-cert"`
	TLSKey     string   `mapstructure:"tls-key" yaml:"tls-key"`
	TLSVerify  bool     `mapstructure:"tls-verify" yaml:"tls-verify"`
	Filters    []string `mapstructure:"filters" yaml:"filters"`
	Exclude    []string `mapstructure:"exclude" yaml:"exclude"`
}

type Policy struct {
	DefaultEnabled bool   `mapstructure:"default-enabled" yaml:"default-enabled"`
	LabelPrefix    string `mapstructure:"label-prefix" yaml:"label-prefix"`
}

type Registry struct {
	Credentials     string        `mapstructure:"credentials" yaml:"credentials"`
	DockerConfigDir string        `mapstructure:"docker-config-dir" yaml:"docker-config-dir"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Username        string        `mapstructure:"username" yaml:"username"`
	Password        string        `mapstructure:"password" yaml:"password" secret:"true"`
	CacheTTL        time.Duration `mapstructure:"cache-ttl" yaml:"cache-ttl"`
	NegativeTTL     time.Duration `mapstructure:"negative-ttl" yaml:"negative-ttl"`
	RateLimit       float64       `mapstructure:"rate-limit" yaml:"rate-limit"`
	RateBurst       int           `mapstructure:"rate-burst" yaml:"rate-burst"`
}

type Log struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	File        string `mapstructure:"file" yaml:"file"`
	GelfAddress string `mapstructure:"gelf-address" yaml:"gelf-address"`
}

type Metrics struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type Health struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type History struct {
	Path string `mapstructure:"path" yaml:"path"`
	Keep int    `mapstructure:"keep" yaml:"keep"`
}

type Tracing struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

type Notify struct {
	Telegram        Telegram `mapstructure:"telegram" yaml:"telegram"`
	IncludeOldImage bool     `mapstructure:"include-old-image" yaml:"include-old-image"`
	IncludeNewImage bool     `mapstructure:"include-new-image" yaml:"include-new-image"`
}

type Telegram struct {
	Token  string `mapstructure:"token" yaml:"token" secret:"true"`
	ChatID string `mapstructure:"chat-id" yaml:"chat-id"`
}

// Enabled reports whether both the bot token and the chat are set.
func (t Telegram) Enabled() bool { return t.Token != "" && t.ChatID != "" }

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Interval:      30 * time.Second,
		MaxConcurrent: 5,
		CallTimeout:   30 * time.Second,
		PassTimeout:   10 * time.Minute,
		DataDir:       "/var/lib/keelhaul",
		Docker: Docker{
			TLSVerify: true,
			Filters:   []string{},
			Exclude:   []string{},
		},
		Policy: Policy{LabelPrefix: policy.DefaultLabelPrefix},
		Registry: Registry{
			Credentials: CredentialsDockerConfig,
			CacheTTL:    5 * time.Minute,
			NegativeTTL: 10 * time.Second,
			RateLimit:   5,
			RateBurst:   10,
		},
		Log:     Log{Level: "info", Format: "text"},
		Metrics: Metrics{Listen: ":9308"},
		History: History{Keep: 500},
	}
}

// Load builds the effective configuration. file may be empty. Only flags
// whose name is a configuration key (or one of FlagAliases) are bound, and
// only when set on the command line.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	keys := setDefaults(v, Defaults())

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Key: "config", Value: file, Err: err}
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := f.Name
			if alias, ok := FlagAliases[f.Name]; ok {
				key = alias
			}
			if _, known := keys[key]; !known {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, &Error{Key: "config", Err: err}
	}
	return &cfg, nil
}

// FlagAliases maps command-line flag names onto configuration keys where the
// two differ.
var FlagAliases = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"host":         "docker.host",
	"exclude":      "docker.exclude",
	"filter":       "docker.filters",
	"label-prefix": "policy.label-prefix",
}

// setDefaults registers every leaf key so environment variables resolve
// during Unmarshal, and returns the set of keys.
func setDefaults(v *viper.Viper, def Config) map[string]struct{} {
	keys := make(map[string]struct{})
	var walk func(prefix string, rv reflect.Value)
	walk = func(prefix string, rv reflect.Value) {
		rt := rv.Type()
		for i := range rt.NumField() {
			f := rt.Field(i)
			key := prefix + f.Tag.Get("mapstructure")
			if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
				walk(key+".", rv.Field(i))
				continue
			}
			keys[key] = struct{}{}
			v.SetDefault(key, rv.Field(i).Interface())
		}
	}
	walk("", reflect.ValueOf(def))
	return keys
}

// durationHook decodes durations with the interval syntax, so "1d" and "2w"
// work alongside Go durations. "0" and "" mean zero.
func durationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType || from.Kind() != reflect.String {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" || s == "0" {
			return time.Duration(0), nil
		}
		return policy.ParseInterval(s)
	}
}

// Error is a configuration problem. It is fatal at startup.
type Error struct {
	Key   string
	Value any
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Value != nil {
		return fmt.Sprintf("config %s=%v: %v", e.Key, e.Value, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validate checks the configuration and returns the first problem as a
// *Error.
func (c *Config) Validate() error {
	bad := func(key string, value any, msg string) error {
		return &Error{Key: key, Value: value, Err: errors.New(msg)}
	}
	switch {
	case c.Interval <= 0:
		return bad("interval", c.Interval, "must be positive")
	case c.MaxConcurrent < 1:
		return bad("max-concurrent", c.MaxConcurrent, "must be at least 1")
	case c.CallTimeout <= 0:
		return bad("call-timeout", c.CallTimeout, "must be positive")
	case c.PassTimeout < 0:
		return bad("pass-timeout", c.PassTimeout, "must not be negative")
	case c.PassTimeout > 0 && c.PassTimeout < c.CallTimeout:
		return bad("pass-timeout", c.PassTimeout, "must not be shorter than call-timeout")
	case c.Registry.CacheTTL < 0:
		return bad("registry.cache-ttl", c.Registry.CacheTTL, "must not be negative")
	case c.Registry.NegativeTTL < 0:
		return bad("registry.negative-ttl", c.Registry.NegativeTTL, "must not be negative")
	case c.Registry.NegativeTTL >= c.Interval:
		return bad("registry.negative-ttl", c.Registry.NegativeTTL, "must be shorter than interval")
	case c.Registry.RateLimit < 0:
		return bad("registry.rate-limit", c.Registry.RateLimit, "must not be negative")
	case c.Registry.RateLimit > 0 && c.Registry.RateBurst < 1:
		return bad("registry.rate-burst", c.Registry.RateBurst, "must be at least 1 when rate-limit is set")
	case c.History.Keep < 1:
		return bad("history.keep", c.History.Keep, "must be at least 1")
	}

	switch c.Registry.Credentials {
	case CredentialsDockerConfig, CredentialsNone:
	case CredentialsStatic:
		if c.Registry.Username == "" || c.Registry.Password == "" {
			return bad("registry.credentials", c.Registry.Credentials, "static credentials need registry.username and registry.password")
		}
	default:
		return bad("registry.credentials", c.Registry.Credentials, "want docker-config, static or none")
	}

	for _, f := range c.Docker.Filters {
		if k, _, ok := strings.Cut(f, "="); !ok || strings.TrimSpace(k) == "" {
			return bad("docker.filters", f, "want key=value")
		}
	}
	if strings.ContainsAny(c.Policy.LabelPrefix, " \t=") {
		return bad("policy.label-prefix", c.Policy.LabelPrefix, "must not contain whitespace or '='")
	}
	if (c.Notify.Telegram.Token == "") != (c.Notify.Telegram.ChatID == "") {
		return bad("notify.telegram", "", "token and chat-id must be set together")
	}
	if c.Health.Listen != "" && strings.HasPrefix(c.Health.Listen, "unix://") && len(c.Health.Listen) == len("unix://") {
		return bad("health.listen", c.Health.Listen, "empty socket path")
	}
	return nil
}
