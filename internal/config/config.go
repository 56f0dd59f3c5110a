// Package config resolves the host configuration of the tsfilter binary.
//
// Values are layered, lowest first: built-in defaults, the config file
// (tsfilter.yaml unless --config names another), TSFILTER_* environment
// variables, and command-line flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kr/pretty"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultFile is read when present and --config is not given.
const DefaultFile = "tsfilter.yaml"

// Config is the resolved host configuration.
type Config struct {
	LogLevel   string `mapstructure:"log_level" json:"log_level"`
	ConfigFile string `mapstructure:"config" json:"config"`

	// run and probe
	Input  string `mapstructure:"input" json:"input"`
	Output string `mapstructure:"output" json:"output"`

	// serve
	Listen           string   `mapstructure:"listen" json:"listen"`
	CertFile         string   `mapstructure:"cert_file" json:"cert_file"`
	KeyFile          string   `mapstructure:"key_file" json:"key_file"`
	Hosts            []string `mapstructure:"hosts" json:"hosts"`
	AllowedSchemes   []string `mapstructure:"allowed_schemes" json:"allowed_schemes"`
	MaxSessions      int      `mapstructure:"max_sessions" json:"max_sessions"`
	ClosedSessionTTL int      `mapstructure:"closed_session_ttl" json:"closed_session_ttl"` // seconds

	ReadSize int `mapstructure:"read_size" json:"read_size"`

	// FilterArgs is the default option vector for new sessions. Arguments
	// after "--" on the command line replace it.
	FilterArgs []string `mapstructure:"filter_args" json:"filter_args"`
}

var defaults = Config{
	LogLevel:         "info",
	Input:            "-",
	Output:           "-",
	Listen:           ":4443",
	Hosts:            []string{"localhost"},
	AllowedSchemes:   []string{"http", "https", "srt"},
	MaxSessions:      16,
	ClosedSessionTTL: 600,
	ReadSize:         1316 * 10,
	FilterArgs:       []string{},
}

// Flags returns the flag set Load parses.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (default "+DefaultFile+" if present)")
	fs.String("log_level", defaults.LogLevel, "log level: debug, info, warn, error")
	fs.StringP("input", "i", defaults.Input, "input: -, file, http(s)://, srt://, pcap://")
	fs.StringP("output", "o", defaults.Output, "output file, - for stdout")
	fs.String("listen", defaults.Listen, "serve: HTTPS and HTTP/3 listen address")
	fs.String("cert_file", "", "serve: TLS certificate (self-signed if empty)")
	fs.String("key_file", "", "serve: TLS key")
	fs.StringSlice("hosts", defaults.Hosts, "serve: names for the self-signed certificate")
	fs.StringSlice("allowed_schemes", defaults.AllowedSchemes, "serve: source URL schemes clients may request")
	fs.Int("max_sessions", defaults.MaxSessions, "serve: concurrent session limit")
	fs.Int("closed_session_ttl", defaults.ClosedSessionTTL, "serve: seconds closed session summaries are kept")
	fs.Int("read_size", defaults.ReadSize, "source read size in bytes")
	return fs
}

// Load parses args with Flags(name) and resolves the layered configuration.
func Load(name string, args []string) (*Config, error) {
	fs := Flags(name)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Defaults are read through a scratch instance so the real one keeps
	// picking the file format from the file extension.
	b, err := json.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	d := viper.New()
	d.SetConfigType("json")
	if err := d.ReadConfig(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	v := viper.New()
	if err := v.MergeConfigMap(d.AllSettings()); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	file := v.GetString("config")
	explicit := file != ""
	if !explicit {
		file = DefaultFile
	}
	if _, err := os.Stat(file); err == nil {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: %s: %w", file, err)
		}
		v.Set("config", file)
	} else if explicit {
		return nil, fmt.Errorf("config: %w", err)
	}

	v.SetEnvPrefix("TSFILTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if fs.ArgsLenAtDash() >= 0 {
		c.FilterArgs = append([]string{}, fs.Args()[fs.ArgsLenAtDash():]...)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	var errs []error
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("config: max_sessions must be positive, got %d", c.MaxSessions))
	}
	if c.ReadSize <= 0 {
		errs = append(errs, fmt.Errorf("config: read_size must be positive, got %d", c.ReadSize))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("config: cert_file and key_file must be set together"))
	}
	return errors.Join(errs...)
}

// Level returns the slog level. A non-empty DEBUG environment variable
// forces debug logging.
func (c *Config) Level() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	l, _ := parseLevel(c.LogLevel)
	return l
}

// SessionTTL returns how long closed session summaries are retained.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.ClosedSessionTTL) * time.Second
}

// Log writes the resolved configuration at debug level.
func (c *Config) Log(log *slog.Logger) {
	log.Debug("resolved configuration", "config", fmt.Sprintf("%# v", pretty.Formatter(*c)))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}
