// Package config loads Snippet's settings from flags, a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable. A double underscore separates
// nested keys: SNIPPET_DB__DSN sets db.dsn.
const EnvPrefix = "SNIPPET_"

type Config struct {
	Server Server `koanf:"server"`
	DB     DB     `koanf:"db"`
	Auth   Auth   `koanf:"auth"`
	CORS   CORS   `koanf:"cors"`
	Log    Log    `koanf:"log"`
	Import Import `koanf:"import"`
}

type Server struct {
	Addr         string        `koanf:"addr" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

type DB struct {
	Driver string `koanf:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `koanf:"dsn" validate:"required"`
}

type Auth struct {
	// Secret is only needed by commands that issue or check tokens.
	Secret   string        `koanf:"secret" validate:"omitempty,min=16"`
	Issuer   string        `koanf:"issuer" validate:"required"`
	Audience string        `koanf:"audience" validate:"required"`
	TokenTTL time.Duration `koanf:"token_ttl" validate:"gt=0"`
}

type CORS struct {
	AllowedOrigins []string `koanf:"allowed_origins" validate:"min=1,dive,required"`
}

type Log struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

type Import struct {
	ReposDir string `koanf:"repos_dir" validate:"required"`
	Enqueue  bool   `koanf:"enqueue"`
}

// RegisterFlags adds every configuration key to flags with its default value.
// Flag names are the dotted koanf keys.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to a YAML configuration file")

	flags.String("server.addr", ":8080", "HTTP listen address")
	flags.Duration("server.read_timeout", 10*time.Second, "HTTP read timeout")
	flags.Duration("server.write_timeout", 10*time.Second, "HTTP write timeout")

	flags.String("db.driver", "sqlite", "Storage driver: sqlite or postgres")
	flags.String("db.dsn", "snippet.db", "Database DSN (sqlite file path or postgres URL)")

	flags.String("auth.secret", "", "HMAC secret used to sign and verify access tokens")
	flags.String("auth.issuer", "snippet", "Token issuer")
	flags.String("auth.audience", "snippet-api", "Token audience")
	flags.Duration("auth.token_ttl", 24*time.Hour, "Lifetime of issued tokens")

	flags.StringSlice("cors.allowed_origins", []string{"http://localhost:3000"}, "Origins allowed to call the API")

	flags.String("log.level", "info", "Log level: debug, info, warn or error")
	flags.String("log.format", "text", "Log format: text or json")

	flags.String("import.repos_dir", "repos", "Directory git sources are cloned into")
	flags.Bool("import.enqueue", true, "Put imported cards straight into the review queue")
}

// Load builds a Config from, in increasing precedence: flag defaults, the YAML
// file named by --config, SNIPPET_* environment variables (a .env file in the
// working directory is read into the environment first) and explicitly set
// flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	// Defaults first so the file and environment can override them.
	if err := k.Load(posflag.Provider(flags, ".", nil), nil); err != nil {
		return nil, fmt.Errorf("failed to load flag defaults: %w", err)
	}

	if path, _ := flags.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Flags given on the command line win over everything else.
	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps SNIPPET_AUTH__TOKEN_TTL to auth.token_ttl.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
