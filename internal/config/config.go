package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	DefaultTypingTTL  = 5 * time.Second
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	RedisURL       string
	TypingTTL      time.Duration
	Migrate        bool
	Tracing        bool
	LogLevel       string
	Env            string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("empty signing secret")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		TypingTTL:      DefaultTypingTTL,
		LogLevel:       "info",
		Env:            "development",
	}, nil
}

// Load builds a Config from command line args, GOCHAT_* environment
// variables and an optional YAML config file, in that order of precedence.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("gochat", pflag.ContinueOnError)
	fs.String("addr", "localhost:8000", "server address")
	fs.String("dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	fs.String("signing-key", DefaultSigningKey, "base64 encoded signing key")
	fs.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	fs.String("redis-url", "", "redis url for presence and caching (disabled when empty)")
	fs.Duration("typing-ttl", DefaultTypingTTL, "expiry of typing indicators, 0 disables expiry")
	fs.Bool("migrate", true, "apply database migrations on startup")
	fs.Bool("tracing", false, "export trace spans to stdout")
	fs.String("log-level", "info", "log level")
	fs.String("env", "development", "runtime environment")
	fs.String("config", "", "path to a YAML config file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("GOCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := NewConfig(
		v.GetString("addr"),
		v.GetString("dsn"),
		v.GetString("signing-key"),
		splitList(v.GetStringSlice("allowed-origins")),
	)
	if err != nil {
		return nil, err
	}

	cfg.RedisURL = v.GetString("redis-url")
	cfg.TypingTTL = v.GetDuration("typing-ttl")
	cfg.Migrate = v.GetBool("migrate")
	cfg.Tracing = v.GetBool("tracing")
	cfg.LogLevel = v.GetString("log-level")
	cfg.Env = v.GetString("env")

	if cfg.TypingTTL < 0 {
		return nil, fmt.Errorf("typing ttl cannot be negative")
	}

	return cfg, nil
}

// splitList flattens comma separated entries, which is how list values
// arrive from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
