package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "daemon.socket_path", typ: kString, env: "IMSGD_SOCKET_PATH",
		apply:   func(cfg *Config, v any) { cfg.Daemon.SocketPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Daemon.SocketPath },
	},
	{
		key: "daemon.read_timeout", typ: kDuration, env: "IMSGD_DAEMON_READ_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Daemon.ReadTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Daemon.ReadTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "IMSGD_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "source.chat_db", typ: kString, env: "IMSGD_CHAT_DB",
		apply:   func(cfg *Config, v any) { cfg.Source.ChatDB = v.(string) },
		extract: func(cfg Config) any { return cfg.Source.ChatDB },
	},
	{
		key: "contacts.path", typ: kString, env: "IMSGD_CONTACTS_PATH",
		apply:   func(cfg *Config, v any) { cfg.Contacts.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Contacts.Path },
	},
	{
		key: "http.port", typ: kInt, env: "IMSGD_HTTP_PORT",
		apply:   func(cfg *Config, v any) { cfg.HTTP.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.HTTP.Port },
	},
	{
		key: "http.token", typ: kString, env: "IMSGD_HTTP_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.HTTP.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.HTTP.Token },
	},
	{
		key: "http.rate_limit", typ: kInt, env: "IMSGD_HTTP_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.HTTP.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.HTTP.RateLimit },
	},
	{
		key: "client.timeout", typ: kDuration, env: "IMSGD_CLIENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Client.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Client.Timeout },
	},
	{
		key: "log.level", typ: kString, env: "IMSGD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func findSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := parseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("duration must be positive")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}
