package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Daemon   DaemonConfig
	Storage  StorageConfig
	Source   SourceConfig
	Contacts ContactsConfig
	HTTP     HTTPConfig
	Client   ClientConfig
	Log      LogConfig
}

type DaemonConfig struct {
	SocketPath  string
	ReadTimeout time.Duration
}

type StorageConfig struct {
	DataDir string
}

type SourceConfig struct {
	ChatDB string
}

type ContactsConfig struct {
	// Path is the explicit override. Empty means search the default
	// locations; see ContactsPath.
	Path string
}

type HTTPConfig struct {
	// Port 0 disables the HTTP bridge.
	Port  int
	Token string
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit int
}

type ClientConfig struct {
	Timeout time.Duration
}

type LogConfig struct {
	Level string
}

const (
	secretService  = "imsgd"
	httpTokenEntry = "http_token"
)

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Daemon: DaemonConfig{
			SocketPath:  filepath.Join(dataDir, "daemon.sock"),
			ReadTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Source: SourceConfig{
			ChatDB: defaultChatDB(),
		},
		HTTP: HTTPConfig{
			RateLimit: 20,
		},
		Client: ClientConfig{
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".imsgd")
	}
	return ".imsgd"
}

func defaultChatDB() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Messages", "chat.db")
	}
	return "chat.db"
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.imsgd.app) and the HTTP
// token falls back to the login Keychain.
// Elsewhere the backend is a JSON file at $XDG_CONFIG_HOME/imsgd/config.json
// and the token falls back to secrets.json in the data directory.
//
// Environment variables (IMSGD_*) override backend values on all platforms.
//
// A .env file in the data directory, if present, seeds environment variables
// that are not already set.
func Load() (Config, error) {
	if err := loadDotEnv(filepath.Join(defaultDataDir(), ".env")); err != nil {
		return Config{}, err
	}
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// SecretStore abstracts Keychain access for testing.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.HTTP.Token == "" {
		if tok, err := kc.Get(secretService, httpTokenEntry); err == nil {
			cfg.HTTP.Token = strings.TrimSpace(tok)
		}
	}

	return cfg, nil
}

// ContactsPath returns the contacts file to load: the explicit override if
// set, else the first existing file among <data dir>/contacts.json and
// ./config/contacts.json. It returns "" when none exists.
func ContactsPath(cfg Config) string {
	if cfg.Contacts.Path != "" {
		return cfg.Contacts.Path
	}
	candidates := []string{
		filepath.Join(cfg.Storage.DataDir, "contacts.json"),
		filepath.Join("config", "contacts.json"),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// PIDFilePath returns where a running daemon records its process id.
func PIDFilePath(cfg Config) string {
	return cfg.Daemon.SocketPath + ".pid"
}
