//go:build !darwin

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// fileBackend keeps the non-secret keys of the specs table in a flat JSON
// object, e.g. {"http.port": 7000, "source.chat_db": "/path/chat.db"}.
type fileBackend struct {
	path   string
	values map[string]any
}

func newPlatformBackend() ConfigBackend {
	return openFileBackend(configFilePath())
}

func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: make(map[string]any)}
	b.load()
	return b
}

// configFilePath is $XDG_CONFIG_HOME/imsgd/config.json, falling back to
// ~/.config.
func configFilePath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("imsgd", "config.json")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "imsgd", "config.json")
}

func (b *fileBackend) load() {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		return
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	values := make(map[string]any)
	if err := dec.Decode(&values); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		return
	}

	for key := range values {
		s, ok := findSpec(key)
		switch {
		case !ok:
			fmt.Fprintf(os.Stderr, "[WARN] ignoring unknown key %q in %s\n", key, b.path)
			delete(values, key)
		case s.secret:
			fmt.Fprintf(os.Stderr, "[WARN] ignoring secret key %q in %s; use %s or the secret store\n", key, b.path, s.env)
			delete(values, key)
		}
	}
	b.values = values
}

// save rewrites the file through a temp file so a crash never leaves it
// half-written.
func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	switch v := b.values[key].(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case json.Number:
		// Bare numbers are allowed for duration keys (seconds).
		return v.String(), true, nil
	default:
		return "", true, fmt.Errorf("%s: expected a string, got %T", key, v)
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	var text string
	switch v := b.values[key].(type) {
	case nil:
		return 0, false, nil
	case int:
		return v, true, nil
	case json.Number:
		text = v.String()
	case string:
		text = v
	default:
		return 0, true, fmt.Errorf("%s: expected an integer, got %T", key, v)
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, text)
	}
	return n, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	b.values[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.values[key] = val
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.save()
}
