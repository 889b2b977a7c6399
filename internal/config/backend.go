package config

// ConfigBackend abstracts platform-specific config storage. macOS uses
// UserDefaults through the `defaults` CLI; other platforms use a JSON file.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// keychain is the platform SecretStore.
type keychain struct{}

// NewKeychain returns the platform secret store.
func NewKeychain() SecretStore { return keychain{} }

func (keychain) Get(service, account string) (string, error) {
	return keychainGet(service, account)
}

func (keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
