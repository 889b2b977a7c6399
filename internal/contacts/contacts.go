// Package contacts holds the phone-to-name table used to label message handles.
package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Contact is one entry of the contacts file.
type Contact struct {
	Name             string `json:"name" yaml:"name"`
	Phone            string `json:"phone" yaml:"phone"`
	RelationshipType string `json:"relationship_type,omitempty" yaml:"relationship_type,omitempty"`
	Notes            string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Directory is an immutable lookup table built once at startup.
type Directory struct {
	contacts []Contact
	byHandle map[string]int
	byName   map[string]int
}

// Empty returns a directory with no contacts.
func Empty() *Directory {
	return New(nil)
}

// New indexes contacts. Later entries with a duplicate handle or name lose to
// earlier ones.
func New(list []Contact) *Directory {
	d := &Directory{
		contacts: list,
		byHandle: make(map[string]int, len(list)),
		byName:   make(map[string]int, len(list)),
	}
	for i, c := range list {
		if key := NormalizeHandle(c.Phone); key != "" {
			if _, ok := d.byHandle[key]; !ok {
				d.byHandle[key] = i
			}
		}
		if name := strings.ToLower(strings.TrimSpace(c.Name)); name != "" {
			if _, ok := d.byName[name]; !ok {
				d.byName[name] = i
			}
		}
	}
	return d
}

// Load reads a contacts file. Both {"contacts": [...]} and a bare array are
// accepted, as JSON or, for .yaml/.yml files, YAML. A missing file yields an
// empty directory.
func Load(path string) (*Directory, error) {
	if path == "" {
		return Empty(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("reading contacts file: %w", err)
	}

	var list []Contact
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		list, err = parseYAML(data)
	default:
		list, err = parse(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing contacts file %s: %w", path, err)
	}
	return New(list), nil
}

func parse(data []byte) ([]Contact, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []Contact
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var wrapped struct {
		Contacts []Contact `json:"contacts"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Contacts, nil
}

func parseYAML(data []byte) ([]Contact, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var list []Contact
		if err := root.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var wrapped struct {
		Contacts []Contact `yaml:"contacts"`
	}
	if err := root.Decode(&wrapped); err != nil {
		return nil, err
	}
	return wrapped.Contacts, nil
}

// Len returns the number of loaded contacts.
func (d *Directory) Len() int {
	return len(d.contacts)
}

// DisplayName returns the contact name for a message handle.
func (d *Directory) DisplayName(handle string) (string, bool) {
	i, ok := d.byHandle[NormalizeHandle(handle)]
	if !ok {
		return "", false
	}
	return d.contacts[i].Name, true
}

// PhoneForName returns the phone of the contact with exactly this name,
// compared case-insensitively.
func (d *Directory) PhoneForName(name string) (string, bool) {
	i, ok := d.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", false
	}
	return d.contacts[i].Phone, true
}

// Contacts returns a copy of the loaded entries.
func (d *Directory) Contacts() []Contact {
	return append([]Contact(nil), d.contacts...)
}

// NormalizeHandle maps a handle to its lookup key: lower-cased for email
// addresses, the last ten digits for phone numbers.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	if strings.Contains(handle, "@") {
		return strings.ToLower(handle)
	}
	return NormalizePhone(handle)
}

// NormalizePhone strips everything but digits and keeps the last ten, so
// "+1 (555) 123-4567" and "5551234567" compare equal.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}
