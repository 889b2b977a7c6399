package contacts

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	return writeNamed(t, "contacts.json", content)
}

func writeNamed(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing contacts file: %v", err)
	}
	return path
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"wrapped", `{"contacts": [{"name": "Alice", "phone": "+1 (555) 123-4567", "relationship_type": "friend"}]}`},
		{"bare array", `[{"name": "Alice", "phone": "555-123-4567"}]`},
		{"leading whitespace", "\n  [{\"name\": \"Alice\", \"phone\": \"5551234567\"}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Load(writeFile(t, tt.content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if d.Len() != 1 {
				t.Fatalf("Len = %d, want 1", d.Len())
			}
			name, ok := d.DisplayName("+15551234567")
			if !ok || name != "Alice" {
				t.Errorf("DisplayName = (%q, %v), want (Alice, true)", name, ok)
			}
		})
	}
}

func TestLoad_YAML(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"wrapped", "contacts.yaml", "contacts:\n  - name: Alice\n    phone: \"+1 (555) 123-4567\"\n    relationship_type: friend\n"},
		{"bare list", "contacts.yml", "- name: Alice\n  phone: \"5551234567\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Load(writeNamed(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if d.Len() != 1 {
				t.Fatalf("Len = %d, want 1", d.Len())
			}
			if name, ok := d.DisplayName("+15551234567"); !ok || name != "Alice" {
				t.Errorf("DisplayName = %q, %v", name, ok)
			}
		})
	}

	d, err := Load(writeNamed(t, "empty.yaml", ""))
	if err != nil || d.Len() != 0 {
		t.Errorf("empty YAML: Len = %v, err = %v", d, err)
	}
	if _, err := Load(writeNamed(t, "bad.yaml", "contacts: [unclosed")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestLoad_Missing(t *testing.T) {
	d, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load(missing): %v", err)
	}
	if d.Len() != 0 {
		t.Errorf("Len = %d, want 0", d.Len())
	}

	d, err = Load("")
	if err != nil || d.Len() != 0 {
		t.Errorf("Load(\"\") = (%d contacts, %v), want empty", d.Len(), err)
	}
}

func TestLoad_Malformed(t *testing.T) {
	if _, err := Load(writeFile(t, `{"contacts": [`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDirectory_Lookups(t *testing.T) {
	d := New([]Contact{
		{Name: "Alice Smith", Phone: "+15551234567"},
		{Name: "Bob", Phone: "bob@Example.com"},
		{Name: "alice smith", Phone: "+15559999999"},
	})

	if name, ok := d.DisplayName("BOB@example.com"); !ok || name != "Bob" {
		t.Errorf("DisplayName(email) = (%q, %v)", name, ok)
	}
	if _, ok := d.DisplayName("+15550000000"); ok {
		t.Error("DisplayName(unknown) should miss")
	}
	if _, ok := d.DisplayName(""); ok {
		t.Error("DisplayName(\"\") should miss")
	}

	phone, ok := d.PhoneForName("ALICE SMITH")
	if !ok || phone != "+15551234567" {
		t.Errorf("PhoneForName = (%q, %v), want first entry", phone, ok)
	}
	if _, ok := d.PhoneForName("Ali"); ok {
		t.Error("PhoneForName should require an exact name")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 123-4567", "5551234567"},
		{"5551234567", "5551234567"},
		{"+44 20 7946 0958", "2079460958"},
		{"12345", "12345"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
