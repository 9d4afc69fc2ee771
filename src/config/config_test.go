package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesProfileDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	p, err := Load("alice")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(home, ".sparkle", "alice")
	if p.Dir != want {
		t.Fatalf("Dir = %q, want %q", p.Dir, want)
	}
	if _, err := os.Stat(p.Dir); err != nil {
		t.Fatalf("profile dir not created: %v", err)
	}
	if p.HasKey() {
		t.Fatalf("HasKey() = true before any key is written")
	}
}

func TestLoadDefaultsProfileName(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	p, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name != DefaultProfile {
		t.Fatalf("Name = %q, want %q", p.Name, DefaultProfile)
	}
}

func TestKeyPathAfterWrite(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	p, err := Load("bob")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := os.WriteFile(p.KeyPath(), []byte("fake pem"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !p.HasKey() {
		t.Fatalf("HasKey() = false after writing key file")
	}
}
