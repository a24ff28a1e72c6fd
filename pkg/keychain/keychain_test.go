package keychain

import (
	"os"
	"path/filepath"
	"testing"
)

func writeKeychainFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "keychains.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoad_HappyPath(t *testing.T) {
	path := writeKeychainFile(t, `[
		{
			"id": "default",
			"docker": {"type": "local"},
			"docker_credentials": null,
			"image_prefix": "chal-",
			"repo": "registry.example.com/chals",
			"caddy": {"endpoint": "https://proxy:9443", "base": "chals.example.com", "cacert": "ca", "cert": "c", "key": "k"}
		}
	]`)

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, err := reg.Get("default")
	if err != nil {
		t.Fatalf("Get(default) error = %v", err)
	}
	if e.Docker.Type != DockerConnLocal {
		t.Errorf("Docker.Type = %q, want local", e.Docker.Type)
	}
	if e.Proxy.Base != "chals.example.com" {
		t.Errorf("Proxy.Base = %q", e.Proxy.Base)
	}
}

func TestLoad_MissingDefaultFails(t *testing.T) {
	path := writeKeychainFile(t, `[
		{"id": "other", "docker": {"type": "local"}, "image_prefix": "", "repo": "", "caddy": {"endpoint":"", "base":"", "cacert":"", "cert":"", "key":""}}
	]`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when \"default\" entry is missing")
	}
}

func TestLoad_DuplicateIDFails(t *testing.T) {
	path := writeKeychainFile(t, `[
		{"id": "default", "docker": {"type": "local"}, "image_prefix": "", "repo": "", "caddy": {"endpoint":"", "base":"", "cacert":"", "cert":"", "key":""}},
		{"id": "default", "docker": {"type": "local"}, "image_prefix": "", "repo": "", "caddy": {"endpoint":"", "base":"", "cacert":"", "cert":"", "key":""}}
	]`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error on duplicate host keychain id")
	}
}

func TestGet_EmptyFallsBackToDefault(t *testing.T) {
	path := writeKeychainFile(t, `[
		{"id": "default", "docker": {"type": "local"}, "image_prefix": "p", "repo": "r", "caddy": {"endpoint":"e", "base":"b", "cacert":"", "cert":"", "key":""}}
	]`)

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, err := reg.Get("")
	if err != nil {
		t.Fatalf("Get(\"\") error = %v", err)
	}
	if e.ID != "default" {
		t.Errorf("Get(\"\").ID = %q, want default", e.ID)
	}
}

func TestGet_UnknownHostFails(t *testing.T) {
	path := writeKeychainFile(t, `[
		{"id": "default", "docker": {"type": "local"}, "image_prefix": "", "repo": "", "caddy": {"endpoint":"", "base":"", "cacert":"", "cert":"", "key":""}}
	]`)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := reg.Get("nonexistent"); err == nil {
		t.Fatal("expected error for unknown host id")
	}
}
