// Package keychain loads the per-host credential bundles (container daemon
// connection, proxy endpoint, proxy mTLS identity) that the deployment
// engine needs to reach a given host.
package keychain

import (
	"encoding/json"
	"fmt"
	"os"
)

// DockerConnKind distinguishes a local Unix-socket daemon connection from a
// remote TLS one.
type DockerConnKind string

const (
	DockerConnLocal DockerConnKind = "local"
	DockerConnSSL   DockerConnKind = "ssl"
)

// DockerConn describes how to reach a container daemon.
type DockerConn struct {
	Type    DockerConnKind `json:"type"`
	Address string         `json:"address,omitempty"`
	Key     string         `json:"key,omitempty"`  // PEM, SSL only
	Cert    string         `json:"cert,omitempty"` // PEM, SSL only
	CA      string         `json:"ca,omitempty"`   // PEM, SSL only
}

// DockerCredentials holds optional registry credentials for pulling images.
type DockerCredentials struct {
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	ServerAddress string `json:"server_address,omitempty"`
}

// ProxyKeychain holds the reverse-proxy control-plane endpoint and its mTLS
// client identity.
type ProxyKeychain struct {
	Endpoint string `json:"endpoint"`
	Base     string `json:"base"`
	CACert   string `json:"cacert"`
	Cert     string `json:"cert"`
	Key      string `json:"key"`
}

// Entry is one host's full credential bundle.
type Entry struct {
	ID                string             `json:"id"`
	Docker            DockerConn         `json:"docker"`
	DockerCredentials *DockerCredentials `json:"docker_credentials"`
	ImagePrefix       string             `json:"image_prefix"`
	Repo              string             `json:"repo"`
	Proxy             ProxyKeychain       `json:"caddy"`
}

// DefaultHostID is the keychain id consulted when a challenge does not name
// a host explicitly.
const DefaultHostID = "default"

// Registry is the immutable, startup-loaded set of host keychains.
type Registry struct {
	entries map[string]Entry
}

// Load reads a JSON array of keychain entries from path. An entry with id
// "default" is required; its absence is a fatal misconfiguration.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host keychains: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing host keychains: %w", err)
	}

	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if _, dup := byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate host keychain id %q", e.ID)
		}
		byID[e.ID] = e
	}

	if _, ok := byID[DefaultHostID]; !ok {
		return nil, fmt.Errorf("host keychains file %s: missing required %q entry", path, DefaultHostID)
	}

	return &Registry{entries: byID}, nil
}

// Get returns the keychain entry for hostID, falling back to "default" when
// empty.
func (r *Registry) Get(hostID string) (Entry, error) {
	if hostID == "" {
		hostID = DefaultHostID
	}
	e, ok := r.entries[hostID]
	if !ok {
		return Entry{}, fmt.Errorf("no host keychain for id %q", hostID)
	}
	return e, nil
}
