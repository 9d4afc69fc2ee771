// Package config resolves Sparkle's on-disk profile layout: the directory
// that holds a single node's persisted RSA key file, per spec §6's "only
// the RSA key file is persisted" rule. There is no network config file to
// parse -- everything else (bind address, bootstrap peer, TAP on/off) comes
// from CLI flags each run, in the spirit of the zero-configuration design.
package config

import (
	"os"
	"path/filepath"
)

// DefaultProfile is used when the user does not pass --profile.
const DefaultProfile = "default"

// KeyFileName is the name of the persisted RSA private key file within a
// profile directory.
const KeyFileName = "key.pem"

// Profile locates the on-disk state for one named Sparkle identity.
type Profile struct {
	Name string
	Dir  string
}

// Load resolves the profile directory under the user's home directory
// (~/.sparkle/<name>), creating it if it does not already exist, matching
// the teacher's per-profile config directory handling in src/config.
func Load(name string) (*Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(home, ".sparkle", name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Profile{Name: name, Dir: dir}, nil
}

// KeyPath is the path to this profile's persisted RSA private key.
func (p *Profile) KeyPath() string {
	return filepath.Join(p.Dir, KeyFileName)
}

// HasKey reports whether a key file already exists for this profile.
func (p *Profile) HasKey() bool {
	_, err := os.Stat(p.KeyPath())
	return err == nil
}
