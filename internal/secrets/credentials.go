// Package secrets provides encrypted broker credential handling for lockerfleet.
//
// MQTT broker credentials live in a small versioned file that is encrypted
// with age at rest. The daemon decrypts the file in memory on startup; the
// plaintext is never written to disk. A plaintext fallback exists for
// development setups without an age key.
package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"
)

// CredentialsVersion is the current credentials file format version.
const CredentialsVersion = 1

// Credentials holds decrypted MQTT broker login data.
type Credentials struct {
	Version  int               `json:"version" yaml:"version"`
	Username string            `json:"username" yaml:"username"`
	Password string            `json:"password" yaml:"password"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Store locates and decrypts the broker credentials file.
//
// Files ending in .age are decrypted with the configured identity.
// Other files are loaded as plaintext only when AllowPlaintext is set.
type Store struct {
	AgeKeyPath     string
	AllowPlaintext bool
}

// Load decrypts and parses the credentials file at path.
func (s Store) Load(path string) (Credentials, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Credentials{}, errors.New("credentials path is required")
	}
	payload, err := s.decrypt(path)
	if err != nil {
		return Credentials{}, err
	}
	creds, err := parseCredentials(payload)
	if err != nil {
		return Credentials{}, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return creds, nil
}

func (s Store) decrypt(path string) ([]byte, error) {
	lower := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(lower, ".age") {
		return decryptAge(path, s.AgeKeyPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}
	if s.AllowPlaintext {
		return data, nil
	}
	return nil, fmt.Errorf("credentials %s are not encrypted (.age)", path)
}

func parseCredentials(data []byte) (Credentials, error) {
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return Credentials{}, err
	}
	if creds.Version == 0 {
		creds.Version = CredentialsVersion
	}
	if creds.Version != CredentialsVersion {
		return Credentials{}, fmt.Errorf("unsupported credentials version %d", creds.Version)
	}
	if strings.TrimSpace(creds.Username) == "" {
		return Credentials{}, errors.New("credentials username is required")
	}
	return creds, nil
}

func decryptAge(path, keyPath string) ([]byte, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("age key path is required for .age credentials")
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
	identities, err := parseAgeIdentities(keyData)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credentials %s: %w", path, err)
	}
	defer file.Close()
	reader, err := age.Decrypt(file, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials %s: %w", path, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}
	return payload, nil
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}
