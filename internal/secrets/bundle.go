// Package secrets loads the hostlane daemon's credentials bundle.
//
// The bundle is an age-encrypted YAML document holding provider API tokens
// and the key used to sign control API tokens. It is decrypted in memory and
// never written back to disk. Plaintext bundles are accepted only when the
// store explicitly allows them (development setups).
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

const (
	// BundleVersion is the current bundle format version.
	BundleVersion = 1
)

// Bundle describes decrypted secrets content.
type Bundle struct {
	Version             int    `yaml:"version"`
	HetznerToken        string `yaml:"hetzner_token,omitempty"`
	ProxmoxToken        string `yaml:"proxmox_token,omitempty"`
	PanelApplicationKey string `yaml:"panel_application_key,omitempty"`
	PanelClientKey      string `yaml:"panel_client_key,omitempty"`
	JWTSigningKey       string `yaml:"jwt_signing_key"`
}

// Store locates and decrypts bundles.
type Store struct {
	Dir            string
	AgeKeyPath     string
	AllowPlaintext bool
}

// Load locates, decrypts and parses the bundle by name or path.
//
// A bare name is searched in Dir as name.age (and name.yaml / name.yml when
// AllowPlaintext is set). Names with an extension and absolute paths are
// used as given.
func (s Store) Load(name string) (Bundle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Bundle{}, errors.New("bundle name is required")
	}
	path, err := s.resolvePath(name)
	if err != nil {
		return Bundle{}, err
	}
	payload, err := s.decrypt(path)
	if err != nil {
		return Bundle{}, err
	}
	bundle, err := parseBundle(payload)
	if err != nil {
		return Bundle{}, fmt.Errorf("parse bundle %s: %w", path, err)
	}
	return bundle, nil
}

func (s Store) resolvePath(name string) (string, error) {
	candidates := []string{}
	if filepath.IsAbs(name) {
		candidates = append(candidates, name)
	} else {
		if s.Dir != "" {
			candidates = append(candidates, filepath.Join(s.Dir, name))
		}
		candidates = append(candidates, name)
	}
	if filepath.Ext(name) != "" {
		for _, candidate := range candidates {
			if fileExists(candidate) {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("bundle %s not found", name)
	}
	for _, candidate := range candidates {
		if path, ok := findBundleFile(candidate, s.AllowPlaintext); ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("bundle %s not found", name)
}

func (s Store) decrypt(path string) ([]byte, error) {
	if strings.HasSuffix(strings.ToLower(path), ".age") {
		return decryptAge(path, s.AgeKeyPath)
	}
	if !s.AllowPlaintext {
		return nil, fmt.Errorf("bundle %s is not age-encrypted", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	return data, nil
}

func findBundleFile(base string, allowPlain bool) (string, bool) {
	candidates := []string{base + ".age"}
	if allowPlain {
		candidates = append(candidates, base+".yaml", base+".yml")
	}
	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func parseBundle(data []byte) (Bundle, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, err
	}
	if bundle.Version == 0 {
		bundle.Version = BundleVersion
	}
	if bundle.Version != BundleVersion {
		return Bundle{}, fmt.Errorf("unsupported bundle version %d", bundle.Version)
	}
	if strings.TrimSpace(bundle.JWTSigningKey) == "" {
		return Bundle{}, errors.New("jwt_signing_key is required")
	}
	return bundle, nil
}

// Encrypt seals bundle for recipient. Used by operators preparing a bundle
// and by tests.
func Encrypt(bundle Bundle, recipient age.Recipient) ([]byte, error) {
	if bundle.Version == 0 {
		bundle.Version = BundleVersion
	}
	payload, err := yaml.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	var out bytes.Buffer
	writer, err := age.Encrypt(&out, recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return out.Bytes(), nil
}

func decryptAge(path, keyPath string) ([]byte, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("age key path is required for .age bundles")
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
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	defer file.Close()
	reader, err := age.Decrypt(file, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt bundle %s: %w", path, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
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
