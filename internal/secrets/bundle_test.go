package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
)

func TestLoadBundleAge(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	bundle := Bundle{
		HetznerToken:        "hc-token",
		ProxmoxToken:        "root@pam!hostlane=secret",
		PanelApplicationKey: "ptla_app",
		PanelClientKey:      "ptlc_client",
		JWTSigningKey:       "0123456789abcdef0123456789abcdef",
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate age identity: %v", err)
	}
	encrypted, err := Encrypt(bundle, identity.Recipient())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(string(encrypted), "hc-token") {
		t.Fatalf("encrypted bundle leaks plaintext")
	}
	if err := osWriteFile(filepath.Join(tmp, "default.age"), encrypted); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	keyPath := filepath.Join(tmp, "age.key")
	if err := osWriteFile(keyPath, []byte("# created for tests\n"+identity.String()+"\n")); err != nil {
		t.Fatalf("write age key: %v", err)
	}

	store := Store{Dir: tmp, AgeKeyPath: keyPath}
	loaded, err := store.Load("default")
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	if loaded.Version != BundleVersion {
		t.Fatalf("version = %d", loaded.Version)
	}
	if loaded.HetznerToken != "hc-token" || loaded.PanelClientKey != "ptlc_client" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.JWTSigningKey != bundle.JWTSigningKey {
		t.Fatalf("jwt signing key mismatch")
	}
}

func TestLoadBundleWrongIdentity(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	owner, _ := age.GenerateX25519Identity()
	other, _ := age.GenerateX25519Identity()
	encrypted, err := Encrypt(Bundle{JWTSigningKey: "k"}, owner.Recipient())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := osWriteFile(filepath.Join(tmp, "default.age"), encrypted); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	keyPath := filepath.Join(tmp, "age.key")
	if err := osWriteFile(keyPath, []byte(other.String()+"\n")); err != nil {
		t.Fatalf("write age key: %v", err)
	}
	store := Store{Dir: tmp, AgeKeyPath: keyPath}
	if _, err := store.Load("default"); err == nil || !strings.Contains(err.Error(), "decrypt bundle") {
		t.Fatalf("expected decrypt error, got %v", err)
	}
}

func TestLoadBundlePlaintextRequiresOptIn(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	plaintext := "version: 1\njwt_signing_key: dev-key\nhetzner_token: dev\n"
	if err := osWriteFile(filepath.Join(tmp, "dev.yaml"), []byte(plaintext)); err != nil {
		t.Fatalf("write bundle: %v", err)
	}

	store := Store{Dir: tmp}
	if _, err := store.Load("dev"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found without plaintext opt-in, got %v", err)
	}
	if _, err := store.Load("dev.yaml"); err == nil || !strings.Contains(err.Error(), "not age-encrypted") {
		t.Fatalf("expected plaintext refusal, got %v", err)
	}

	store.AllowPlaintext = true
	bundle, err := store.Load("dev")
	if err != nil {
		t.Fatalf("load plaintext: %v", err)
	}
	if bundle.HetznerToken != "dev" {
		t.Fatalf("hetzner token = %q", bundle.HetznerToken)
	}
}

func TestLoadBundleRequiresSigningKey(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	if err := osWriteFile(filepath.Join(tmp, "dev.yaml"), []byte("version: 1\nhetzner_token: x\n")); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	store := Store{Dir: tmp, AllowPlaintext: true}
	if _, err := store.Load("dev"); err == nil || !strings.Contains(err.Error(), "jwt_signing_key") {
		t.Fatalf("expected signing key error, got %v", err)
	}
}

func TestLoadBundleRejectsUnknownVersion(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	if err := osWriteFile(filepath.Join(tmp, "dev.yaml"), []byte("version: 7\njwt_signing_key: k\n")); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	store := Store{Dir: tmp, AllowPlaintext: true}
	if _, err := store.Load("dev"); err == nil || !strings.Contains(err.Error(), "unsupported bundle version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func osWriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
