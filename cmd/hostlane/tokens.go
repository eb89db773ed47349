package main

import (
	"errors"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "hostlane"
	tokenEnvVar    = "HOSTLANE_TOKEN"
)

var errTokenNotFound = errors.New("no hostlane token stored; run 'hostlane auth login' or set " + tokenEnvVar)

// tokenStore persists control API tokens per daemon target.
type tokenStore interface {
	SetToken(target, token string) error
	GetToken(target string) (string, error)
	DeleteToken(target string) error
}

// keyringStore keeps tokens in the OS keychain.
type keyringStore struct {
	service string
}

func newKeyringStore() *keyringStore {
	return &keyringStore{service: keyringService}
}

func (k *keyringStore) SetToken(target, token string) error {
	return keyring.Set(k.service, normalizeTarget(target), token)
}

func (k *keyringStore) GetToken(target string) (string, error) {
	token, err := keyring.Get(k.service, normalizeTarget(target))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", errTokenNotFound
	}
	return token, err
}

func (k *keyringStore) DeleteToken(target string) error {
	err := keyring.Delete(k.service, normalizeTarget(target))
	if errors.Is(err, keyring.ErrNotFound) {
		return errTokenNotFound
	}
	return err
}

// memoryStore is an in-process token store used in tests.
type memoryStore struct {
	tokens map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tokens: make(map[string]string)}
}

func (m *memoryStore) SetToken(target, token string) error {
	m.tokens[normalizeTarget(target)] = token
	return nil
}

func (m *memoryStore) GetToken(target string) (string, error) {
	token, ok := m.tokens[normalizeTarget(target)]
	if !ok {
		return "", errTokenNotFound
	}
	return token, nil
}

func (m *memoryStore) DeleteToken(target string) error {
	key := normalizeTarget(target)
	if _, ok := m.tokens[key]; !ok {
		return errTokenNotFound
	}
	delete(m.tokens, key)
	return nil
}

func normalizeTarget(target string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(target), "/"))
}

// resolveToken picks the token from the flag, then the environment, then
// the keychain entry for target.
func resolveToken(flagToken, target string, store tokenStore) (string, error) {
	if token := strings.TrimSpace(flagToken); token != "" {
		return token, nil
	}
	if token := strings.TrimSpace(os.Getenv(tokenEnvVar)); token != "" {
		return token, nil
	}
	if store == nil {
		return "", errTokenNotFound
	}
	return store.GetToken(target)
}
