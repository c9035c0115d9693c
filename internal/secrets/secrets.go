// Package secrets resolves provider credentials by name.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"

	"github.com/vietddude/pipewarden/internal/failure"
)

// ErrNotFound is returned by a source that does not hold the secret.
var ErrNotFound = errors.New("secret not found")

// Source looks up secrets by name.
type Source interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// EnvSource reads secrets from the environment, optionally seeded from .env files.
type EnvSource struct {
	// Prefix is prepended to the upper-cased name, e.g. "PIPEWARDEN_".
	Prefix string
}

// NewEnvSource loads the given dotenv files (missing files are skipped) and
// returns an environment source.
func NewEnvSource(prefix string, files ...string) (*EnvSource, error) {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return &EnvSource{Prefix: prefix}, nil
}

func (s *EnvSource) GetSecret(ctx context.Context, name string) (string, error) {
	key := s.Prefix + envName(name)
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", key, ErrNotFound)
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

// KeyringSource reads secrets from the OS keyring under one service name.
type KeyringSource struct {
	Service string
}

func (s *KeyringSource) GetSecret(ctx context.Context, name string) (string, error) {
	v, err := keyring.Get(s.Service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%s/%s: %w", s.Service, name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("keyring lookup %s/%s: %w", s.Service, name, err)
	}
	return v, nil
}

// Chain tries sources in order. A secret absent from every source is a
// critical SecretNotFound failure.
type Chain []Source

func (c Chain) GetSecret(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, src := range c {
		v, err := src.GetSecret(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}

	cause := errors.Join(errs...)
	if cause == nil {
		cause = fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return "", failure.CriticalError(failure.CodeSecretNotFound, cause).With("secret", name)
}
