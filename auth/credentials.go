// Package auth resolves the bearer credential used by the REST client and
// the realtime feed, and watches the credentials file for changes.
package auth

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/teranos/notiflow/am"
	"github.com/teranos/notiflow/errors"
)

// Credentials is the bearer token plus the organization it is scoped to.
type Credentials struct {
	Token string `toml:"token"`
	OrgID string `toml:"org_id,omitempty"`
}

// IsZero reports whether no token is present.
func (c Credentials) IsZero() bool {
	return strings.TrimSpace(c.Token) == ""
}

// LoadCredentials reads a credentials TOML file.
// A missing file yields ErrNotFound so callers can treat it as "logged out".
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, errors.WithHintf(
				errors.Wrapf(errors.ErrNotFound, "credentials file %s", path),
				"create it with: notiflow am init --token <token>")
		}
		return Credentials{}, errors.Wrapf(err, "failed to read credentials %s", path)
	}

	var creds Credentials
	if _, err := toml.Decode(string(data), &creds); err != nil {
		return Credentials{}, errors.Wrapf(err, "failed to parse credentials %s", path)
	}
	creds.Token = strings.TrimSpace(creds.Token)
	return creds, nil
}

// SaveCredentials writes creds with owner-only permissions.
func SaveCredentials(path string, creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), am.DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create credentials directory")
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(creds); err != nil {
		return errors.Wrap(err, "failed to encode credentials")
	}

	if err := os.WriteFile(path, buf.Bytes(), am.SecretFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write credentials %s", path)
	}
	return nil
}

// Source supplies the current credential on demand.
type Source interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticSource always returns the same credential.
type StaticSource struct {
	Creds Credentials
}

// Credentials implements Source.
func (s StaticSource) Credentials(ctx context.Context) (Credentials, error) {
	if s.Creds.IsZero() {
		return Credentials{}, errors.Wrap(errors.ErrUnauthorized, "no token configured")
	}
	return s.Creds, nil
}

// FileSource re-reads the credentials file on every call.
type FileSource struct {
	Path string
}

// Credentials implements Source.
func (s FileSource) Credentials(ctx context.Context) (Credentials, error) {
	creds, err := LoadCredentials(s.Path)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return Credentials{}, errors.WithSecondaryError(errors.Wrap(errors.ErrUnauthorized, "not logged in"), err)
		}
		return Credentials{}, err
	}
	if creds.IsZero() {
		return Credentials{}, errors.Wrapf(errors.ErrUnauthorized, "credentials file %s has no token", s.Path)
	}
	return creds, nil
}

// SourceFromConfig prefers an explicit token (NOTIFLOW_AUTH_TOKEN) over the file.
// The organization from api.org_id fills in when the credential carries none.
func SourceFromConfig(cfg *am.Config) Source {
	if cfg.Auth.Token != "" {
		return StaticSource{Creds: Credentials{Token: cfg.Auth.Token, OrgID: cfg.API.OrgID}}
	}
	return FileSource{Path: cfg.Auth.CredentialsPath}
}

// Token is a convenience returning only the bearer token.
func Token(ctx context.Context, src Source) (string, error) {
	creds, err := src.Credentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.Token, nil
}
