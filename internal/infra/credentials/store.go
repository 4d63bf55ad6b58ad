// Package credentials reads and writes provider API keys kept in the
// integration_tokens table, so a key can be rotated without redeploying.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"genpipeline/internal/infra"
	"genpipeline/internal/sqlinline"
)

const (
	ProviderGemini = "gemini"
)

// Source names where a resolved key came from.
const (
	SourceEnv   = "env"
	SourceStore = "store"
	SourceNone  = "none"
)

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Credential is a stored provider key and the model pinned with it.
type Credential struct {
	Token string
	Model string
}

func (s *Store) GeminiAPIKey(ctx context.Context) (string, error) {
	c, err := s.Lookup(ctx, ProviderGemini)
	return c.Token, err
}

// Lookup returns the stored credential for provider. A zero Credential means
// none is stored.
func (s *Store) Lookup(ctx context.Context, provider string) (Credential, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var c Credential
	if err := row.Scan(&c.Token, &c.Model); err != nil {
		if infra.IsNoRows(err) {
			return Credential{}, nil
		}
		return Credential{}, fmt.Errorf("load %s token: %w", provider, err)
	}
	c.Token = strings.TrimSpace(c.Token)
	c.Model = strings.TrimSpace(c.Model)
	return c, nil
}

// Delete removes the stored key for provider. Deleting a missing key is not
// an error.
func (s *Store) Delete(ctx context.Context, provider string) error {
	if _, err := s.sql.Exec(ctx, sqlinline.QDeleteIntegrationToken, strings.TrimSpace(provider)); err != nil {
		return fmt.Errorf("delete %s token: %w", provider, err)
	}
	return nil
}

func (s *Store) SetGeminiAPIKey(ctx context.Context, key, model string) error {
	props := map[string]any{}
	if model = strings.TrimSpace(model); model != "" {
		props["model"] = model
	}
	return s.SetToken(ctx, ProviderGemini, key, props)
}

// SetToken stores token for provider, replacing any previous one.
func (s *Store) SetToken(ctx context.Context, provider, token string, props map[string]any) error {
	provider = strings.TrimSpace(provider)
	token = strings.TrimSpace(token)
	if provider == "" {
		return errors.New("provider is required")
	}
	if token == "" {
		return fmt.Errorf("%s api key is required", provider)
	}
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	if _, err := s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw); err != nil {
		return fmt.Errorf("store %s token: %w", provider, err)
	}
	return nil
}

// Resolved is the key a generator is configured with.
type Resolved struct {
	Key    string
	Model  string // empty means the configured default
	Source string
}

// ResolveGeminiKey prefers the key from the environment and falls back to
// the stored one, together with its pinned model. s may be nil when no
// database is configured.
func ResolveGeminiKey(ctx context.Context, s *Store, fromEnv string) (Resolved, error) {
	if key := strings.TrimSpace(fromEnv); key != "" {
		return Resolved{Key: key, Source: SourceEnv}, nil
	}
	none := Resolved{Source: SourceNone}
	if s == nil {
		return none, nil
	}
	c, err := s.Lookup(ctx, ProviderGemini)
	if err != nil {
		return none, err
	}
	if c.Token == "" {
		return none, nil
	}
	return Resolved{Key: c.Token, Model: c.Model, Source: SourceStore}, nil
}
