package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// connectClient is the part of connect.Client used here.
type connectClient interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordStore reads community strings from a 1Password vault through
// the Connect API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding the items
type OnePasswordStore struct {
	client  connectClient
	vaultID string
	logger  *slog.Logger
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordStore creates a 1Password-backed store.
func NewOnePasswordStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}
	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "onupoll-control-plane")
	return newOnePasswordStore(client, cfg.VaultID, logger), nil
}

func newOnePasswordStore(client connectClient, vaultID string, logger *slog.Logger) *OnePasswordStore {
	return &OnePasswordStore{
		client:  client,
		vaultID: vaultID,
		logger:  logger.With("backend", "1password"),
	}
}

// Lookup returns a field of an item. ref has the form "<item>/<field>"; the
// field is matched by label first and then by id.
func (s *OnePasswordStore) Lookup(ctx context.Context, ref string) (string, error) {
	title, field, ok := strings.Cut(ref, "/")
	if !ok || title == "" || field == "" {
		return "", fmt.Errorf("invalid 1Password reference %q: expected <item>/<field>", ref)
	}

	items, err := s.client.GetItemsByTitle(title, s.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("item %q: %w", title, ErrNotFound)
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("item %q: %w", title, ErrNotFound)
	}
	if len(items) > 1 {
		s.logger.Warn("several items share a title, using the first", "title", title, "count", len(items))
	}

	item, err := s.client.GetItem(items[0].ID, s.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	for _, f := range item.Fields {
		if strings.EqualFold(f.Label, field) {
			return f.Value, nil
		}
	}
	for _, f := range item.Fields {
		if f.ID == field {
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("field %q of item %q: %w", field, title, ErrNotFound)
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
