package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcp-memory/authz/storage"
)

const clientColumns = `client_id, secret_hash, name, redirect_uris, allowed_scopes, owner_id,
	active, metadata, created_at, secret_rotated_at, deactivated_at`

// CreateClient inserts a client.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	redirectURIs, err := json.Marshal(nonNil(client.RedirectURIs))
	if err != nil {
		return fmt.Errorf("encoding redirect URIs: %w", err)
	}
	metadata := client.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding client metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO oauth_clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		client.ClientID,
		client.SecretHash,
		client.Name,
		string(redirectURIs),
		joinScopes(client.AllowedScopes),
		client.OwnerID,
		flag(client.Active),
		string(metadataJSON),
		toNanos(client.CreatedAt),
		toNanos(client.SecretRotatedAt),
		toNanos(client.DeactivatedAt),
	)
	if err != nil {
		return insertErr("client", err)
	}
	return nil
}

// GetClient returns a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = ?`), clientID)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return client, nil
}

// ListClients returns clients, optionally filtered by owner.
func (s *Store) ListClients(ctx context.Context, ownerID string) ([]*storage.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM oauth_clients`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, client_id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var out []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		out = append(out, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}
	return out, nil
}

// UpdateClientSecret replaces the secret hash.
func (s *Store) UpdateClientSecret(ctx context.Context, clientID, secretHash string, rotatedAt time.Time) error {
	ok, err := execOne(ctx, s.db, s.q(`UPDATE oauth_clients SET secret_hash = ?, secret_rotated_at = ? WHERE client_id = ?`),
		secretHash, toNanos(rotatedAt), clientID)
	if err != nil {
		return fmt.Errorf("updating client secret: %w", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

// DeactivateClient marks a client inactive, keeping the first deactivation
// time.
func (s *Store) DeactivateClient(ctx context.Context, clientID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE oauth_clients SET active = 0, deactivated_at = ? WHERE client_id = ? AND active = 1`),
		toNanos(at), clientID)
	if err != nil {
		return fmt.Errorf("deactivating client: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	// Nothing changed: either already inactive or unknown.
	var exists int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM oauth_clients WHERE client_id = ?`), clientID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying client: %w", err)
	}
	return nil
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var (
		c                              storage.Client
		redirectURIs, scopes, metadata string
		created, rotated, deactivated  int64
	)
	if err := row.Scan(
		&c.ClientID,
		&c.SecretHash,
		&c.Name,
		&redirectURIs,
		&scopes,
		&c.OwnerID,
		&c.Active,
		&metadata,
		&created,
		&rotated,
		&deactivated,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(redirectURIs), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect URIs: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
		return nil, fmt.Errorf("decoding client metadata: %w", err)
	}
	if len(c.Metadata) == 0 {
		c.Metadata = nil
	}
	c.AllowedScopes = splitScopes(scopes)
	c.CreatedAt = fromNanos(created)
	c.SecretRotatedAt = fromNanos(rotated)
	c.DeactivatedAt = fromNanos(deactivated)
	return &c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
