package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcp-memory/authz/storage"
)

// CreateClient stores a client and indexes it by creation time and owner.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	data, err := json.Marshal(fromClient(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.keys.client(client.ClientID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	if !created {
		return storage.ErrAlreadyExists
	}

	member := redis.Z{Score: float64(client.CreatedAt.UnixMicro()), Member: client.ClientID}
	if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.keys.clients(), member)
		p.ZAdd(ctx, s.keys.ownerClients(client.OwnerID), member)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to index client: %w", err)
	}
	return nil
}

// GetClient returns a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Get(ctx, s.keys.client(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var rec storedClient
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return rec.toClient(), nil
}

// ListClients returns clients ordered by creation time, optionally filtered
// by owner.
func (s *Store) ListClients(ctx context.Context, ownerID string) ([]*storage.Client, error) {
	index := s.keys.clients()
	if ownerID != "" {
		index = s.keys.ownerClients(ownerID)
	}

	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.client(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load clients: %w", err)
	}

	out := make([]*storage.Client, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var rec storedClient
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client: %w", err)
		}
		out = append(out, rec.toClient())
	}
	return out, nil
}

// UpdateClientSecret replaces the secret hash.
func (s *Store) UpdateClientSecret(ctx context.Context, clientID, secretHash string, rotatedAt time.Time) error {
	return s.updateClient(ctx, clientID, func(rec *storedClient) bool {
		rec.SecretHash = secretHash
		rec.SecretRotatedAt = rotatedAt
		return true
	})
}

// DeactivateClient marks a client inactive, keeping the first deactivation
// time.
func (s *Store) DeactivateClient(ctx context.Context, clientID string, at time.Time) error {
	return s.updateClient(ctx, clientID, func(rec *storedClient) bool {
		if !rec.Active {
			return false
		}
		rec.Active = false
		rec.DeactivatedAt = at
		return true
	})
}

// updateClient applies mutate under WATCH and retries when another writer
// got in first. mutate returns false to skip the write.
func (s *Store) updateClient(ctx context.Context, clientID string, mutate func(*storedClient) bool) error {
	key := s.keys.client(clientID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec storedClient
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal client: %w", err)
		}
		if !mutate(&rec) {
			return nil
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal client: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to update client: %w", err)
		}
		return err
	}
	return fmt.Errorf("failed to update client %s: too much contention", clientID)
}
