package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcp-memory/authz/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultRetention keeps expired records around for replay detection
	// and auditing before Redis evicts them.
	DefaultRetention = 24 * time.Hour

	// DefaultKeyPrefix namespaces every key. The braces make it a hash tag,
	// so every key lands in one cluster slot and multi-key scripts work on
	// Redis Cluster.
	DefaultKeyPrefix = "{authz}:"
)

const (
	tokenIDLogLength = 8

	// maxWatchRetries bounds optimistic client updates.
	maxWatchRetries = 5
)

// Config holds Redis connection settings.
type Config struct {
	// Addrs lists one address for a standalone server, or several for a
	// cluster or sentinel set (see go-redis UniversalOptions).
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int

	// KeyPrefix defaults to DefaultKeyPrefix. On a cluster it must contain a
	// hash tag.
	KeyPrefix string
	Retention time.Duration

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store is a storage.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keys      keys
	retention time.Duration
	logger    *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("at least one redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	// several addresses without a master name select a cluster client
	if len(cfg.Addrs) > 1 && cfg.MasterName == "" && hashTag(cfg.KeyPrefix) == "" {
		return nil, fmt.Errorf("key prefix %q needs a hash tag such as {authz} on a redis cluster", cfg.KeyPrefix)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	if cfg.Retention > 0 {
		s.retention = cfg.Retention
	}
	return s, nil
}

// NewWithClient wraps a pre-configured client. An empty keyPrefix selects
// DefaultKeyPrefix.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:    client,
		keys:      keys{prefix: keyPrefix},
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// hashTag returns the part of key Redis Cluster hashes: the text between the
// first '{' and the next '}', or "" when key has no non-empty tag.
func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return ""
	}
	return key[start+1 : start+1+end]
}

// keys builds every key the store touches. All of them start with prefix, so
// a hash tag in prefix pins them to one slot.
type keys struct {
	prefix string
}

func (k keys) client(id string) string    { return k.prefix + "client:" + id }
func (k keys) clients() string            { return k.prefix + "clients" }
func (k keys) code(hash string) string    { return k.prefix + "code:" + hash }
func (k keys) access(hash string) string  { return k.prefix + "at:" + hash }
func (k keys) refresh(hash string) string { return k.prefix + "rt:" + hash }
func (k keys) expiry(kind string) string  { return k.prefix + "expiry:" + kind }

func (k keys) ownerClients(owner string) string {
	return k.prefix + "owner:" + owner + ":clients"
}

func (k keys) familyAccess(family string) string {
	if family == "" {
		return ""
	}
	return k.prefix + "family:" + family + ":at"
}

func (k keys) familyRefresh(family string) string {
	if family == "" {
		return ""
	}
	return k.prefix + "family:" + family + ":rt"
}

// optionalKey returns key and flag "1", or fallback and flag "0" when key is
// empty. Scripts never see an empty key name, which a cluster would hash to
// a different slot.
func optionalKey(key, fallback string) (string, string) {
	if key == "" {
		return fallback, "0"
	}
	return key, "1"
}

func (k keys) active(clientID, userID string) string {
	return k.prefix + "active:" + clientID + ":" + userID
}

const (
	kindCode    = "code"
	kindAccess  = "at"
	kindRefresh = "rt"
)

// ttl is the Redis lifetime of a record: its own lifetime plus retention.
func (s *Store) ttl(created, expires time.Time) int64 {
	d := s.retention
	if !created.IsZero() && expires.After(created) {
		d += expires.Sub(created)
	}
	return d.Milliseconds()
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func nanos(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseFlag(fields map[string]string, name string) (bool, time.Time, error) {
	at, err := strconv.ParseInt(fields[name+"_at"], 10, 64)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("parsing %s_at: %w", name, err)
	}
	var when time.Time
	if at != 0 {
		when = time.Unix(0, at).UTC()
	}
	return fields[name] == "1", when, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// DeleteExpired removes codes and tokens whose expiry is before the cutoff
// along with their index entries.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (storage.SweepResult, error) {
	var res storage.SweepResult
	var err error

	if res.Codes, err = s.sweep(ctx, kindCode, before, nil); err != nil {
		return res, err
	}
	if res.AccessTokens, err = s.sweep(ctx, kindAccess, before, func(p redis.Pipeliner, hash string, fields map[string]string) {
		var rec storedAccess
		if decode(fields, &rec) == nil && rec.FamilyID != "" {
			p.SRem(ctx, s.keys.familyAccess(rec.FamilyID), hash)
		}
	}); err != nil {
		return res, err
	}
	if res.RefreshTokens, err = s.sweep(ctx, kindRefresh, before, func(p redis.Pipeliner, hash string, fields map[string]string) {
		var rec storedRefresh
		if decode(fields, &rec) != nil {
			return
		}
		if rec.FamilyID != "" {
			p.SRem(ctx, s.keys.familyRefresh(rec.FamilyID), hash)
		}
		p.ZRem(ctx, s.keys.active(rec.ClientID, rec.UserID), hash)
	}); err != nil {
		return res, err
	}
	return res, nil
}

// sweep deletes every record of kind expiring before the cutoff. unindex
// queues removal from secondary indexes.
func (s *Store) sweep(ctx context.Context, kind string, before time.Time, unindex func(redis.Pipeliner, string, map[string]string)) (int, error) {
	expiryKey := s.keys.expiry(kind)
	members, err := s.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + score(before),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing expired %s records: %w", kind, err)
	}

	deleted := 0
	for _, hash := range members {
		key := s.recordKey(kind, hash)
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return deleted, fmt.Errorf("loading expired %s record: %w", kind, err)
		}

		var del *redis.IntCmd
		if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			del = p.Del(ctx, key)
			p.ZRem(ctx, expiryKey, hash)
			if unindex != nil && len(fields) > 0 {
				unindex(p, hash, fields)
			}
			return nil
		}); err != nil {
			return deleted, fmt.Errorf("deleting expired %s record: %w", kind, err)
		}
		deleted += int(del.Val())
	}
	return deleted, nil
}

func (s *Store) recordKey(kind, hash string) string {
	switch kind {
	case kindCode:
		return s.keys.code(hash)
	case kindAccess:
		return s.keys.access(hash)
	default:
		return s.keys.refresh(hash)
	}
}
