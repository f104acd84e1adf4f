// Package redis stores the budget ledger in Redis so several API and worker
// processes can share one ledger state. Writes use WATCH/MULTI on the key
// and succeed only against the version they were computed from.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/docingest/internal/budget"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the key the ledger state is saved under.
const DefaultKey = "docingest:budget:ledger"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// LedgerStore implements budget.Store on a single Redis string key.
type LedgerStore struct {
	client *redis.Client
	key    string
}

// NewLedgerStore connects to Redis and checks the connection.
func NewLedgerStore(ctx context.Context, opts Options) (*LedgerStore, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("NewLedgerStore: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(opts.Password),
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("NewLedgerStore: ping %s: %w", addr, err)
	}
	return NewLedgerStoreWithClient(client, opts.Key), nil
}

// NewLedgerStoreWithClient wraps an existing client.
func NewLedgerStoreWithClient(client *redis.Client, key string) *LedgerStore {
	if key == "" {
		key = DefaultKey
	}
	return &LedgerStore{client: client, key: key}
}

// Load implements budget.Store.
func (s *LedgerStore) Load(ctx context.Context) (*budget.State, error) {
	state, err := s.get(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("LedgerStore.Load: %w", err)
	}
	return state, nil
}

// Save implements budget.Store.
func (s *LedgerStore) Save(ctx context.Context, state *budget.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("LedgerStore.Save: encode: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx)
		if err != nil {
			return err
		}
		var stored int64
		if current != nil {
			stored = current.Version
		}
		if state.Version != stored+1 {
			return budget.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, raw, 0)
			return nil
		})
		return err
	}, s.key)
	if errors.Is(err, redis.TxFailedErr) {
		err = budget.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("LedgerStore.Save: set %s: %w", s.key, err)
	}
	return nil
}

// getter is the read shared by the client and a watched transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *LedgerStore) get(ctx context.Context, c getter) (*budget.State, error) {
	raw, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	var state budget.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &state, nil
}

// Ping checks the connection.
func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *LedgerStore) Close() error {
	return s.client.Close()
}
