package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "statusrelay/pkg/logx"
)

const (
	defaultRedisPrefix = "statusrelay:"
	// auditCap bounds the audit list; older entries are trimmed.
	auditCap = 10000
)

// redisStore keeps one JSON document per event under <prefix>event:<key>,
// a sorted set of expiry deadlines, and a capped audit list.
type redisStore struct {
	client *redis.Client
	log    logx.Logger

	prefix    string
	expiryKey string
	auditKey  string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	log.Debug("redis store opened", logx.String("addr", addr), logx.String("prefix", prefix))
	return newRedisStore(client, prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	return &redisStore{
		client:    client,
		log:       log,
		prefix:    prefix,
		expiryKey: prefix + "expiry",
		auditKey:  prefix + "audit",
	}
}

func (s *redisStore) eventKey(key string) string { return s.prefix + "event:" + key }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.auditKey, b)
		p.LTrim(ctx, s.auditKey, -auditCap, -1)
		return nil
	})
	return err
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *redisStore) get(ctx context.Context, c getter, key string) (Snapshot, bool, error) {
	raw, err := c.Get(ctx, s.eventKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return snap, true, nil
}

func (s *redisStore) write(ctx context.Context, p redis.Pipeliner, snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	p.Set(ctx, s.eventKey(snap.Key), b, 0)
	if snap.ExpiresAt.IsZero() {
		p.ZRem(ctx, s.expiryKey, snap.Key)
	} else {
		p.ZAdd(ctx, s.expiryKey, redis.Z{Score: float64(snap.ExpiresAt.UnixMilli()), Member: snap.Key})
	}
	return nil
}

// update runs fn under WATCH on the event key so concurrent pollers do not lose bookkeeping.
func (s *redisStore) update(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, fn, s.eventKey(key))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

func (s *redisStore) PutEvent(ctx context.Context, snap Snapshot) (Snapshot, bool, error) {
	snap.Key = strings.TrimSpace(snap.Key)
	if snap.Key == "" {
		return Snapshot{}, false, errors.New("snapshot key is required")
	}
	var (
		prev  Snapshot
		found bool
	)
	err := s.update(ctx, snap.Key, func(tx *redis.Tx) error {
		var err error
		prev, found, err = s.get(ctx, tx, snap.Key)
		if err != nil {
			return err
		}
		next := mergeBookkeeping(snap, prev)
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now().UTC()
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return s.write(ctx, p, next)
		})
		return err
	})
	if err != nil {
		return Snapshot{}, false, err
	}
	return prev, found, nil
}

func (s *redisStore) GetEvent(ctx context.Context, key string) (Snapshot, bool, error) {
	return s.get(ctx, s.client, strings.TrimSpace(key))
}

func (s *redisStore) MarkPublished(ctx context.Context, key string, at time.Time, messageID string) error {
	key = strings.TrimSpace(key)
	return s.update(ctx, key, func(tx *redis.Tx) error {
		snap, ok, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if snap.Attributes == nil {
			snap.Attributes = map[string]string{}
		}
		snap.Attributes[AttrPublishedAt] = FormatPublished(at)
		if messageID != "" {
			snap.Attributes[AttrMessageID] = messageID
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return s.write(ctx, p, snap)
		})
		return err
	})
}

func (s *redisStore) PruneExpired(ctx context.Context, now time.Time) ([]Snapshot, error) {
	keys, err := s.client.ZRangeByScore(ctx, s.expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, key := range keys {
		snap, ok, err := s.get(ctx, s.client, key)
		if err != nil {
			return out, err
		}
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.eventKey(key))
			p.ZRem(ctx, s.expiryKey, key)
			return nil
		})
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, snap)
		}
	}
	return out, nil
}
