// SPDX-License-Identifier: GPL-3.0-or-later

// Package cooldown implements domain.CooldownStore (C2) against a
// Redis-style key/value store: per-sender block/cooldown flags and the
// hour-bucketed coalescing set. Structured the way the teacher's
// persistence.Persistence wraps a single client handle with a named
// logger, generalized from a sqlite connection to a redis.Client.
package cooldown

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/logging"
	"github.com/CrawX/warmupworker/internal/tracing"
)

const tracerName = "warmupworker/cooldown"

const (
	blockedTTL  = 8 * time.Hour
	cooldownTTL = 48 * time.Hour
	bucketTTL   = 2 * time.Hour

	blockedPrefix  = "auth_fail:"
	cooldownPrefix = "warmup_cooldown:"
	bucketPrefix   = "email_batch:"
)

// Store implements domain.CooldownStore over a go-redis client.
type Store struct {
	client *redis.Client
	l      *logrus.Logger
}

// New builds a Store from a Redis connection URL (redis://...).
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cooldown: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	l := logging.Logger(logging.Cooldown)
	return &Store{client: client, l: l}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	err := s.client.Close()
	if err != nil {
		return fmt.Errorf("cooldown: could not close redis client: %w", err)
	}
	s.l.Info("Disconnected")
	return nil
}

var _ domain.CooldownStore = (*Store)(nil)

func (s *Store) MarkBlocked(ctx context.Context, addr string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cooldown.MarkBlocked")
	defer span.End()

	err := s.client.Set(ctx, blockedPrefix+addr, time.Now().Unix(), blockedTTL).Err()
	if err != nil {
		return fmt.Errorf("cooldown: marking blocked: %w", err)
	}
	s.l.WithField("addr", addr).Info("Marked blocked")
	return nil
}

func (s *Store) IsBlocked(ctx context.Context, addr string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cooldown.IsBlocked")
	defer span.End()

	return s.exists(ctx, blockedPrefix+addr)
}

func (s *Store) ClearBlocked(ctx context.Context, addr string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cooldown.ClearBlocked")
	defer span.End()

	if err := s.client.Del(ctx, blockedPrefix+addr).Err(); err != nil {
		return fmt.Errorf("cooldown: clearing blocked: %w", err)
	}
	return nil
}

func (s *Store) MarkCooldown(ctx context.Context, addr string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cooldown.MarkCooldown")
	defer span.End()

	err := s.client.Set(ctx, cooldownPrefix+addr, time.Now().Unix(), cooldownTTL).Err()
	if err != nil {
		return fmt.Errorf("cooldown: marking cooldown: %w", err)
	}
	s.l.WithField("addr", addr).Info("Marked cooldown")
	return nil
}

func (s *Store) IsInCooldown(ctx context.Context, addr string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cooldown.IsInCooldown")
	defer span.End()

	return s.exists(ctx, cooldownPrefix+addr)
}

func (s *Store) ClearCooldown(ctx context.Context, addr string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cooldown.ClearCooldown")
	defer span.End()

	if err := s.client.Del(ctx, cooldownPrefix+addr).Err(); err != nil {
		return fmt.Errorf("cooldown: clearing cooldown: %w", err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown: checking %s: %w", key, err)
	}
	return n > 0, nil
}

// bucketKey returns "email_batch:<H>" for the current hour, H = floor(now
// in ms / 3_600_000), per spec §3.
func bucketKey(now time.Time) string {
	hour := now.UnixMilli() / 3_600_000
	return bucketPrefix + strconv.FormatInt(hour, 10)
}

// AddToBucket inserts entry under field "<replyFrom>-><entry.To>" only if
// absent (HSETNX), refreshing the bucket's TTL on every successful write.
// Returns inserted=false, no error, if the field already existed — the
// coalescing case, per spec §4.2.
func (s *Store) AddToBucket(ctx context.Context, replyFrom string, entry domain.BatchEntry) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cooldown.AddToBucket")
	defer span.End()

	key := bucketKey(time.Now())
	field := replyFrom + "->" + entry.To

	payload, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("cooldown: marshaling entry: %w", err)
	}

	inserted, err := s.client.HSetNX(ctx, key, field, payload).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown: hsetnx: %w", err)
	}
	if inserted {
		if err := s.client.Expire(ctx, key, bucketTTL).Err(); err != nil {
			return false, fmt.Errorf("cooldown: refreshing bucket ttl: %w", err)
		}
		s.l.WithFields(logrus.Fields{"key": key, "field": field}).Debug("Inserted into bucket")
	}
	return inserted, nil
}

// ReadBucket reads every field of the current hour bucket and regroups by
// replyFrom, the first segment of the field name, per spec §4.2.
func (s *Store) ReadBucket(ctx context.Context) (map[string][]domain.BatchEntry, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cooldown.ReadBucket")
	defer span.End()

	key := bucketKey(time.Now())

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cooldown: hgetall: %w", err)
	}

	grouped := make(map[string][]domain.BatchEntry)
	for field, raw := range fields {
		replyFrom, _, ok := strings.Cut(field, "->")
		if !ok {
			s.l.WithField("field", field).Warn("Skipping malformed bucket field")
			continue
		}

		var entry domain.BatchEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.l.WithError(err).WithField("field", field).Warn("Skipping undecodable bucket entry")
			continue
		}

		grouped[replyFrom] = append(grouped[replyFrom], entry)
	}
	return grouped, nil
}

// RemoveSenders deletes every field belonging to any of senders from the
// current hour bucket, used once a sender's entries have been processed.
func (s *Store) RemoveSenders(ctx context.Context, senders []string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cooldown.RemoveSenders")
	defer span.End()

	if len(senders) == 0 {
		return nil
	}
	key := bucketKey(time.Now())

	fields, err := s.client.HKeys(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cooldown: hkeys: %w", err)
	}

	wanted := make(map[string]bool, len(senders))
	for _, sender := range senders {
		wanted[sender] = true
	}

	var toDelete []string
	for _, field := range fields {
		replyFrom, _, ok := strings.Cut(field, "->")
		if ok && wanted[replyFrom] {
			toDelete = append(toDelete, field)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}

	if err := s.client.HDel(ctx, key, toDelete...).Err(); err != nil {
		return fmt.Errorf("cooldown: hdel: %w", err)
	}
	return nil
}
