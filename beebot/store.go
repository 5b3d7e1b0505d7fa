package beebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefixReminder  = "reminder:"
	keyPrefixConsent   = "consent:"
	keyPrefixAutoReply = "autoreply:"
	keyPrefixGuild     = "guild:"

	consentOn  = "on"
	consentOff = "off"

	storePingTimeout = 10 * time.Second
)

// KVStore is the durable key-value store contract the bot rides on. Keys
// are namespaced strings; values are serialized records or short flags.
// Scan returns every key with the given prefix.
type KVStore interface {
	Set(ctx context.Context, key string, value string) error

	// Get returns the value for key, and false if the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Delete removes key, returning true if it existed.
	Delete(ctx context.Context, key string) (bool, error)

	Scan(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// redisStore implements KVStore against a Redis server. This is the
// production store: the bot assumes a single running instance per
// deployment, so no locking or leader election is layered on top.
type redisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with a
// ping. The store logs at the level set in the config.
func NewRedisStore(ctx context.Context, config *RedisConfig) (
	KVStore,
	error,
) {
	client := redis.NewClient(
		&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		},
	)

	pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}

	return &redisStore{
		client: client,
		logger: componentLogger(config.LogLevel, "redis"),
	}, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("error setting key %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("error getting key %q: %w", key, err)
	}
	return value, true, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("error deleting key %q: %w", key, err)
	}
	return removed > 0, nil
}

func (s *redisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logger.ErrorContext(ctx, "error scanning keys", "prefix", prefix, tint.Err(err))
		return nil, fmt.Errorf("error scanning prefix %q: %w", prefix, err)
	}
	return keys, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// memoryStore is an in-memory KVStore used in tests, mirroring the
// redis-backed store's semantics.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() KVStore {
	return &memoryStore{data: map[string]string{}}
}

func (s *memoryStore) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

func (s *memoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Close() error {
	return nil
}

// Settings wraps the KVStore with accessors for per-user consent flags and
// per-guild configuration. All records are last-write-wins; none require
// a lifecycle beyond set/get/delete.
type Settings struct {
	store  KVStore
	logger *slog.Logger
}

func NewSettings(store KVStore, log *slog.Logger) *Settings {
	if log == nil {
		log = slog.Default()
	}
	return &Settings{store: store, logger: log.With(loggerNameKey, "settings")}
}

// ConsentEnabled reports whether the given user has opted in to having
// their messages forwarded to the AI provider.
func (s *Settings) ConsentEnabled(ctx context.Context, userID string) bool {
	value, ok, err := s.store.Get(ctx, keyPrefixConsent+userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "error reading consent flag", "user_id", userID, tint.Err(err))
		return false
	}
	return ok && value == consentOn
}

func (s *Settings) SetConsent(ctx context.Context, userID string, enabled bool) error {
	value := consentOff
	if enabled {
		value = consentOn
	}
	return s.store.Set(ctx, keyPrefixConsent+userID, value)
}

// AutoReplyEnabled reports whether the bot should answer questions posted
// in the given channel without an explicit command.
func (s *Settings) AutoReplyEnabled(ctx context.Context, channelID string) bool {
	value, ok, err := s.store.Get(ctx, keyPrefixAutoReply+channelID)
	if err != nil {
		s.logger.ErrorContext(
			ctx, "error reading autoreply flag", "channel_id", channelID, tint.Err(err),
		)
		return false
	}
	return ok && value == consentOn
}

func (s *Settings) SetAutoReply(ctx context.Context, channelID string, enabled bool) error {
	if enabled {
		return s.store.Set(ctx, keyPrefixAutoReply+channelID, consentOn)
	}
	_, err := s.store.Delete(ctx, keyPrefixAutoReply+channelID)
	return err
}

// GuildChannelID returns the stored channel ID for one of the bot's
// well-known guild channels ("announcements", "version", "errors").
func (s *Settings) GuildChannelID(ctx context.Context, guildID string, name string) string {
	value, ok, err := s.store.Get(ctx, guildChannelKey(guildID, name))
	if err != nil {
		s.logger.ErrorContext(
			ctx, "error reading guild channel", "guild_id", guildID, "name", name, tint.Err(err),
		)
		return ""
	}
	if !ok {
		return ""
	}
	return value
}

func (s *Settings) SetGuildChannelID(
	ctx context.Context,
	guildID string,
	name string,
	channelID string,
) error {
	return s.store.Set(ctx, guildChannelKey(guildID, name), channelID)
}

// LastAnnouncedVersion returns the bot version most recently posted to
// the guild's version channel, or "" if none was recorded.
func (s *Settings) LastAnnouncedVersion(ctx context.Context, guildID string) string {
	value, ok, err := s.store.Get(ctx, guildVersionKey(guildID))
	if err != nil {
		s.logger.ErrorContext(
			ctx, "error reading announced version", "guild_id", guildID, tint.Err(err),
		)
		return ""
	}
	if !ok {
		return ""
	}
	return value
}

func (s *Settings) SetLastAnnouncedVersion(
	ctx context.Context,
	guildID string,
	version string,
) error {
	return s.store.Set(ctx, guildVersionKey(guildID), version)
}

func guildChannelKey(guildID string, name string) string {
	return fmt.Sprintf("%schannel:%s:%s", keyPrefixGuild, guildID, name)
}

func guildVersionKey(guildID string) string {
	return fmt.Sprintf("%sversion:%s", keyPrefixGuild, guildID)
}
