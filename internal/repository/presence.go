package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/torchlight-app/table-sync-go/internal/model"
	redisclient "github.com/torchlight-app/table-sync-go/internal/redis"
)

// PresenceStore holds the ephemeral per-campaign member set. Backed by
// redis in production (one hash per campaign, member id -> JSON) and by
// a map in tests; nothing here survives a restart and nothing needs to.
type PresenceStore interface {
	Put(ctx context.Context, campaignID string, member model.PresenceMember) error
	// Remove returns false when the member was not present.
	Remove(ctx context.Context, campaignID, memberID string) (bool, error)
	// Touch refreshes last_seen_at. Returns false when the member is gone.
	Touch(ctx context.Context, campaignID, memberID string, at time.Time) (bool, error)
	List(ctx context.Context, campaignID string) ([]model.PresenceMember, error)
	// Campaigns lists campaign ids with at least one tracked member,
	// for the reaper's scan.
	Campaigns(ctx context.Context) ([]string, error)
}

type redisPresenceStore struct {
	redis *redisclient.Client
}

func NewRedisPresenceStore(client *redisclient.Client) PresenceStore {
	return &redisPresenceStore{redis: client}
}

func (s *redisPresenceStore) Put(ctx context.Context, campaignID string, member model.PresenceMember) error {
	data, err := json.Marshal(member)
	if err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, redisclient.PresenceKey(campaignID), member.ID, data)
	pipe.SAdd(ctx, redisclient.PresenceIndexKey, campaignID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisPresenceStore) Remove(ctx context.Context, campaignID, memberID string) (bool, error) {
	removed, err := s.redis.HDel(ctx, redisclient.PresenceKey(campaignID), memberID).Result()
	if err != nil {
		return false, err
	}

	remaining, err := s.redis.HLen(ctx, redisclient.PresenceKey(campaignID)).Result()
	if err == nil && remaining == 0 {
		s.redis.SRem(ctx, redisclient.PresenceIndexKey, campaignID)
	}

	return removed > 0, nil
}

func (s *redisPresenceStore) Touch(ctx context.Context, campaignID, memberID string, at time.Time) (bool, error) {
	data, err := s.redis.HGet(ctx, redisclient.PresenceKey(campaignID), memberID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var member model.PresenceMember
	if err := json.Unmarshal([]byte(data), &member); err != nil {
		return false, err
	}

	member.LastSeenAt = at
	return true, s.Put(ctx, campaignID, member)
}

func (s *redisPresenceStore) List(ctx context.Context, campaignID string) ([]model.PresenceMember, error) {
	entries, err := s.redis.HGetAll(ctx, redisclient.PresenceKey(campaignID)).Result()
	if err != nil {
		return nil, err
	}

	members := make([]model.PresenceMember, 0, len(entries))
	for _, raw := range entries {
		var member model.PresenceMember
		if err := json.Unmarshal([]byte(raw), &member); err != nil {
			continue
		}
		members = append(members, member)
	}
	return members, nil
}

func (s *redisPresenceStore) Campaigns(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, redisclient.PresenceIndexKey).Result()
}
